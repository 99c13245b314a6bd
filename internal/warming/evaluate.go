package warming

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Action is the outcome of a warming performance review.
type Action string

const (
	ActionContinue Action = "continue"
	ActionReduce   Action = "reduce"
	ActionPause    Action = "pause"
)

func (a Action) String() string { return string(a) }

const (
	pauseBounceRate     = 0.10
	pauseComplaintRate  = 0.003
	pauseDeliveryRate   = 0.85
	reduceBounceRate    = 0.08
	reduceComplaintRate = 0.002
	reduceDeliveryRate  = 0.90
)

// Performance is the recent sending outcome of a warming provider.
type Performance struct {
	Sent       int64
	Delivered  int64
	Bounced    int64
	Complaints int64
}

func (p Performance) rates() (bounce, complaint, delivery float64) {
	if p.Sent <= 0 {
		return 0, 0, 1
	}
	total := float64(p.Sent)
	return float64(p.Bounced) / total, float64(p.Complaints) / total, float64(p.Delivered) / total
}

type Decision struct {
	Action Action
	Reason string
	Factor float64
}

// Decide maps performance to a decision without touching any state.
func Decide(p Performance) Decision {
	bounce, complaint, delivery := p.rates()

	switch {
	case bounce > pauseBounceRate:
		return Decision{Action: ActionPause, Reason: fmt.Sprintf("bounce rate %.2f%% above %.0f%%", bounce*100, pauseBounceRate*100)}
	case complaint > pauseComplaintRate:
		return Decision{Action: ActionPause, Reason: fmt.Sprintf("complaint rate %.3f%% above %.1f%%", complaint*100, pauseComplaintRate*100)}
	case delivery < pauseDeliveryRate:
		return Decision{Action: ActionPause, Reason: fmt.Sprintf("delivery rate %.2f%% below %.0f%%", delivery*100, pauseDeliveryRate*100)}
	case bounce > reduceBounceRate:
		return Decision{Action: ActionReduce, Reason: "elevated bounce rate", Factor: 0.5}
	case complaint > reduceComplaintRate:
		return Decision{Action: ActionReduce, Reason: "elevated complaint rate", Factor: 0.7}
	case delivery < reduceDeliveryRate:
		return Decision{Action: ActionReduce, Reason: "low delivery rate", Factor: 0.8}
	}
	return Decision{Action: ActionContinue, Factor: 1}
}

// Evaluate reviews a warming provider and applies the decision: a pause is persisted,
// a reduction scales today's cap until the next UTC day.
func (s *Schedule) Evaluate(ctx context.Context, providerID string, p Performance) (Decision, error) {
	st, ok := s.state(providerID)
	if !ok {
		return Decision{}, fmt.Errorf("%w: provider %s is not warming", domain.ErrNotFound, providerID)
	}

	decision := Decide(p)

	switch decision.Action {
	case ActionPause:
		if err := s.Pause(ctx, providerID, decision.Reason); err != nil {
			return Decision{}, err
		}
	case ActionReduce:
		st.mu.Lock()
		s.rollover(st)
		if decision.Factor < st.factor {
			st.factor = decision.Factor
		}
		st.mu.Unlock()

		s.logger.Warn("warming cap reduced",
			zap.String("providerId", providerID),
			zap.String("reason", decision.Reason),
			zap.Float64("factor", decision.Factor),
		)
	}

	return decision, nil
}
