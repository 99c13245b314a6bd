package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

// Suspend stops all traffic to a provider until an operator reactivates it.
func (r *Registry) Suspend(ctx context.Context, id string, reason string) error {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}

	p.mu.Lock()
	if p.status == domain.ProviderStatusSuspended {
		p.mu.Unlock()
		return fmt.Errorf("%w: provider %s is already suspended", domain.ErrConflict, id)
	}

	previous := p.status
	p.status = domain.ProviderStatusSuspended
	p.statusReason = reason
	p.mu.Unlock()

	r.logger.Warn("provider suspended",
		zap.String("providerId", id),
		zap.String("previousStatus", previous.String()),
		zap.String("reason", reason),
	)
	r.persist(ctx, id)
	return nil
}

// Reactivate is the only way out of SUSPENDED. A provider that was warming resumes
// warming; its breaker and failure counters start fresh.
func (r *Registry) Reactivate(ctx context.Context, id string) error {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}

	p.mu.Lock()
	if p.status != domain.ProviderStatusSuspended {
		status := p.status
		p.mu.Unlock()
		return fmt.Errorf("%w: provider %s is %s, not suspended", domain.ErrConflict, id, status)
	}

	p.status = domain.ProviderStatusActive
	if r.schedule.IsWarming(id) {
		p.status = domain.ProviderStatusWarming
	}
	p.statusReason = ""
	status := p.status
	p.mu.Unlock()

	r.tracker.ResetBreaker(id)
	r.logger.Info("provider reactivated", zap.String("providerId", id), zap.String("status", status.String()))
	r.persist(ctx, id)
	return nil
}

// StartWarming moves an ACTIVE provider onto its warming plan.
func (r *Registry) StartWarming(ctx context.Context, id string) error {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}

	p.mu.Lock()
	if p.status != domain.ProviderStatusActive {
		status := p.status
		p.mu.Unlock()
		return fmt.Errorf("%w: provider %s is %s, not active", domain.ErrConflict, id, status)
	}
	if err := r.schedule.Start(ctx, id); err != nil {
		p.mu.Unlock()
		return err
	}
	p.status = domain.ProviderStatusWarming
	p.mu.Unlock()

	r.persist(ctx, id)
	return nil
}

// FinishWarming returns a WARMING provider to full ACTIVE limits.
func (r *Registry) FinishWarming(ctx context.Context, id string) error {
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}

	p.mu.Lock()
	if p.status != domain.ProviderStatusWarming {
		status := p.status
		p.mu.Unlock()
		return fmt.Errorf("%w: provider %s is %s, not warming", domain.ErrConflict, id, status)
	}
	if err := r.schedule.Finish(ctx, id); err != nil {
		p.mu.Unlock()
		return err
	}
	p.status = domain.ProviderStatusActive
	p.mu.Unlock()

	r.persist(ctx, id)
	return nil
}

func (r *Registry) PauseWarming(ctx context.Context, id string, reason string) error {
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}
	return r.schedule.Pause(ctx, id, reason)
}

func (r *Registry) ResumeWarming(ctx context.Context, id string) error {
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}
	return r.schedule.Resume(ctx, id)
}

// SetReputation overrides a provider's score at runtime.
func (r *Registry) SetReputation(ctx context.Context, id string, score float64) error {
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, id)
	}
	if score < domain.MinReputation || score > domain.MaxReputation {
		return fmt.Errorf("%w: reputation must be within [0,100]", domain.ErrValidation)
	}
	r.tracker.SetScore(id, score)
	r.persist(ctx, id)
	return nil
}

// SaveStates persists the status and current score of every provider. Scores drift with
// every event, so callers run it periodically.
func (r *Registry) SaveStates(ctx context.Context) error {
	states := make([]domain.ProviderState, 0, len(r.order))
	for _, id := range r.order {
		states = append(states, r.currentState(id))
	}
	if err := r.states.Save(ctx, states...); err != nil {
		return fmt.Errorf("failed to persist provider states: %w", err)
	}
	return nil
}

// persist saves one provider's state after a transition. The in-memory transition stands
// when the store fails; the next SaveStates writes it again.
func (r *Registry) persist(ctx context.Context, id string) {
	if err := r.states.Save(context.WithoutCancel(ctx), r.currentState(id)); err != nil {
		r.logger.Error("failed to persist provider state", zap.String("providerId", id), zap.Error(err))
	}
}

func (r *Registry) currentState(id string) domain.ProviderState {
	p := r.providers[id]

	p.mu.Lock()
	state := domain.ProviderState{
		ProviderID:   id,
		Status:       p.status,
		StatusReason: p.statusReason,
	}
	p.mu.Unlock()

	state.Reputation = r.tracker.Score(id)
	state.UpdatedAt = r.now().UTC()
	return state
}
