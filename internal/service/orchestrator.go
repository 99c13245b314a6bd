package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/observability"
	"github.com/kursadbilgin/esp-dispatch/internal/planner"
	"github.com/kursadbilgin/esp-dispatch/internal/provider"
	"github.com/kursadbilgin/esp-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/esp-dispatch/internal/registry"
	"github.com/kursadbilgin/esp-dispatch/internal/repository"
)

const (
	defaultSendTimeout           = 10 * time.Second
	defaultBucketMaxWait         = 2 * time.Second
	maxChunkSize                 = 50
	defaultSuspendBelowScore     = 40.0
	defaultSuspendAfterPermanent = 10
	maxBucketTimeouts            = 3

	HeaderProvider            = "X-ESP-Provider"
	HeaderCampaignID          = "X-Campaign-ID"
	HeaderSubscriberID        = "X-Subscriber-ID"
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
)

type OrchestratorConfig struct {
	SendTimeout   time.Duration
	BucketMaxWait time.Duration
	// ChunkSize caps batch chunks; it is further bounded by 50 and each provider's
	// batch size and burst capacity.
	ChunkSize             int
	SuspendBelowScore     float64
	SuspendAfterPermanent int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.BucketMaxWait <= 0 {
		c.BucketMaxWait = defaultBucketMaxWait
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxChunkSize {
		c.ChunkSize = maxChunkSize
	}
	if c.SuspendBelowScore <= 0 {
		c.SuspendBelowScore = defaultSuspendBelowScore
	}
	if c.SuspendAfterPermanent <= 0 {
		c.SuspendAfterPermanent = defaultSuspendAfterPermanent
	}
	return c
}

// SendOutcome describes a delivered message.
type SendOutcome struct {
	ProviderID string
	MessageID  string
	StatusCode int
	// Attempts counts provider calls, including the successful one.
	Attempts int
}

// Orchestrator turns send requests into provider calls with failover, reputation
// feedback and persistence of every attempt.
type Orchestrator struct {
	registry  *registry.Registry
	throttler *ratelimit.DomainThrottler
	planner   *planner.Planner
	attempts  repository.AttemptRepository
	batches   repository.BatchRepository
	events    repository.EventRepository
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	cfg       OrchestratorConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	reg *registry.Registry,
	throttler *ratelimit.DomainThrottler,
	attempts repository.AttemptRepository,
	batches repository.BatchRepository,
	events repository.EventRepository,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("provider registry is required")
	}
	if throttler == nil {
		return nil, errors.New("domain throttler is required")
	}
	if attempts == nil {
		return nil, errors.New("attempt repository is required")
	}
	if batches == nil {
		return nil, errors.New("batch repository is required")
	}
	if events == nil {
		return nil, errors.New("event repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		registry:  reg,
		throttler: throttler,
		planner:   planner.NewPlanner(logger),
		attempts:  attempts,
		batches:   batches,
		events:    events,
		tracer:    otel.Tracer("github.com/kursadbilgin/esp-dispatch/internal/service"),
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepWithContext,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SendWithFailover tries every available provider strictly in priority order until one
// delivers. At most one provider commits a send.
func (o *Orchestrator) SendWithFailover(ctx context.Context, recipient domain.Recipient, message domain.Message) (*SendOutcome, error) {
	if err := validateSend(recipient, message); err != nil {
		return nil, err
	}

	ctx, span := o.startSpan(ctx, "Orchestrator.SendWithFailover", recipient)
	defer span.End()

	outcome, err := o.deliver(ctx, nil, recipient, message, o.registry.AvailableProviders())
	endSpan(span, outcome, err)
	return outcome, err
}

// Send routes a recipient to the provider SelectBestFor picks, then fails over to the
// remaining providers in priority order.
func (o *Orchestrator) Send(ctx context.Context, recipient domain.Recipient, message domain.Message) (*SendOutcome, error) {
	if err := validateSend(recipient, message); err != nil {
		return nil, err
	}

	ctx, span := o.startSpan(ctx, "Orchestrator.Send", recipient)
	defer span.End()

	order := o.registry.AvailableProviders()
	if first, ok := o.registry.SelectBestFor(recipient.Domain(), recipient.EngagementScore, 1); ok {
		span.SetAttributes(attribute.String("esp.selected_provider", first))
		order = append([]string{first}, without(order, first)...)
	}

	outcome, err := o.deliver(ctx, nil, recipient, message, order)
	endSpan(span, outcome, err)
	return outcome, err
}

// deliver applies the recipient-domain throttle once, then runs the failover loop.
func (o *Orchestrator) deliver(
	ctx context.Context,
	batchID *string,
	recipient domain.Recipient,
	message domain.Message,
	order []string,
) (*SendOutcome, error) {
	if err := o.throttleDomain(ctx, recipient); err != nil {
		return nil, err
	}
	return o.failover(ctx, batchID, recipient, message, order, nil)
}

func (o *Orchestrator) throttleDomain(ctx context.Context, recipient domain.Recipient) error {
	recipientDomain := recipient.Domain()
	if o.throttler.AwaitConsume(ctx, recipientDomain, 1, o.cfg.BucketMaxWait) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.metrics.IncBucketWaitTimeout("domain")
	return fmt.Errorf("%w: recipient domain %s", domain.ErrRateLimited, recipientDomain)
}

// failover tries each provider of order in turn. prior holds failures from calls made
// before the loop so the result covers the whole recipient.
func (o *Orchestrator) failover(
	ctx context.Context,
	batchID *string,
	recipient domain.Recipient,
	message domain.Message,
	order []string,
	prior []ProviderFailure,
) (*SendOutcome, error) {
	logger := observability.WithContextLogger(o.logger, ctx)
	failures := append([]ProviderFailure(nil), prior...)

	for _, providerID := range order {
		if ctx.Err() != nil {
			break
		}
		if !o.registry.CanProviderSend(ctx, providerID, 1) {
			continue
		}

		result, err := o.attempt(ctx, batchID, providerID, recipient, message)
		if err == nil {
			return &SendOutcome{
				ProviderID: providerID,
				MessageID:  result.MessageID,
				StatusCode: result.StatusCode,
				Attempts:   len(failures) + 1,
			}, nil
		}
		if errors.Is(err, domain.ErrCapacityExhausted) {
			continue
		}

		failure := ProviderFailure{ProviderID: providerID, Class: provider.Classify(err), Err: err}
		failures = append(failures, failure)
		o.metrics.IncFailover(providerID)
		logger.Warn("provider send failed, failing over",
			zap.String("providerId", providerID),
			zap.String("errorClass", failure.Class.String()),
			zap.Error(err),
		)
	}

	if len(failures) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	deliveryErr := &DeliveryError{Recipient: recipient.Email, Failures: failures, Err: domain.ErrDeliveryFailed}
	if len(failures) == 0 {
		deliveryErr.Err = domain.ErrCapacityExhausted
	}
	return nil, deliveryErr
}

// attempt reserves capacity on one provider and calls its adapter. The caller must have
// admitted the provider, which may hold a half-open breaker trial.
func (o *Orchestrator) attempt(
	ctx context.Context,
	batchID *string,
	providerID string,
	recipient domain.Recipient,
	message domain.Message,
) (*provider.SendResult, error) {
	tracker := o.registry.Tracker()

	adapter, ok := o.registry.Adapter(providerID)
	if !ok {
		tracker.AbandonTrial(providerID)
		return nil, fmt.Errorf("%w: provider %s", domain.ErrCapacityExhausted, providerID)
	}
	if err := o.registry.Reserve(providerID, 1); err != nil {
		tracker.AbandonTrial(providerID)
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	start := o.now()
	result, err := adapter.Send(sendCtx, provider.SendRequest{
		Recipient: recipient,
		Message:   message,
		Headers:   trackingHeaders(providerID, recipient, message),
	})
	cancel()
	o.metrics.ObserveSendDuration(providerID, o.now().Sub(start))

	if err == nil && result == nil {
		result = &provider.SendResult{}
	}

	if err != nil {
		o.registry.Release(providerID, 1)
		class := provider.Classify(err)
		o.metrics.IncSend(providerID, class.String())
		o.recordFailure(ctx, providerID, class)
		o.appendAttempt(ctx, batchID, providerID, recipient, domain.OutcomeFailed, class, nil, err)
		return nil, err
	}

	o.metrics.IncSend(providerID, "sent")
	tracker.RecordEvent(providerID, domain.EventDelivered)
	o.appendAttempt(ctx, batchID, providerID, recipient, domain.OutcomeSent, domain.ErrorClassNone, result, nil)
	return result, nil
}

// recordFailure feeds the reputation tracker and applies the suspension policy.
// Rate-limited and canceled sends carry no provider signal.
func (o *Orchestrator) recordFailure(ctx context.Context, providerID string, class domain.ErrorClass) {
	tracker := o.registry.Tracker()

	var event domain.EventType
	switch class {
	case domain.ErrorClassTransient:
		event = domain.EventTimeout
	case domain.ErrorClassPermanent:
		event = domain.EventBlocked
	default:
		tracker.AbandonTrial(providerID)
		return
	}

	snapshot, ok := tracker.RecordEvent(providerID, event)
	if !ok {
		return
	}
	o.applySuspensionPolicy(ctx, providerID, snapshot.Score, snapshot.ConsecutivePermanent)
}

// ApplyEvent records an externally reported deliverability event (bounce, complaint,
// engagement) and applies the suspension policy. The event is stored for warming reviews;
// a store failure is logged and the event still applies.
func (o *Orchestrator) ApplyEvent(ctx context.Context, providerID string, event domain.EventType) error {
	if !event.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", domain.ErrValidation, event)
	}

	snapshot, ok := o.registry.Tracker().RecordEvent(providerID, event)
	if !ok {
		return fmt.Errorf("%w: provider %s", domain.ErrNotFound, providerID)
	}
	o.appendEvent(ctx, providerID, event)
	o.applySuspensionPolicy(ctx, providerID, snapshot.Score, snapshot.ConsecutivePermanent)
	return nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, providerID string, event domain.EventType) {
	record := &domain.DeliveryEvent{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		Type:       event,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.events.Append(context.WithoutCancel(ctx), record); err != nil {
		observability.WithContextLogger(o.logger, ctx).Error("failed to persist delivery event",
			zap.String("providerId", providerID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) applySuspensionPolicy(ctx context.Context, providerID string, score float64, consecutivePermanent int) {
	var reason string
	switch {
	case score < o.cfg.SuspendBelowScore:
		reason = fmt.Sprintf("reputation %.1f below %.1f", score, o.cfg.SuspendBelowScore)
	case consecutivePermanent >= o.cfg.SuspendAfterPermanent:
		reason = fmt.Sprintf("%d consecutive permanent failures", consecutivePermanent)
	default:
		return
	}

	if status, ok := o.registry.Status(providerID); !ok || status == domain.ProviderStatusSuspended {
		return
	}
	if err := o.registry.Suspend(ctx, providerID, reason); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			observability.WithContextLogger(o.logger, ctx).Error("failed to suspend provider",
				zap.String("providerId", providerID),
				zap.Error(err),
			)
		}
		return
	}
	o.metrics.IncSuspension(providerID)
}

// appendAttempt persists one attempt. A store failure is logged and never fails the send.
func (o *Orchestrator) appendAttempt(
	ctx context.Context,
	batchID *string,
	providerID string,
	recipient domain.Recipient,
	outcome domain.Outcome,
	class domain.ErrorClass,
	result *provider.SendResult,
	sendErr error,
) {
	attempt := &domain.DeliveryAttempt{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Recipient:  recipient.Email,
		ProviderID: providerID,
		Outcome:    outcome,
		ErrorClass: class,
		CreatedAt:  o.now().UTC(),
	}

	if result != nil {
		if result.StatusCode > 0 {
			value := result.StatusCode
			attempt.StatusCode = &value
		}
		if id := strings.TrimSpace(result.MessageID); id != "" {
			attempt.MessageID = &id
		}
	}
	if sendErr != nil {
		value := sendErr.Error()
		attempt.Error = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 {
			code := providerErr.StatusCode
			attempt.StatusCode = &code
		}
	}

	if err := o.attempts.Append(context.WithoutCancel(ctx), attempt); err != nil {
		observability.WithContextLogger(o.logger, ctx).Error("failed to record delivery attempt",
			zap.String("providerId", providerID),
			zap.String("outcome", outcome.String()),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, recipient domain.Recipient) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("esp.recipient_domain", recipient.Domain()),
		attribute.Float64("esp.engagement_score", recipient.EngagementScore),
	))
}

func endSpan(span trace.Span, outcome *SendOutcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("esp.provider", outcome.ProviderID),
		attribute.Int("esp.attempts", outcome.Attempts),
	)
}

// trackingHeaders are added to every send.
func trackingHeaders(providerID string, recipient domain.Recipient, message domain.Message) map[string]string {
	headers := map[string]string{HeaderProvider: providerID}
	if message.CampaignID != "" {
		headers[HeaderCampaignID] = message.CampaignID
	}
	if recipient.SubscriberID != "" {
		headers[HeaderSubscriberID] = recipient.SubscriberID
	}
	if url := strings.TrimSpace(message.UnsubscribeURL); url != "" {
		headers[HeaderListUnsubscribe] = "<" + url + ">"
		headers[HeaderListUnsubscribePost] = "List-Unsubscribe=One-Click"
	}
	return headers
}

func validateSend(recipient domain.Recipient, message domain.Message) error {
	if err := recipient.Validate(); err != nil {
		return err
	}
	return message.Validate()
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
