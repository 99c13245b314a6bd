package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
	"github.com/kursadbilgin/esp-dispatch/internal/registry"
)

// ProviderAdmin is the operator surface of the provider registry.
type ProviderAdmin interface {
	ProviderStats() map[string]registry.ProviderStats
	Health() map[string]registry.HealthReport
	Suspend(ctx context.Context, id string, reason string) error
	Reactivate(ctx context.Context, id string) error
	StartWarming(ctx context.Context, id string) error
	FinishWarming(ctx context.Context, id string) error
	PauseWarming(ctx context.Context, id string, reason string) error
	ResumeWarming(ctx context.Context, id string) error
	SetReputation(ctx context.Context, id string, score float64) error
}

// EventRecorder applies deliverability events reported by providers.
type EventRecorder interface {
	ApplyEvent(ctx context.Context, providerID string, event domain.EventType) error
}

type ProviderHandler struct {
	admin  ProviderAdmin
	events EventRecorder
}

func NewProviderHandler(admin ProviderAdmin, events EventRecorder) (*ProviderHandler, error) {
	if admin == nil {
		return nil, fmt.Errorf("provider admin is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event recorder is required")
	}
	return &ProviderHandler{admin: admin, events: events}, nil
}

func RegisterProviderRoutes(router fiber.Router, admin ProviderAdmin, events EventRecorder) error {
	h, err := NewProviderHandler(admin, events)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/providers", h.ListProviders)
	v1.Get("/providers/health", h.ProviderHealth)
	v1.Get("/providers/:id", h.GetProvider)
	v1.Post("/providers/:id/suspend", h.Suspend)
	v1.Post("/providers/:id/reactivate", h.Reactivate)
	v1.Post("/providers/:id/warming/start", h.StartWarming)
	v1.Post("/providers/:id/warming/finish", h.FinishWarming)
	v1.Post("/providers/:id/warming/pause", h.PauseWarming)
	v1.Post("/providers/:id/warming/resume", h.ResumeWarming)
	v1.Put("/providers/:id/reputation", h.SetReputation)
	v1.Post("/providers/:id/events", h.RecordEvent)

	return nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type reputationRequest struct {
	Score *float64 `json:"score"`
}

type eventRequest struct {
	Event string `json:"event"`
}

type listProvidersResponse struct {
	Data []registry.ProviderStats `json:"data"`
}

func (h *ProviderHandler) ListProviders(c *fiber.Ctx) error {
	stats := h.admin.ProviderStats()

	data := make([]registry.ProviderStats, 0, len(stats))
	for _, st := range stats {
		data = append(data, st)
	}
	sort.Slice(data, func(i, j int) bool {
		if data[i].Priority != data[j].Priority {
			return data[i].Priority < data[j].Priority
		}
		return data[i].ProviderID < data[j].ProviderID
	})

	return c.Status(fiber.StatusOK).JSON(listProvidersResponse{Data: data})
}

func (h *ProviderHandler) GetProvider(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	st, ok := h.admin.ProviderStats()[id]
	if !ok {
		return toHTTPError(fmt.Errorf("%w: provider %s", domain.ErrNotFound, id))
	}
	return c.Status(fiber.StatusOK).JSON(st)
}

func (h *ProviderHandler) ProviderHealth(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.admin.Health())
}

func (h *ProviderHandler) Suspend(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "suspended by operator"
	}

	return h.transition(c, func(id string) error { return h.admin.Suspend(c.Context(), id, reason) })
}

func (h *ProviderHandler) Reactivate(c *fiber.Ctx) error {
	return h.transition(c, func(id string) error { return h.admin.Reactivate(c.Context(), id) })
}

func (h *ProviderHandler) StartWarming(c *fiber.Ctx) error {
	return h.transition(c, func(id string) error { return h.admin.StartWarming(c.Context(), id) })
}

func (h *ProviderHandler) FinishWarming(c *fiber.Ctx) error {
	return h.transition(c, func(id string) error { return h.admin.FinishWarming(c.Context(), id) })
}

func (h *ProviderHandler) PauseWarming(c *fiber.Ctx) error {
	var req reasonRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "paused by operator"
	}

	return h.transition(c, func(id string) error { return h.admin.PauseWarming(c.Context(), id, reason) })
}

func (h *ProviderHandler) ResumeWarming(c *fiber.Ctx) error {
	return h.transition(c, func(id string) error { return h.admin.ResumeWarming(c.Context(), id) })
}

func (h *ProviderHandler) SetReputation(c *fiber.Ctx) error {
	var req reputationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Score == nil {
		return toHTTPError(fmt.Errorf("%w: score is required", domain.ErrValidation))
	}

	return h.transition(c, func(id string) error { return h.admin.SetReputation(c.Context(), id, *req.Score) })
}

func (h *ProviderHandler) RecordEvent(c *fiber.Ctx) error {
	var req eventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	event := domain.EventType(strings.ToLower(strings.TrimSpace(req.Event)))

	return h.transition(c, func(id string) error { return h.events.ApplyEvent(c.Context(), id, event) })
}

// transition runs a state change and answers with the provider's fresh stats.
func (h *ProviderHandler) transition(c *fiber.Ctx, apply func(id string) error) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := apply(id); err != nil {
		return toHTTPError(err)
	}

	st, ok := h.admin.ProviderStats()[id]
	if !ok {
		return toHTTPError(fmt.Errorf("%w: provider %s", domain.ErrNotFound, id))
	}
	return c.Status(fiber.StatusOK).JSON(st)
}

func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}
