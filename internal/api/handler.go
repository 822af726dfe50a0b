// Package api exposes the tenant-facing HTTP surface: webhook
// registration, delivery history, and event submission. Inbound provider
// callbacks are mounted by the router but verified in the gateway
// package.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cabibbz/koya-caller-sub002/internal/domain"
	"github.com/cabibbz/koya-caller-sub002/internal/repository"
	"github.com/cabibbz/koya-caller-sub002/internal/repository/postgres"
)

// TenantHeader carries the caller's tenant. Authentication happens at
// the edge proxy; by the time a request reaches this service the header
// is trusted.
const TenantHeader = "X-Tenant-ID"

const defaultDeliveryHistoryLimit = 50

// EventSink accepts a tenant event for asynchronous fan-out. Backed by
// the Kafka producer in the split deployment or by the in-process
// dispatcher when no brokers are configured.
type EventSink interface {
	Accept(ctx context.Context, tenantID string, eventType domain.EventType, payload json.RawMessage) error
}

type Handler struct {
	webhookRepo  repository.WebhookRepository
	deliveryRepo repository.DeliveryRepository
	sink         EventSink
	logger       *slog.Logger
}

func NewHandler(webhookRepo repository.WebhookRepository, deliveryRepo repository.DeliveryRepository, sink EventSink, logger *slog.Logger) *Handler {
	return &Handler{
		webhookRepo:  webhookRepo,
		deliveryRepo: deliveryRepo,
		sink:         sink,
		logger:       logger,
	}
}

type CreateWebhookRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret,omitempty"`
	Description string   `json:"description,omitempty"`
}

// WebhookResponse is the read form of a registration. The secret is
// returned only from Create; it cannot be retrieved afterwards.
type WebhookResponse struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	URL         string             `json:"url"`
	Events      []domain.EventType `json:"events"`
	Secret      string             `json:"secret,omitempty"`
	Active      bool               `json:"active"`
	Description string             `json:"description,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func webhookResponse(w *domain.Webhook, includeSecret bool) WebhookResponse {
	resp := WebhookResponse{
		ID:          w.ID,
		TenantID:    w.TenantID,
		URL:         w.URL,
		Events:      w.Events,
		Active:      w.Active,
		Description: w.Description,
		CreatedAt:   w.CreatedAt,
	}
	if includeSecret {
		resp.Secret = w.Secret
	}
	return resp
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL == "" || len(req.Events) == 0 {
		h.respondError(w, http.StatusBadRequest, "url and events are required")
		return
	}

	events, err := parseEvents(req.Events)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = domain.NewSecret()
	}

	hook := &domain.Webhook{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		URL:         req.URL,
		Events:      events,
		Secret:      secret,
		Active:      true,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}

	if err := h.webhookRepo.Create(r.Context(), hook); err != nil {
		h.logger.Error("failed to create webhook", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	h.respondJSON(w, http.StatusCreated, webhookResponse(hook, true))
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	hooks, err := h.webhookRepo.ListByTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list webhooks", "error", err, "tenant_id", tenantID)
		h.respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	resp := make([]WebhookResponse, 0, len(hooks))
	for _, hook := range hooks {
		resp = append(resp, webhookResponse(hook, false))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.tenantWebhook(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, webhookResponse(hook, false))
}

type UpdateWebhookRequest struct {
	URL         *string  `json:"url,omitempty"`
	Events      []string `json:"events,omitempty"`
	Active      *bool    `json:"active,omitempty"`
	Description *string  `json:"description,omitempty"`
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.tenantWebhook(w, r)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil {
		if *req.URL == "" {
			h.respondError(w, http.StatusBadRequest, "url cannot be empty")
			return
		}
		hook.URL = *req.URL
	}
	if req.Events != nil {
		events, err := parseEvents(req.Events)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		hook.Events = events
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}
	if req.Description != nil {
		hook.Description = *req.Description
	}

	if err := h.webhookRepo.Update(r.Context(), hook); err != nil {
		h.logger.Error("failed to update webhook", "error", err, "webhook_id", hook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	h.respondJSON(w, http.StatusOK, webhookResponse(hook, false))
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.tenantWebhook(w, r)
	if !ok {
		return
	}

	if err := h.webhookRepo.Delete(r.Context(), hook.ID); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.logger.Error("failed to delete webhook", "error", err, "webhook_id", hook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	hook, ok := h.tenantWebhook(w, r)
	if !ok {
		return
	}

	deliveries, err := h.deliveryRepo.ListByWebhook(r.Context(), hook.ID, defaultDeliveryHistoryLimit)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err, "webhook_id", hook.ID)
		h.respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	h.respondJSON(w, http.StatusOK, deliveries)
}

type SubmitEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitEventResponse struct {
	Status string `json:"status"`
}

// SubmitEvent accepts a tenant event and hands it to the sink.
// Fire-and-forget: 202 means accepted for fan-out, not delivered.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant id is required")
		return
	}

	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	eventType := domain.EventType(req.Type)
	if !eventType.Valid() {
		h.respondError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	if err := h.sink.Accept(r.Context(), tenantID, eventType, req.Payload); err != nil {
		h.logger.Error("failed to accept event", "error", err, "tenant_id", tenantID, "event_type", req.Type)
		h.respondError(w, http.StatusInternalServerError, "failed to accept event")
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitEventResponse{Status: "accepted"})
}

// tenantWebhook loads the webhook from the URL and enforces tenant
// ownership. A webhook belonging to another tenant reads as not found.
func (h *Handler) tenantWebhook(w http.ResponseWriter, r *http.Request) (*domain.Webhook, bool) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "tenant id is required")
		return nil, false
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "webhook id is required")
		return nil, false
	}

	hook, err := h.webhookRepo.GetByID(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) || errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get webhook", "error", err, "webhook_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return nil, false
	}

	if hook.TenantID != tenantID {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return nil, false
	}

	return hook, true
}

func parseEvents(raw []string) ([]domain.EventType, error) {
	events := make([]domain.EventType, 0, len(raw))
	for _, s := range raw {
		et := domain.EventType(s)
		if !et.Valid() {
			return nil, errors.New("unknown event type: " + s)
		}
		events = append(events, et)
	}
	return events, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	respondJSON(w, status, data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
