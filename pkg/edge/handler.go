// Package edge accepts inbound events, runs the cheap non-financial
// gates, and hands events to the queue broker. The billing gate itself
// runs in the worker: a publish failure here can be recovered from the
// fallback buffer precisely because no billing decision has been
// committed yet.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/broker"
	"github.com/platinummonkey/tollgate/pkg/event"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/quota"
)

const maxBodyBytes = 256 * 1024

// Handler serves the ingest and usage endpoints.
type Handler struct {
	validator SiteValidator
	limiter   *RateLimiter
	publisher broker.Publisher
	fallback  *broker.FallbackStore
	engine    *quota.Engine
	plans     quota.PlanProvider
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewHandler creates the edge handler.
func NewHandler(validator SiteValidator, limiter *RateLimiter, publisher broker.Publisher, fallback *broker.FallbackStore, engine *quota.Engine, plans quota.PlanProvider, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		validator: validator,
		limiter:   limiter,
		publisher: publisher,
		fallback:  fallback,
		engine:    engine,
		plans:     plans,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Routes registers the edge endpoints on the router.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/v1/events", h.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant_id}/usage", h.handleUsage).Methods(http.MethodGet)
}

// IngestResponse is the synchronous answer to an ingest request.
type IngestResponse struct {
	Status    event.Code `json:"status"`
	MessageID string     `json:"message_id,omitempty"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now().UTC()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		httputil.WriteValidationError(w, "failed to read request body")
		return
	}
	if len(raw) > maxBodyBytes {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var e event.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		httputil.WriteValidationError(w, "malformed event payload")
		return
	}
	if err := e.Validate(); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	ctx := r.Context()
	log := h.logger.WithField("tenant_id", e.TenantID)
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		log = log.WithField("request_id", requestID)
	}

	if err := h.validator.Validate(ctx, e.TenantID, r.Header.Get("Origin")); err != nil {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "unknown tenant or origin")
		return
	}

	// Consent is a cheap edge gate. An event without an explicit grant
	// is dropped before any ledger or broker interaction.
	if !e.Metadata.ConsentGranted() {
		httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
		return
	}

	allowed, err := h.limiter.Allow(ctx, e.TenantID)
	if err != nil {
		// Fail open: the limiter is best-effort and non-financial.
		log.WithError(err).Warn("rate limiter unavailable, failing open")
	}
	if !allowed {
		h.metrics.RateLimitedTotal.Inc()
		h.writeRateLimited(ctx, w, e.TenantID)
		return
	}

	env := broker.Envelope{
		MessageID:  uuid.NewString(),
		TenantID:   e.TenantID,
		ReceivedAt: receivedAt,
		Payload:    raw,
	}

	if err := h.publisher.Publish(ctx, env); err != nil {
		h.metrics.PublishFailuresTotal.Inc()
		log.WithError(err).Warn("broker publish failed, writing fallback record")

		if fbErr := h.fallback.Write(ctx, e.TenantID, receivedAt, raw); fbErr != nil {
			// Both the broker and the buffer are down. Surface a retryable
			// failure; the ledger was never touched for this occurrence.
			log.WithError(fbErr).Error("fallback write failed, event not accepted")
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "ingestion temporarily unavailable")
			return
		}

		h.metrics.FallbackWritesTotal.Inc()
		httputil.WriteJSON(w, http.StatusAccepted, IngestResponse{Status: event.CodeDegraded})
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, IngestResponse{
		Status:    event.CodeAccepted,
		MessageID: env.MessageID,
	})
}

// UsageResponse reports a tenant's usage for a billing period.
type UsageResponse struct {
	TenantID  string `json:"tenant_id"`
	Period    string `json:"period"`
	Usage     int64  `json:"usage"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Source    string `json:"source"`
	Degraded  bool   `json:"degraded"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	ctx := r.Context()

	period := billing.PeriodOf(h.now())
	if p := r.URL.Query().Get("period"); p != "" {
		parsed, err := billing.ParsePeriod(p)
		if err != nil {
			httputil.WriteValidationError(w, "invalid period, expected YYYY-MM")
			return
		}
		period = parsed
	}

	usage, err := h.engine.Usage(ctx, tenantID, period)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("usage lookup failed")
		httputil.WriteInternalError(w, fmt.Errorf("usage unavailable"))
		return
	}
	h.metrics.UsageSourceTotal.WithLabelValues(string(usage.Source)).Inc()

	plan, err := h.plans.Get(ctx, tenantID)
	if err != nil {
		plan = quota.DefaultPlan(tenantID)
	}

	remaining := plan.MonthlyLimit - usage.Count
	if remaining < 0 {
		remaining = 0
	}

	httputil.WriteSuccess(w, UsageResponse{
		TenantID:  tenantID,
		Period:    period.String(),
		Usage:     usage.Count,
		Limit:     plan.MonthlyLimit,
		Remaining: remaining,
		Source:    string(usage.Source),
		Degraded:  usage.Degraded(),
	})
}

// writeRateLimited answers 429 with Retry-After. Deliberately distinct
// from quota rejects: this clears when the window rolls, not when the
// billing period does.
func (h *Handler) writeRateLimited(ctx context.Context, w http.ResponseWriter, tenantID string) {
	retryAfter := h.limiter.config.WindowDuration.Seconds()
	if ttl, err := h.limiter.TTL(ctx, tenantID); err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}

	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", h.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", "0")
	httputil.WriteJSON(w, http.StatusTooManyRequests, IngestResponse{Status: event.CodeRateLimited})
}
