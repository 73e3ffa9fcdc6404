package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	gochi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/costkeeper/internal/domain"
	"github.com/kailas-cloud/costkeeper/internal/domain/label"
	domtenant "github.com/kailas-cloud/costkeeper/internal/domain/tenant"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage"
	"github.com/kailas-cloud/costkeeper/internal/domain/usage/budget"
	logpkg "github.com/kailas-cloud/costkeeper/internal/logger"
	healthuc "github.com/kailas-cloud/costkeeper/internal/usecase/health"
	meteringuc "github.com/kailas-cloud/costkeeper/internal/usecase/metering"
	pricinguc "github.com/kailas-cloud/costkeeper/internal/usecase/pricing"
	selectionuc "github.com/kailas-cloud/costkeeper/internal/usecase/selection"
	tenantuc "github.com/kailas-cloud/costkeeper/internal/usecase/tenant"
	usageuc "github.com/kailas-cloud/costkeeper/internal/usecase/usage"
)

const (
	maxBatchSize = 100
	// Submitted timestamps may run ahead of the server clock by this much.
	maxClockSkew = 5 * time.Minute
)

// Label quota states reported to clients.
const (
	statusOK        = "OK"
	statusTight     = "TIGHT"
	statusExhausted = "EXHAUSTED"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the cost submission, model selection and aggregate routes.
type Server struct {
	tenants       *tenantuc.Resolver
	writer        *meteringuc.Writer
	selector      *selectionuc.Selector
	pricing       *pricinguc.Resolver
	usage         *usageuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	now           func() time.Time
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	tenants *tenantuc.Resolver,
	writer *meteringuc.Writer,
	selector *selectionuc.Selector,
	pricing *pricinguc.Resolver,
	usage *usageuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tenants:  tenants,
		writer:   writer,
		selector: selector,
		pricing:  pricing,
		usage:    usage,
		health:   health,
		logger:   logger,
		now:      time.Now,
	}
	s.errorHandlers = []errorHandler{
		quotaExhaustedHandler,
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, codeValidationFailed),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, codeNotFound),
		sentinelHandler(domain.ErrUnknownLabel, http.StatusUnprocessableEntity, codeUnknownLabel),
		sentinelHandler(domain.ErrInvalidConfig, http.StatusUnprocessableEntity, codeInvalidConfig),
		sentinelHandler(domain.ErrStorageTransient, http.StatusServiceUnavailable, codeUnavailable),
	}
	return s
}

// WithClock overrides the clock used to validate submitted timestamps.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Register mounts every route on r.
func (s *Server) Register(r gochi.Router) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
	})

	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/orgs/{org}", func(r gochi.Router) {
		r.Get("/aggregates/today", s.AggregatesToday)
		r.Route("/apps/{app}", func(r gochi.Router) {
			r.Post("/costs", s.SubmitCost)
			r.Post("/costs/batch", s.SubmitCostBatch)
			r.Get("/model-selection", s.ModelSelection)
			r.Get("/aggregates/today", s.AggregatesToday)
		})
	})
}

// SubmitCost handles POST /api/v1/orgs/{org}/apps/{app}/costs.
func (s *Server) SubmitCost(w http.ResponseWriter, r *http.Request) {
	eff, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var req costRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ev, priced, err := s.eventFromRequest(r.Context(), eff, &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	ack, err := s.writer.RecordUsage(r.Context(), eff, ev)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, costResponse{
		RequestID:  req.RequestID,
		Status:     string(ack.Status),
		Shard:      ack.Shard,
		CostMicros: ev.CostMicros,
		Priced:     priced,
		Timestamp:  ev.At.UTC(),
	})
}

// SubmitCostBatch handles POST /api/v1/orgs/{org}/apps/{app}/costs/batch.
// Items fail independently; the response is always 207.
func (s *Server) SubmitCostBatch(w http.ResponseWriter, r *http.Request) {
	eff, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var req batchCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > maxBatchSize {
		writeError(w, http.StatusBadRequest, codeValidationFailed,
			fmt.Sprintf("requests count must be between 1 and %d", maxBatchSize))
		return
	}

	results := make([]batchCostResult, len(req.Requests))
	events := make([]usage.Event, 0, len(req.Requests))
	positions := make([]int, 0, len(req.Requests))
	for i := range req.Requests {
		item := &req.Requests[i]
		results[i].RequestID = item.RequestID
		ev, _, err := s.eventFromRequest(r.Context(), eff, item)
		if err != nil {
			results[i].Status = "failed"
			results[i].Error = safeDomainMessage(err)
			continue
		}
		results[i].CostMicros = ev.CostMicros
		events = append(events, ev)
		positions = append(positions, i)
	}

	for j, res := range s.writer.RecordBatch(r.Context(), eff, events) {
		i := positions[j]
		if res.Err != nil {
			results[i].Status = "failed"
			results[i].Error = safeDomainMessage(res.Err)
			continue
		}
		shard := res.Ack.Shard
		results[i].Status = string(res.Ack.Status)
		results[i].Shard = &shard
	}

	resp := batchCostResponse{Results: results, Timestamp: s.now().UTC()}
	for _, res := range results {
		if res.Status == "failed" || res.Status == string(usage.OutcomeDropped) {
			resp.Failed++
		} else {
			resp.Accepted++
		}
	}
	writeJSON(w, http.StatusMultiStatus, resp)
}

// ModelSelection handles GET /api/v1/orgs/{org}/apps/{app}/model-selection.
func (s *Server) ModelSelection(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force_check"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "force_check must be a boolean")
			return
		}
		force = b
	}
	region := r.URL.Query().Get("region")

	eff, ok := s.resolve(w, r)
	if !ok {
		return
	}

	rec, err := s.selector.SelectModel(r.Context(), eff, "", force)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	rate := rec.Rate
	if region != "" && region != eff.Region && rec.Label != "" {
		rate, err = s.pricing.Rate(r.Context(), rec.Label, region)
		if err != nil {
			s.handleDomainError(w, r, err)
			return
		}
	}

	resp := modelSelectionResponse{
		OrgID: eff.OrgID,
		AppID: gochi.URLParam(r, "app"),
		Scope: eff.Scope.Key(),
		Day:   string(rec.Day),
		Recommended: recommendedModel{
			Label:   string(rec.Label),
			ModelID: rate.Model,
			Index:   rec.Index,
			Reason:  string(rec.Reason),
		},
		StickyActive:      rec.Sticky,
		TightThresholdPct: float64(eff.TightThresholdBP) / 100,
		ModelsStatus:      statusesToDTO(rec.Statuses, eff.TightThresholdBP),
		Guidance: clientGuidance{
			Mode:          string(rec.Mode),
			NextCheckSecs: int(rec.NextCheck / time.Second),
			Stale:         rec.Stale,
		},
		ResetsAt:     rec.ResetsAt.UTC(),
		CheckedAt:    rec.DecidedAt.UTC(),
		OrgLocalTime: rec.DecidedAt.In(eff.Location).Format(time.RFC3339),
	}
	if rec.Label != "" {
		resp.Pricing = &pricingInfo{
			InputPerMillion:  rate.InputPerMillion,
			OutputPerMillion: rate.OutputPerMillion,
			Version:          rate.Version,
			Source:           string(rate.Provenance),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// AggregatesToday handles GET /api/v1/orgs/{org}[/apps/{app}]/aggregates/today.
func (s *Server) AggregatesToday(w http.ResponseWriter, r *http.Request) {
	eff, ok := s.resolve(w, r)
	if !ok {
		return
	}

	report, err := s.usage.Today(r.Context(), eff, "")
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	quotaScope := domtenant.QuotaScopeOrg
	if eff.Scope.IsApp() {
		quotaScope = domtenant.QuotaScopeApp
	}
	totals := report.Totals()
	resp := aggregatesResponse{
		OrgID:              eff.OrgID,
		AppID:              eff.AppID,
		Scope:              eff.Scope.Key(),
		Date:               report.Day().Start(eff.Location).Format(time.DateOnly),
		Timezone:           eff.Location.String(),
		QuotaScope:         string(quotaScope),
		Models:             statusesToDTO(report.Labels(), eff.TightThresholdBP),
		TotalCostMicros:    totals.CostMicros,
		InputTokens:        totals.InputUnits,
		OutputTokens:       totals.OutputUnits,
		Requests:           totals.Requests,
		StickyActive:       report.StickyLabel() != "",
		CurrentActiveModel: string(report.StickyLabel()),
		DayStart:           time.UnixMilli(report.DayStart()).UTC(),
		DayEnd:             time.UnixMilli(report.DayEnd()).UTC(),
	}
	for _, b := range report.Labels() {
		resp.TotalQuotaMicros += b.Limit()
	}
	resp.TotalQuotaPct = float64(budget.RatioBP(resp.TotalCostMicros, resp.TotalQuotaMicros)) / 100
	if !totals.UpdatedAt.IsZero() {
		updated := totals.UpdatedAt.UTC()
		resp.UpdatedAt = &updated
	}

	writeJSON(w, http.StatusOK, resp)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:  string(report.Status),
		Checks:  checks,
		Details: report.Details,
	}
	if !report.LastAggregation.IsZero() {
		last := report.LastAggregation.UTC()
		resp.LastAggregation = &last
	}
	writeJSON(w, httpStatus, resp)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (domtenant.Effective, bool) {
	eff, err := s.tenants.Resolve(r.Context(), gochi.URLParam(r, "org"), gochi.URLParam(r, "app"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return domtenant.Effective{}, false
	}
	return eff, true
}

// eventFromRequest converts a submission into a usage event. A missing cost is
// priced from the label's current rate; priced reports that case.
func (s *Server) eventFromRequest(
	ctx context.Context, eff domtenant.Effective, req *costRequest,
) (ev usage.Event, priced bool, err error) {
	ev = usage.Event{
		Label:          label.Label(req.ModelLabel),
		InputUnits:     req.InputTokens,
		OutputUnits:    req.OutputTokens,
		IdempotencyKey: req.RequestID,
		At:             s.now(),
	}
	if req.Timestamp != nil {
		if req.Timestamp.After(ev.At.Add(maxClockSkew)) {
			return usage.Event{}, false, fmt.Errorf("%w: timestamp is in the future", domain.ErrInvalidRequest)
		}
		ev.At = *req.Timestamp
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return usage.Event{}, false, fmt.Errorf("%w: token counts must not be negative", domain.ErrInvalidRequest)
	}

	if req.CostMicros != nil {
		ev.CostMicros = *req.CostMicros
		return ev, false, nil
	}
	region := req.Region
	if region == "" {
		region = eff.Region
	}
	cost, _, err := s.pricing.Cost(ctx, ev.Label, region, req.InputTokens, req.OutputTokens)
	if err != nil {
		return usage.Event{}, false, fmt.Errorf("price %s: %w", ev.Label, err)
	}
	ev.CostMicros = cost
	return ev, true, nil
}

func statusesToDTO(budgets []budget.Budget, tightBP int64) []modelStatus {
	out := make([]modelStatus, len(budgets))
	for i, b := range budgets {
		status := statusOK
		switch {
		case b.IsExhausted():
			status = statusExhausted
		case budget.AtOrAbove(b.Consumed(), b.Limit(), tightBP):
			status = statusTight
		}
		out[i] = modelStatus{
			Label:           b.Label(),
			SpendMicros:     b.Consumed(),
			QuotaMicros:     b.Limit(),
			RemainingMicros: b.Remaining(),
			QuotaPct:        b.Percent(),
			Status:          status,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns the error text for caller mistakes and a generic
// message for everything else.
func safeDomainMessage(err error) string {
	for _, s := range []error{
		domain.ErrInvalidRequest,
		domain.ErrNotFound,
		domain.ErrUnknownLabel,
		domain.ErrInvalidConfig,
		domain.ErrQuotaExhausted,
	} {
		if errors.Is(err, s) {
			return err.Error()
		}
	}
	if errors.Is(err, domain.ErrStorageTransient) {
		return domain.ErrStorageTransient.Error()
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// quotaExhaustedHandler answers 429 with the local reset time and Retry-After.
func quotaExhaustedHandler(w http.ResponseWriter, err error, msg string) bool {
	if !errors.Is(err, domain.ErrQuotaExhausted) {
		return false
	}
	resp := errorResponse{Code: codeQuotaExhausted, Message: msg}
	var qe *domain.QuotaExhaustedError
	if errors.As(err, &qe) {
		resetsAt := qe.ResetsAt.UTC()
		resp.ResetsAt = &resetsAt
		if wait := time.Until(resetsAt); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	logger := s.logger
	if l, ok := logpkg.Lookup(r.Context()); ok {
		logger = l
	}
	logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
