package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gocarina/gocsv"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// DefaultMaxUploadBytes caps a statement upload when none is configured.
const DefaultMaxUploadBytes = 20 << 20

// Queue routes async submissions to the bus tenant a worker listens on.
type Queue interface {
	Route(tenantID string) string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	intake    *intake.Service
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	queue     Queue
	engine    *rules.Engine
	metrics   *metrics.Metrics
	version   string
	maxUpload int64
}

// Dependencies are the components the API serves. Intake, Repo and Engine are required.
type Dependencies struct {
	Intake  *intake.Service
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Queue   Queue // nil disables POST /analyze/async
	Engine  *rules.Engine
	Metrics *metrics.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{
		intake:    deps.Intake,
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		queue:     deps.Queue,
		engine:    deps.Engine,
		metrics:   deps.Metrics,
		version:   version,
		maxUpload: maxUpload,
	}
}

// upload is a statement read from a request.
type upload struct {
	filename string
	data     []byte
}

// readUpload accepts a multipart "file" field or a raw PDF body.
// On failure it has already written the error response.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var up upload
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			h.uploadFailed(w, err, "multipart field \"file\" is required")
			return nil, false
		}
		defer file.Close()

		up.filename = header.Filename
		if up.data, err = io.ReadAll(file); err != nil {
			h.uploadFailed(w, err, "failed to read upload")
			return nil, false
		}
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			h.uploadFailed(w, err, "failed to read request body")
			return nil, false
		}
		up.data = data
		up.filename = r.URL.Query().Get("filename")
	}

	if len(up.data) == 0 {
		writeError(w, http.StatusBadRequest, "statement document is required")
		return nil, false
	}
	if up.filename == "" {
		up.filename = "statement.pdf"
	}
	return &up, true
}

func (h *Handler) uploadFailed(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("statement exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}

// Analyze handles POST /analyze requests.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	analysis, err := h.intake.Submit(ctx, intake.SubmitRequest{
		TenantID: tenantID,
		Filename: up.filename,
		Data:     up.data,
		TraceID:  GetTraceID(ctx),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDocumentUnreadable):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, intake.ErrEmptyDocument):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("statement analysis failed", "tenant_id", tenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "statement analysis failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, analysis.ToResponse())
}

// AnalyzeAsync handles POST /analyze/async by queueing the statement for a worker.
func (h *Handler) AnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil || h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async analysis is not enabled")
		return
	}

	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	event := bus.SubmittedEvent{
		TenantID: tenantID,
		Filename: up.filename,
		Document: up.data,
		TraceID:  GetTraceID(ctx),
	}
	if err := bus.PublishJSON(ctx, h.bus, h.queue.Route(tenantID), domain.TopicStatementSubmitted, event); err != nil {
		slog.Error("failed to queue statement", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue statement")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"digest":  intake.Digest(up.data),
		"status":  "queued",
		"traceId": event.TraceID,
	})
}

// ListAnalyses handles GET /analyses.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	analyses, err := h.repo.ListAnalyses(ctx, tenantID, limit)
	if err != nil {
		slog.Error("failed to list analyses", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	responses := make([]*domain.AnalysisResponse, len(analyses))
	for i, a := range analyses {
		responses[i] = a.ToResponse()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": responses,
		"count":    len(responses),
	})
}

// GetAnalysis handles GET /analyses/{id}.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.lookupAnalysis(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, analysis.ToResponse())
}

// transactionRow is one line of the CSV export.
type transactionRow struct {
	Bucket      string `csv:"bucket"`
	Date        string `csv:"date"`
	Description string `csv:"description"`
	Amount      string `csv:"amount"`
}

// ExportTransactions handles GET /analyses/{id}/transactions.csv.
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	analysis, ok := h.lookupAnalysis(w, r)
	if !ok {
		return
	}

	result := analysis.Result
	rows := make([]*transactionRow, 0, len(result.CreditTransactions)+len(result.DebitTransactions))
	appendRows := func(bucket string, txs []domain.Transaction) {
		for _, tx := range txs {
			rows = append(rows, &transactionRow{
				Bucket:      bucket,
				Date:        tx.Date.Format("2006-01-02"),
				Description: tx.Description,
				Amount:      tx.Amount.StringFixed(2),
			})
		}
	}
	appendRows("credit", result.CreditTransactions)
	appendRows("debit", result.DebitTransactions)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-transactions.csv"`, analysis.ID))
	if err := gocsv.Marshal(rows, w); err != nil {
		slog.Error("failed to write transactions csv", "analysis_id", analysis.ID, "error", err)
	}
}

func (h *Handler) lookupAnalysis(w http.ResponseWriter, r *http.Request) (*domain.Analysis, bool) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	if id == "" {
		writeError(w, http.StatusBadRequest, "analysis id is required")
		return nil, false
	}

	analysis, err := h.repo.GetAnalysis(ctx, tenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get analysis", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return nil, false
	}
	return analysis, true
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
		"rules":      h.engine.RulesCount(),
	})
}

// Ready reports whether the repository can take traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns all loaded check rules from the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a check rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Indicator   string `json:"indicator"`
	Penalty     int    `json:"penalty"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a check rule, saves it globally and loads it when enabled.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	rule := &domain.CheckRule{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Indicator:   req.Indicator,
		Penalty:     req.Penalty,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if err := h.repo.SaveCheckRule(ctx, domain.GlobalTenantID, rule); err != nil {
		slog.Error("failed to save check rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	if rule.Enabled {
		if err := h.engine.LoadRule(rule); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load rule: "+err.Error())
			return
		}
	} else {
		h.engine.UnloadRule(rule.ID)
	}

	slog.Info("check rule saved", "id", rule.ID, "name", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved.",
	})
}

// DeleteRule disables a rule in the database and unloads it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	err := h.repo.DeleteCheckRule(ctx, domain.GlobalTenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete check rule", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	h.engine.UnloadRule(ruleID)

	slog.Info("check rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
		"id":      ruleID,
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListCheckRules(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
