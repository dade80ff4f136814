// Package httpapi exposes the job client over HTTP for local tools.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/dvm"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

// Jobs is the part of dvm.Client the API serves.
type Jobs interface {
	Dispatch(ctx context.Context, p dvm.JobParams) (*dvm.DispatchOutcome, error)
	Watch(ctx context.Context, id string, h dvm.Handlers) (*dvm.JobSubscription, error)
	CancelJob(ctx context.Context, id string) error
	MarkPaid(id string, sats int64) (bool, error)
	GetJob(id string) (ledger.Entry, bool)
	GetJobAudit(id string) []ledger.AuditRecord
	GetJobHistory() []ledger.Entry
	GetJobStatistics() ledger.Stats
}

// Relays lists relay connection state for health checks.
type Relays interface {
	Relays() []transport.RelayStatus
}

// Handler serves the job API.
type Handler struct {
	jobs   Jobs
	relays Relays
	level  http.Handler
	log    *zap.Logger
	// DispatchTimeout bounds POST /jobs.
	DispatchTimeout time.Duration
}

// NewHandler returns a handler. relays and level may be nil; level, when
// set, is mounted at /log/level (zap.AtomicLevel serves GET and PUT).
func NewHandler(jobs Jobs, relays Relays, level http.Handler, logger *zap.Logger) *Handler {
	return &Handler{jobs: jobs, relays: relays, level: level, log: observability.Named(logger, "httpapi"), DispatchTimeout: 15 * time.Second}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if h.level != nil {
		r.Handle("/log/level", h.level).Methods("GET", "PUT")
	}

	api := r.PathPrefix("/jobs").Subrouter()
	api.HandleFunc("", h.SubmitJob).Methods("POST")
	api.HandleFunc("", h.ListJobs).Methods("GET")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/{id}/cancel", h.CancelJob).Methods("POST")
	api.HandleFunc("/{id}/paid", h.MarkPaid).Methods("POST")
}

// Router returns a fresh router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Kind       int         `json:"kind,omitempty"`
	Inputs     []dvm.Input `json:"inputs"`
	Params     []dvm.Param `json:"params,omitempty"`
	OutputMime string      `json:"output_mime,omitempty"`
	BidMsats   int64       `json:"bid_msats,omitempty"`
	EncryptFor string      `json:"encrypt_for,omitempty"`
	ReplyTo    string      `json:"reply_to,omitempty"`
	Relays     []string    `json:"relays,omitempty"`
}

// SubmitResponse is returned by POST /jobs.
type SubmitResponse struct {
	ID        string   `json:"id"`
	Encrypted bool     `json:"encrypted"`
	Provider  string   `json:"provider,omitempty"`
	Accepted  []string `json:"accepted"`
	Warnings  []string `json:"warnings,omitempty"`
	// Finished is set when the request matched a job that already ended.
	Finished bool `json:"finished,omitempty"`
}

// SubmitJob handles POST /jobs. The job is watched in the background until
// it finishes.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Inputs) == 0 {
		h.respondError(w, http.StatusBadRequest, "At least one input is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.DispatchTimeout)
	defer cancel()
	out, err := h.jobs.Dispatch(ctx, dvm.JobParams{
		Kind:       req.Kind,
		Inputs:     req.Inputs,
		Params:     req.Params,
		OutputMime: req.OutputMime,
		BidMsats:   req.BidMsats,
		EncryptFor: req.EncryptFor,
		ReplyTo:    req.ReplyTo,
		Relays:     req.Relays,
	})
	if err != nil {
		h.respondError(w, statusOf(err), "Failed to dispatch job", err)
		return
	}

	id := out.RequestID
	if _, err := h.jobs.Watch(context.WithoutCancel(r.Context()), id, dvm.LogHandlers(h.log, id)); err != nil {
		h.log.Warn("watch job", zap.String("id", id), zap.Error(err))
	}

	resp := SubmitResponse{ID: id, Encrypted: out.Encrypted, Provider: out.Provider, Finished: out.Finished}
	if out.Report != nil {
		resp.Accepted = out.Report.Accepted
	}
	for _, wrn := range out.Warnings {
		resp.Warnings = append(resp.Warnings, wrn.Error())
	}
	h.respondJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /jobs. ?state= filters, ?limit= keeps the newest.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	entries := h.jobs.GetJobHistory()
	if s := r.URL.Query().Get("state"); s != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.State) == s {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  entries,
		"total": len(entries),
	})
}

// GetStats handles GET /jobs/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.GetJobStatistics())
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := h.jobs.GetJob(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":   e,
		"audit": h.jobs.GetJobAudit(id),
	})
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.CancelJob(r.Context(), id); err != nil {
		h.respondError(w, statusOf(err), "Failed to cancel job", err)
		return
	}
	e, _ := h.jobs.GetJob(id)
	h.respondJSON(w, http.StatusOK, e)
}

// PaidRequest is the body of POST /jobs/{id}/paid.
type PaidRequest struct {
	AmountSats int64 `json:"amount_sats"`
}

// MarkPaid handles POST /jobs/{id}/paid.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req PaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AmountSats <= 0 {
		h.respondError(w, http.StatusBadRequest, "amount_sats must be positive", nil)
		return
	}
	ok, err := h.jobs.MarkPaid(id, req.AmountSats)
	if err != nil {
		h.respondError(w, statusOf(err), "Failed to mark job paid", err)
		return
	}
	if !ok {
		h.respondError(w, http.StatusConflict, "Job cannot be marked paid in its current state", nil)
		return
	}
	e, _ := h.jobs.GetJob(id)
	h.respondJSON(w, http.StatusOK, e)
}

// Health handles GET /healthz. It reports 503 when no relay is connected.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var relays []transport.RelayStatus
	if h.relays != nil {
		relays = h.relays.Relays()
	}
	connected := 0
	for _, s := range relays {
		if s.State == transport.StateConnected.String() {
			connected++
		}
	}
	status := http.StatusOK
	if len(relays) > 0 && connected == 0 {
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, map[string]interface{}{
		"relays":    relays,
		"connected": connected,
	})
}

func statusOf(err error) int {
	var (
		verr *dvm.ValidationError
		derr *dvm.DispatchError
	)
	switch {
	case errors.Is(err, dvm.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, dvm.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &derr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug("write response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	h.respondJSON(w, status, response)
}
