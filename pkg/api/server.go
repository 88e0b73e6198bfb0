package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/screening"
)

const maxBodyBytes = 1 << 20

// Dispatcher handles interactive and bulk screening requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req screening.Request) (*screening.Outcome, error)
	EnqueueBulk(ctx context.Context, items []screening.Request) ([]screening.BulkItemOutcome, error)
}

// Refresher reloads the watchlist snapshot and runs the delta sweep.
type Refresher interface {
	Run(ctx context.Context, includePEPs bool) (*screening.RefreshRun, error)
}

// Server is the HTTP boundary over the dispatcher, store and refresher.
type Server struct {
	dispatcher Dispatcher
	store      *screening.Store
	refresher  Refresher
	logger     *slog.Logger
}

// NewServer builds the boundary. refresher may be nil, in which case the
// refresh endpoint returns 503. logger may be nil.
func NewServer(dispatcher Dispatcher, store *screening.Store, refresher Refresher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		refresher:  refresher,
		logger:     logger,
	}
}

// Handler wires the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /screen", s.handleScreen)
	mux.HandleFunc("GET /screening/jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /screened", s.handleSearchScreened)
	mux.HandleFunc("POST /screened/{entity_key}/false-positive", s.handleFalsePositive)
	mux.HandleFunc("POST /internal/screening/jobs/bulk", s.handleBulk)
	mux.HandleFunc("POST /watchlist/refresh", s.handleRefresh)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req screening.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_body", "request body must be a JSON object")
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	if outcome.Status == screening.OutcomeQueued && outcome.JobID != nil {
		w.Header().Set("Location", "/screening/jobs/"+outcome.JobID.String())
		WriteJSON(w, http.StatusAccepted, outcome)
		return
	}
	WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		WriteBadRequest(w, "invalid_job_id", "job_id must be a UUID")
		return
	}

	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, screening.ErrJobNotFound) {
		WriteNotFound(w, "no such screening job")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", jobID, "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleSearchScreened(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := screening.SearchParams{
		Name:              q.Get("name"),
		EntityKey:         q.Get("entity_key"),
		BusinessReference: q.Get("business_reference"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteBadRequest(w, "invalid_limit", "limit must be an integer")
			return
		}
		params.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		params.Offset = n
	}

	rows, err := s.store.SearchScreened(r.Context(), params)
	if err != nil {
		s.logger.Error("search screened failed", "error", err)
		WriteInternal(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"count": len(rows),
	})
}

type falsePositiveRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	entityKey := r.PathValue("entity_key")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req falsePositiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_body", "request body must be a JSON object")
		return
	}
	if req.Actor == "" {
		WriteBadRequest(w, "missing_actor", "actor is required")
		return
	}

	ukHash, _, err := s.store.CurrentUKState(r.Context())
	if err != nil {
		s.logger.Error("current uk state lookup failed", "error", err)
		WriteInternal(w)
		return
	}

	result, err := s.store.MarkFalsePositive(r.Context(), entityKey, req.Actor, req.Reason, ukHash)
	if errors.Is(err, screening.ErrEntityNotFound) {
		WriteNotFound(w, "no screened entity with that key")
		return
	}
	if err != nil {
		s.logger.Error("false positive override failed", "entity_key", entityKey, "error", err)
		WriteInternal(w)
		return
	}

	s.logger.Info("false positive recorded", "entity_key", entityKey, "actor", req.Actor)
	WriteJSON(w, http.StatusOK, map[string]any{
		"entity_key": entityKey,
		"result":     result,
	})
}

type bulkRequest struct {
	Items []screening.Request `json:"items"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8*maxBodyBytes)
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_body", "request body must be a JSON object")
		return
	}

	outcomes, err := s.dispatcher.EnqueueBulk(r.Context(), req.Items)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"items": outcomes,
		"count": len(outcomes),
	})
}

// refreshRequest defaults to refreshing both feeds; callers opt out of the
// PEP feed explicitly.
type refreshRequest struct {
	IncludePEPs bool `json:"include_peps"`
}

// refreshResponse flattens the run row for API consumers.
type refreshResponse struct {
	RunID         uuid.UUID               `json:"run_id"`
	IncludePEPs   bool                    `json:"include_peps"`
	SanctionsRows int                     `json:"sanctions_rows"`
	PEPsRows      int                     `json:"peps_rows"`
	UKRowCount    int                     `json:"uk_row_count"`
	UKHash        string                  `json:"uk_hash"`
	UKChanged     bool                    `json:"uk_changed"`
	DeltaAdded    int                     `json:"delta_added"`
	DeltaRemoved  int                     `json:"delta_removed"`
	DeltaChanged  int                     `json:"delta_changed"`
	Sweep         screening.SweepCounters `json:"sweep"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		WriteError(w, http.StatusServiceUnavailable, "refresh_unavailable", "refresh is not enabled on this instance")
		return
	}

	req := refreshRequest{IncludePEPs: true}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteBadRequest(w, "invalid_body", "could not read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			WriteBadRequest(w, "invalid_body", "request body must be a JSON object")
			return
		}
	}

	run, err := s.refresher.Run(r.Context(), req.IncludePEPs)
	if err != nil {
		s.logger.Error("watchlist refresh failed", "error", err)
		WriteError(w, http.StatusBadGateway, "refresh_failed", "watchlist refresh failed")
		return
	}

	WriteJSON(w, http.StatusOK, refreshResponse{
		RunID:         run.ID,
		IncludePEPs:   run.IncludePEPs,
		SanctionsRows: run.SanctionsRows,
		PEPsRows:      run.PEPsRows,
		UKRowCount:    run.UKRowCount,
		UKHash:        run.UKHash,
		UKChanged:     run.UKChanged,
		DeltaAdded:    run.DeltaAdded,
		DeltaRemoved:  run.DeltaRemoved,
		DeltaChanged:  run.DeltaChanged,
		Sweep:         run.Sweep,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "database_unreachable", "database ping failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var verr *screening.ValidationError
	if errors.As(err, &verr) {
		WriteBadRequest(w, verr.Code, verr.Message)
		return
	}
	s.logger.Error("screening dispatch failed", "error", err)
	WriteInternal(w)
}
