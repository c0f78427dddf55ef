// Package api exposes the retrieval HTTP surface: POST /retrieve for
// queries and GET /status for corpus health.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/chilleregeravi/agents/internal/config"
	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/internal/errors"
)

// Retriever answers retrieval queries.
type Retriever interface {
	Retrieve(ctx context.Context, q *corpus.Query) (*corpus.RetrievalResult, error)
}

// StatusSource reports corpus counters.
type StatusSource interface {
	Counts(ctx context.Context) (documents, canonical, chunks int, err error)
}

// EpochSource reports the current corpus epoch.
type EpochSource interface {
	Current() uint64
}

// CacheStatsSource is implemented by retrievers that track result cache
// effectiveness. The stats are optional in the status payload.
type CacheStatsSource interface {
	CacheStats() (hits, misses uint64)
}

// ErrorResponse is the JSON error envelope. Message never carries internal
// detail for 5xx responses; the detail goes to the log.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Documents          int     `json:"documents"`
	CanonicalDocuments int     `json:"canonical_documents"`
	Chunks             int     `json:"chunks"`
	Epoch              uint64  `json:"epoch"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	CacheHitRatio      float64 `json:"cache_hit_ratio"`
}

// Server is the retrieval API server.
type Server struct {
	cfg       config.ServerConfig
	retriever Retriever
	status    StatusSource
	epoch     EpochSource
	limiter   *rate.Limiter
	logger    *slog.Logger
	started   time.Time
}

// NewServer wires the API over a retriever and status source.
func NewServer(cfg config.ServerConfig, retriever Retriever, status StatusSource,
	epoch EpochSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Server{
		cfg:       cfg,
		retriever: retriever,
		status:    status,
		epoch:     epoch,
		limiter:   limiter,
		logger:    logger,
		started:   time.Now(),
	}
}

// Handler returns the routed handler, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieve", s.handleRetrieve)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// ListenAndServe blocks until ctx is cancelled, then drains in-flight
// requests within the configured grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", slog.String("addr", s.cfg.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "ERR_429_RATE_LIMITED", "rate limit exceeded")
		return
	}

	var req struct {
		TenantID string          `json:"tenant_id"`
		Text     string          `json:"query"`
		K        int             `json:"k"`
		Filters  json.RawMessage `json:"filters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.ErrCodeInvalidQuery, "malformed request body")
		return
	}

	q := corpus.Query{TenantID: req.TenantID, Text: req.Text, K: req.K}
	if len(req.Filters) > 0 {
		// Unknown filter keys are rejected, not silently dropped: a typo
		// like "tag" for "tags" would otherwise widen the result set.
		dec := json.NewDecoder(bytes.NewReader(req.Filters))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&q.Filters); err != nil {
			writeError(w, http.StatusBadRequest, errors.ErrCodeInvalidFilter, "unrecognized or malformed filters")
			return
		}
	}

	result, err := s.retriever.Retrieve(r.Context(), &q)
	if err != nil {
		s.writeRetrieveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeRetrieveError maps a retrieval failure to a status code. Validation
// problems echo their message; everything else gets a generic body so
// internal state never leaks to clients.
func (s *Server) writeRetrieveError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	switch {
	case errors.IsValidation(err):
		writeError(w, http.StatusBadRequest, code, err.Error())
	case code == errors.ErrCodeStoreUnavailable,
		code == errors.ErrCodeEmbedUnavailable,
		code == errors.ErrCodeTransportTimeout:
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, code, "index temporarily unavailable")
	default:
		s.logger.Error("retrieve_failed", slog.String("code", code), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "internal error")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	documents, canonical, chunks, err := s.status.Counts(r.Context())
	if err != nil {
		s.logger.Error("status_failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "internal error")
		return
	}
	resp := StatusResponse{
		Documents:          documents,
		CanonicalDocuments: canonical,
		Chunks:             chunks,
		Epoch:              s.epoch.Current(),
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
	}
	if cs, ok := s.retriever.(CacheStatsSource); ok {
		resp.CacheHits, resp.CacheMisses = cs.CacheStats()
		if total := resp.CacheHits + resp.CacheMisses; total > 0 {
			resp.CacheHitRatio = float64(resp.CacheHits) / float64(total)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	writeJSON(w, status, resp)
}
