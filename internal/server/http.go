// Package server exposes the ledger over HTTP: command submission routed
// through the deterministic core, and reads served from the projections.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/ingestion"
	"PolicyLedger/internal/observability"
	"PolicyLedger/internal/query"
)

// LockManager fences settlement submissions across API replicas. The redis
// implementation satisfies it; a nil manager disables fencing.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// QuoteDefaults are the pricing parameters applied when a quote request
// omits them.
type QuoteDefaults struct {
	DaysToExpiry int
	Volatility   float64
	RiskFreeRate float64
}

// Deps carries everything the HTTP server needs.
type Deps struct {
	Query      *query.QueryService
	Submitter  *ingestion.Submitter
	Locks      LockManager
	Metrics    *observability.Metrics
	Health     *observability.HealthChecker
	Quote      QuoteDefaults
	OracleFeed string    // Default feed when a quote omits the spot price
	Authority  uuid.UUID // Program authority; gates deposit confirmations
}

// Server is the HTTP API front end.
type Server struct {
	addr string
	deps *Deps
	log  zerolog.Logger
}

func NewServer(addr string, deps *Deps) *Server {
	return &Server{
		addr: addr,
		deps: deps,
		log:  observability.NewLogger("http"),
	}
}

// Run starts the listener and shuts it down when the context ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	// Commands
	s.handle(mux, "POST /api/v1/policies", "create_policy", s.handleCreatePolicy)
	s.handle(mux, "POST /api/v1/policies/{authority}/{nonce}/activate", "activate_policy", s.handleActivatePolicy)
	s.handle(mux, "POST /api/v1/policies/{authority}/{nonce}/close", "close_policy", s.handleClosePolicy)
	s.handle(mux, "POST /api/v1/protections", "initialize_protection", s.handleInitializeProtection)
	s.handle(mux, "POST /api/v1/protections/{owner}/liquidate", "liquidate_protection", s.handleLiquidateProtection)
	s.handle(mux, "POST /api/v1/deposits", "deposit_funds", s.handleDepositFunds)

	// Reads
	s.handle(mux, "GET /api/v1/policies/{authority}/{nonce}", "get_policy", s.handleGetPolicy)
	s.handle(mux, "GET /api/v1/policies", "list_policies", s.handleListPolicies)
	s.handle(mux, "GET /api/v1/protections/{owner}", "get_protection", s.handleGetProtection)
	s.handle(mux, "GET /api/v1/protections", "list_protections", s.handleListProtections)
	s.handle(mux, "GET /api/v1/balances/{address}", "get_balances", s.handleGetBalances)
	s.handle(mux, "GET /api/v1/settlements", "list_settlements", s.handleListSettlements)
	s.handle(mux, "GET /api/v1/prices/{feed...}", "get_price", s.handleGetPrice)
	s.handle(mux, "GET /api/v1/journal/{address}", "journal_history", s.handleJournalHistory)
	s.handle(mux, "GET /api/v1/integrity", "verify_integrity", s.handleVerifyIntegrity)

	// Quoting
	s.handle(mux, "POST /api/v1/quote", "quote", s.handleQuote)

	// Probes bypass the instrumented path
	if s.deps.Health != nil {
		mux.HandleFunc("GET /healthz", s.deps.Health.LivenessHandler)
		mux.HandleFunc("GET /readyz", s.deps.Health.ReadinessHandler)
	}

	return s.loggingMiddleware(s.recoveryMiddleware(corsMiddleware(mux)))
}

// handle registers an instrumented route: request count, latency, and status
// per endpoint.
func (s *Server) handle(mux *http.ServeMux, pattern, endpoint string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r)

		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	})
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Policy-Caller")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Response helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps a core rejection to an HTTP status via its stable
// code, and counts it against the endpoint.
func (s *Server) writeDomainError(w http.ResponseWriter, endpoint string, err error) {
	code := domain.Code(err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	writeError(w, statusForCode(code), code, err.Error())
}

// writeBadRequest covers request-shape problems (malformed JSON, bad path or
// query values) that never reach the core.
func (s *Server) writeBadRequest(w http.ResponseWriter, endpoint, message string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, "BAD_REQUEST").Inc()
	}
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func (s *Server) writeUnauthorized(w http.ResponseWriter, endpoint, message string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, "UNAUTHORIZED").Inc()
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// statusForCode translates the domain error vocabulary into HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case "INVALID_AMOUNT", "ASSET_MISMATCH", "INVALID_CUSTODY_ACCOUNT":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "NOT_FOUND":
		return http.StatusNotFound
	case "ALREADY_EXISTS", "ALREADY_ACTIVE", "ALREADY_CLAIMED", "LOCK_HELD":
		return http.StatusConflict
	case "INSUFFICIENT_BALANCE", "PRICE_STALE", "FEED_MISMATCH", "MATH_OVERFLOW", "CONDITION_NOT_MET":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
