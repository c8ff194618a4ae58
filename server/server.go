// Package server implements the bountyd HTTP boundary: JSON
// translation, authentication, pagination, and the SSE event stream.
// It contains no business logic; every mutation is one call into the
// identity directory or the lifecycle engine, and every failure maps
// onto the engine's error taxonomy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openbounty/bountyd/bounty"
	"github.com/openbounty/bountyd/config"
	"github.com/openbounty/bountyd/events"
	"github.com/openbounty/bountyd/fault"
	"github.com/openbounty/bountyd/identity"
)

// Server is the bountyd HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	dir    *identity.Directory
	engine *bounty.Engine
	reads  bounty.Stores
	bus    *events.Bus

	// login challenges, one-shot per address
	challMu    sync.Mutex
	challenges map[common.Address]loginChallenge

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger,
		challenges: make(map[common.Address]loginChallenge),
		startTime:  time.Now(),
		version:    ver,
	}
}

// SetDirectory attaches the identity directory.
func (s *Server) SetDirectory(d *identity.Directory) { s.dir = d }

// SetEngine attaches the bounty lifecycle engine.
func (s *Server) SetEngine(e *bounty.Engine) { s.engine = e }

// SetStores attaches read-only store access for the query API.
func (s *Server) SetStores(st bounty.Stores) { s.reads = st }

// SetEvents attaches the lifecycle event bus for the SSE stream.
func (s *Server) SetEvents(b *events.Bus) { s.bus = b }

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9190"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(s.mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/challenge", s.handleChallenge)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/arbiter", s.handleArbiterLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	// Public reads
	s.mux.HandleFunc("GET /api/bounties", s.listBounties)
	s.mux.HandleFunc("GET /api/bounties/{id}", s.getBounty)
	s.mux.HandleFunc("GET /api/bounties/{id}/escrow", s.getEscrow)
	s.mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	s.mux.HandleFunc("GET /api/agents/{id}/metadata/{key}", s.getAgentMetadata)
	s.mux.HandleFunc("GET /api/balances", s.getBalance)

	// SSE auth is handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Authenticated API
	auth := http.NewServeMux()
	auth.HandleFunc("POST /api/agents", s.registerAgent)
	auth.HandleFunc("POST /api/agents/{id}/metadata", s.setAgentMetadata)
	auth.HandleFunc("POST /api/agents/{id}/wallet", s.setAgentWallet)
	auth.HandleFunc("POST /api/agents/{id}/transfer", s.transferAgent)
	auth.HandleFunc("POST /api/agents/{id}/deactivate", s.deactivateAgent)

	auth.HandleFunc("POST /api/bounties", s.createBounty)
	auth.HandleFunc("POST /api/bounties/{id}/claim", s.claimBounty)
	auth.HandleFunc("POST /api/bounties/{id}/submit", s.submitBounty)
	auth.HandleFunc("POST /api/bounties/{id}/approve", s.approveBounty)
	auth.HandleFunc("POST /api/bounties/{id}/reject", s.rejectBounty)
	auth.HandleFunc("POST /api/bounties/{id}/dispute", s.disputeBounty)
	auth.HandleFunc("POST /api/bounties/{id}/cancel", s.cancelBounty)
	auth.HandleFunc("POST /api/bounties/{id}/expire", s.expireBounty)

	auth.HandleFunc("POST /api/bounties/{id}/resolve", s.requireArbiter(s.resolveBounty))
	auth.HandleFunc("POST /api/admin/credit", s.requireArbiter(s.adminCredit))

	s.mux.Handle("POST /api/", s.authMiddleware(auth))
}

// logRequests tags each request with an id and logs it on completion.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(contextWithRequestID(r.Context(), reqID)))
		s.logger.Debug("request",
			slog.String("id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)),
		)
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrStateGuard):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrValidation), errors.Is(err, fault.ErrTiming):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrPrecondition):
		status = http.StatusPaymentRequired
	default:
		s.logger.Error("internal error", slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
