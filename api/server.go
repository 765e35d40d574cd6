// Package api exposes the indexer's REST control surface: session lifecycle
// operations, health, metrics and the WebSocket progress stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apimiddleware "github.com/chainlens/indexer-go/api/middleware"
	"github.com/chainlens/indexer-go/api/websocket"
	"github.com/chainlens/indexer-go/health"
	"github.com/chainlens/indexer-go/progress"
	"github.com/chainlens/indexer-go/session"
	"github.com/chainlens/indexer-go/tier"
)

// SessionManager is the session control surface the API needs.
type SessionManager interface {
	Start(userID string, contract common.Address, chain string, t tier.Tier) (*session.Session, error)
	Stop(sessionID string) error
	Pause(sessionID string) error
	Resume(sessionID string) error
	Snapshot(sessionID string) (session.Checkpoint, error)
	List() []session.Checkpoint
}

// HealthReader exposes the aggregate health snapshot.
type HealthReader interface {
	Snapshot() health.Snapshot
}

// TxCounter reports how many records are stored for one (chain, contract)
// dataset. Optional; enriches the session status response.
type TxCounter interface {
	CountTransactions(ctx context.Context, chain string, contract common.Address) (uint64, error)
}

// Server is the HTTP API server.
type Server struct {
	config    *Config
	logger    *zap.Logger
	manager   SessionManager
	health    HealthReader
	txCounter TxCounter
	router    *chi.Mux
	server    *http.Server
	wsServer  *websocket.Server
}

// NewServer creates the API server. broadcaster may be nil when WebSocket
// streaming is disabled.
func NewServer(config *Config, manager SessionManager, healthReader HealthReader, broadcaster *progress.Broadcaster, logger *zap.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  config,
		logger:  logger.Named("api"),
		manager: manager,
		health:  healthReader,
		router:  chi.NewRouter(),
	}

	if config.EnableWebSocket && broadcaster != nil {
		s.wsServer = websocket.NewServer(broadcaster, logger)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// SetTxCounter attaches a transaction counter used to enrich session status
// responses. Must be called before Start.
func (s *Server) SetTxCounter(counter TxCounter) {
	s.txCounter = counter
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				origin := r.Header.Get("Origin")
				if origin == "" {
					origin = "*"
				}

				allowed := false
				for _, allowedOrigin := range s.config.AllowedOrigins {
					if allowedOrigin == "*" || allowedOrigin == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Upgrade, Connection")
				}

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	if s.wsServer != nil {
		s.router.Get("/ws", s.wsServer.ServeHTTP)
	}

	s.router.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Post("/{sessionID}/stop", s.handleStopSession)
		r.Post("/{sessionID}/pause", s.handlePauseSession)
		r.Post("/{sessionID}/resume", s.handleResumeSession)
	})
}

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	UserID          string `json:"userId"`
	ContractAddress string `json:"contractAddress"`
	Chain           string `json:"chain"`
	Tier            string `json:"tier"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if !common.IsHexAddress(req.ContractAddress) {
		writeError(w, http.StatusBadRequest, "contractAddress is not a valid address")
		return
	}
	if req.Chain == "" {
		writeError(w, http.StatusBadRequest, "chain is required")
		return
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.manager.Start(req.UserID, common.HexToAddress(req.ContractAddress), req.Chain, t)
	if err != nil {
		if errors.Is(err, session.ErrManagerClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.manager.List(),
	})
}

// sessionStatusResponse is a checkpoint enriched with storage stats.
type sessionStatusResponse struct {
	session.Checkpoint
	TransactionCount uint64 `json:"transactionCount"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	cp, err := s.manager.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := sessionStatusResponse{Checkpoint: cp}
	if s.txCounter != nil {
		count, err := s.txCounter.CountTransactions(r.Context(), cp.Chain, cp.Contract)
		if err != nil {
			s.logger.Warn("transaction count unavailable",
				zap.String("sessionId", cp.SessionID),
				zap.Error(err),
			)
		} else {
			resp.TransactionCount = count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.manager.Stop)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.manager.Pause)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, s.manager.Resume)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "sessionID")
	if err := op(id); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrTerminal), errors.Is(err, session.ErrNotPaused):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "result": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    health.StatusHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	snap := s.health.Snapshot()
	code := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "indexer-go",
		"version": "1.0.0",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Start starts the API server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.Bool("websocket", s.wsServer != nil),
		zap.Bool("metrics", s.config.EnableMetrics),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.wsServer != nil {
		s.wsServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Router returns the underlying chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
