package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"habitsync/internal/backup"
	"habitsync/internal/metrics"
	"habitsync/internal/migrate"
)

// Server exposes migration status, backup listings and Prometheus
// metrics over HTTP for operators.
type Server struct {
	coordinator *migrate.Coordinator
	engine      *backup.Engine
	logger      *zap.Logger
	srv         *http.Server
}

// NewServer wires the admin routes onto listenAddr.
func NewServer(listenAddr string, coordinator *migrate.Coordinator, engine *backup.Engine, collector *metrics.Collector, logger *zap.Logger) *Server {
	s := &Server{
		coordinator: coordinator,
		engine:      engine,
		logger:      logger,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/migration/{user}/status", s.handleMigrationStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/backups/{user}", s.handleListBackups).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown is called.
func (s *Server) Start() {
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	state, err := s.coordinator.Status(r.Context(), userID)
	if err != nil {
		s.logger.Error("status lookup failed", zap.String("user_id", userID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	snaps, err := s.engine.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("backup listing failed", zap.String("user_id", userID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if snaps == nil {
		snaps = []backup.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
