package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vincentbai/browsetrace-replay/internal/engine"
	"github.com/vincentbai/browsetrace-replay/internal/models"
)

// Recorder is the part of the engine the HTTP surface drives.
type Recorder interface {
	HandleEvents(ctx context.Context, batch models.Batch) (int, error)
	Status() engine.Status
	Flush(ctx context.Context) error
	Stop(ctx context.Context, forceFlush bool, reason string) error
}

type Server struct {
	recorder Recorder
	address  string
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(recorder Recorder, address string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		recorder: recorder,
		address:  address,
		logger:   logger,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch models.Batch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// invalid events are dropped, the rest of the batch still counts
	if skipped, err := s.recorder.HandleEvents(request.Context(), batch); skipped > 0 {
		s.logger.Warn("skipped invalid events", "skipped", skipped, "total", len(batch.Events), "error", err)
	}
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) handleSession(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.recorder.Status()); err != nil {
		s.logger.Error("failed to encode session status", "error", err)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.recorder.Flush(request.Context()); err != nil {
		s.logger.Error("flush failed", "error", err)
		http.Error(w, "Failed to flush replay", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.recorder.Stop(request.Context(), true, "api"); err != nil {
		s.logger.Error("stop failed", "error", err)
		http.Error(w, "Failed to flush replay", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/stop", s.handleStop)
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.setupRoutes()
	s.server = &http.Server{
		Addr:    s.address,
		Handler: mux,
		// flushes may wait on a slow endpoint
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("replay agent listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}

	s.logger.Info("server exited")
	return nil
}
