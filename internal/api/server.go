// Package api serves the status and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"roomcontrol/internal/room"
)

// Server provides HTTP endpoints for inspecting room state.
type Server struct {
	controllers map[string]*room.Controller
	logger      *zap.Logger
	server      *http.Server
}

// NewServer creates the status server over the given room controllers.
func NewServer(controllers map[string]*room.Controller, logger *zap.Logger, port int) *Server {
	s := &Server{
		controllers: controllers,
		logger:      logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RoomStatus is one room's entry in the /api/rooms response.
type RoomStatus struct {
	Name        string   `json:"name"`
	Entity      string   `json:"entity"`
	Entities    []string `json:"entities"`
	AnyOn       bool     `json:"any_on"`
	SleepActive bool     `json:"sleep_active"`
	ScheduleDay string   `json:"schedule_day,omitempty"`
}

// handleRooms returns every room's current status as JSON.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := make([]RoomStatus, 0, len(s.controllers))
	for name, controller := range s.controllers {
		engine := controller.Engine()

		status := RoomStatus{
			Name:        name,
			Entity:      engine.Entity(),
			AnyOn:       engine.AnyOn(),
			SleepActive: engine.SleepActive(),
		}
		if sch := engine.Schedule(); sch != nil {
			status.Entities = sch.Entities()
			status.ScheduleDay = sch.Day().Format("2006-01-02")
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Error("Failed to encode rooms response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("Rooms request served", zap.String("remote_addr", r.RemoteAddr))
}

// handleMetrics exposes counters in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	vmetrics.WritePrometheus(w, true)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
