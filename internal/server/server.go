// Package server exposes the engine's boundary verbs over HTTP.
// Streamed execution events go out over websockets; everything else is
// JSON request/response. The server owns nothing: all state lives in
// the engine and its store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/engine"
)

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	EnableMetrics   bool
	EnableCORS      bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            8080,
		EnableMetrics:   true,
		EnableCORS:      true,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server is the Meridian HTTP server.
type Server struct {
	config   *Config
	engine   *engine.Engine
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a server over an engine.
func New(config *Config, eng *engine.Engine) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config: config,
		engine: eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return config.EnableCORS
			},
		},
	}
}

// Router builds the route table. Exposed for handler tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	if s.config.EnableCORS {
		router.Use(s.corsMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/workflows", s.registerWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.listWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}", s.getWorkflow).Methods("GET")

	api.HandleFunc("/executions", s.startExecution).Methods("POST")
	api.HandleFunc("/executions", s.listExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", s.getExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/stream", s.streamExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/steps/{stepId}/input", s.provideStepInput).Methods("POST")
	api.HandleFunc("/executions/{id}/pause", s.pauseExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/resume", s.resumeExecution).Methods("POST")
	api.HandleFunc("/executions/{id}/cancel", s.cancelExecution).Methods("POST")

	if s.config.EnableCORS {
		api.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.config.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}
	router.HandleFunc("/health", s.healthCheck)

	return router
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	log.Info().
		Str("addr", addr).
		Bool("metrics", s.config.EnableMetrics).
		Msg("Starting Meridian server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()
	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Info().Msg("Shutting down server")
	return s.server.Shutdown(ctx)
}

// StartWithGracefulShutdown starts the server and blocks until SIGINT or
// SIGTERM, then shuts down the server and the engine.
func (s *Server) StartWithGracefulShutdown() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := s.engine.Close(ctx); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	return nil
}
