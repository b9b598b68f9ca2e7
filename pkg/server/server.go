package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homegauge/homegauge/pkg/common"
	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/scheduler"
	"github.com/homegauge/homegauge/pkg/types"
)

// Status reports how far the scheduler has got.
type Status interface {
	State() scheduler.State
	LastProcessedDay() types.Day
}

// Server is the operations endpoint of a collector process: Prometheus
// metrics and health checks.
type Server struct {
	listenAddr string
	serverName string
	gatherer   prometheus.Gatherer
	status     Status

	httpServer *http.Server
}

// Configured registers the -ops-listen flag.
func Configured() *Server {
	srv := &Server{
		serverName: "homegauge/" + common.Version(),
		gatherer:   prometheus.DefaultGatherer,
	}
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	listenAddr := lflag.String("ops-listen", ":9102", "Listen address for /metrics and /healthz, empty disables it")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

// Watch makes /readyz report on st.
func (s *Server) Watch(st Status) {
	s.status = st
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	// compression is left to gziphandler
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{DisableCompression: true}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listenAddr == "" {
		<-ctx.Done()
		return nil
	}
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting ops server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

type readyResponse struct {
	State            string `json:"state"`
	LastProcessedDay string `json:"lastProcessedDay,omitempty"`
}

// handleReadyz fails until the scheduler has finished initializing.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	res := readyResponse{State: scheduler.Initializing.String()}
	code := http.StatusServiceUnavailable
	if s.status != nil {
		state := s.status.State()
		res.State = state.String()
		if day := s.status.LastProcessedDay(); !day.IsZero() {
			res.LastProcessedDay = day.String()
		}
		if state != scheduler.Initializing {
			code = http.StatusOK
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Warn("failed to write readiness response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
