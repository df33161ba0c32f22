// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kr777/mailbridge/internal/metrics"
)

// NewRouter wires the inbound, health and metrics routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Post("/inbound", h.ServeInbound)
	r.Post("/inbound/trans", h.ServeTranslate)
	r.Post("/inbound/trans/{lang}", h.ServeTranslate)
	r.Get("/health", h.ServeHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// requestLogger writes one structured access log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Serve starts the webhook HTTP server. It binds the port immediately
// and signals readiness via the returned channel before accepting
// connections. Cancelling ctx shuts the server down gracefully.
func Serve(ctx context.Context, cfg ServerConfig, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", cfg.Port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("webhook server shutdown", "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", cfg.Port)
		close(ready)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
