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

// Package webhook is the inbound HTTP boundary. The mail provider POSTs
// each received message here; once the payload is verified and queued
// the handler answers 202, whatever later happens to the message.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kr777/mailbridge/internal/dedup"
	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/signature"
)

// DefaultMaxBodyBytes caps an inbound request body.
const DefaultMaxBodyBytes = 32 << 20

// Enqueuer accepts jobs for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SeenFilter drops repeated deliveries of the same payload.
type SeenFilter interface {
	IsNew(ctx context.Context, fingerprint string) (bool, error)
	Forget(ctx context.Context, fingerprint string) error
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Verifier        *signature.Verifier
	SignatureHeader string
	Queue           Enqueuer
	// Seen is optional; without it every verified payload is queued.
	Seen                  SeenFilter
	DefaultTargetLanguage string
	SupportedLanguages    []string
	MaxBodyBytes          int64
	// Checks are reported by GET /health, keyed by name.
	Checks map[string]Pinger
}

// Handler serves the inbound webhook endpoints.
type Handler struct {
	verifier    *signature.Verifier
	header      string
	queue       Enqueuer
	seen        SeenFilter
	defaultLang string
	languages   []string
	maxBody     int64
	checks      map[string]Pinger
}

// NewHandler creates an inbound webhook handler.
func NewHandler(cfg HandlerConfig) *Handler {
	header := cfg.SignatureHeader
	if header == "" {
		header = "X-Inbound-Signature"
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		verifier:    cfg.Verifier,
		header:      header,
		queue:       cfg.Queue,
		seen:        cfg.Seen,
		defaultLang: cfg.DefaultTargetLanguage,
		languages:   cfg.SupportedLanguages,
		maxBody:     maxBody,
		checks:      cfg.Checks,
	}
}

// ServeInbound handles POST /inbound. The mode comes from the alias.
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	h.accept(w, r, "", "")
}

// ServeTranslate handles POST /inbound/trans and /inbound/trans/{lang}.
// The message is translated regardless of alias.
func (h *Handler) ServeTranslate(w http.ResponseWriter, r *http.Request) {
	lang := strings.ToLower(chi.URLParam(r, "lang"))
	if lang == "" {
		lang = h.defaultLang
	}
	if !slices.Contains(h.languages, lang) {
		metrics.InboundTotal.WithLabelValues("bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":               "unsupported target language: " + lang,
			"supported_languages": h.languages,
		})
		return
	}
	h.accept(w, r, models.ModeTranslate, lang)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, mode models.Mode, lang string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		metrics.InboundTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var payload models.InboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.InboundTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}
	if payload.RawBase64 == "" {
		metrics.InboundTotal.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "raw_base64 is required")
		return
	}

	sig := r.Header.Get(h.header)
	if err := h.verifier.Verify([]byte(payload.RawBase64), sig); err != nil {
		metrics.InboundTotal.WithLabelValues("rejected_signature").Inc()
		slog.Warn("inbound payload rejected: bad signature",
			"remote_addr", r.RemoteAddr,
			"signature_present", sig != "",
			"payload_size", len(payload.RawBase64),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ctx := r.Context()
	fp := dedup.Key(string(mode), lang, payload.RawBase64)
	if h.seen != nil {
		fresh, err := h.seen.IsNew(ctx, fp)
		if err != nil {
			// The transaction store still dedups by message id.
			slog.Warn("ingress dedup unavailable", "error", err)
		} else if !fresh {
			metrics.InboundTotal.WithLabelValues("duplicate").Inc()
			slog.Info("duplicate inbound payload acknowledged", "message_id", payload.MessageID)
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
			return
		}
	}

	job := queue.NewJob(payload, sig)
	job.Mode = mode
	job.TargetLanguage = lang
	if h.seen != nil {
		job.Fingerprint = fp
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		metrics.InboundTotal.WithLabelValues("queue_error").Inc()
		slog.Error("failed to queue inbound payload",
			"message_id", payload.MessageID,
			"error", err,
		)
		if h.seen != nil {
			if ferr := h.seen.Forget(context.WithoutCancel(ctx), fp); ferr != nil {
				slog.Warn("failed to clear dedup fingerprint", "error", ferr)
			}
		}
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	metrics.InboundTotal.WithLabelValues("queued").Inc()
	slog.Info("inbound payload queued",
		"job_id", job.ID,
		"message_id", payload.MessageID,
		"to", payload.To,
		"mode", string(mode),
		"target_language", lang,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job_id": job.ID})
}

// ServeHealth reports the state of each dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
