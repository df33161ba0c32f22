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

// Package pipeline runs one inbound message through verification,
// parsing, routing, the AI call, composition and delivery, and records
// the outcome in the transaction store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/kr777/mailbridge/internal/compose"
	"github.com/kr777/mailbridge/internal/delivery"
	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/parser"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/router"
	"github.com/kr777/mailbridge/internal/signature"
	"github.com/kr777/mailbridge/internal/store"
)

// storeWriteTimeout bounds the final record write, which runs even when
// the job context has expired.
const storeWriteTimeout = 10 * time.Second

// AIClient produces structured results for both modes.
type AIClient interface {
	Analyze(ctx context.Context, msg *models.InboundMessage, targetLang string) (*models.AnalysisResult, error)
	Translate(ctx context.Context, msg *models.InboundMessage, targetLang string) (*models.TranslationResult, error)
}

// Deliverer sends a composed reply.
type Deliverer interface {
	Deliver(ctx context.Context, tx *models.Transaction, onAttempt delivery.AttemptFunc) (delivery.State, error)
}

// Options configures a Processor. All collaborators are required.
type Options struct {
	Verifier   *signature.Verifier
	Parser     *parser.Parser
	Router     *router.Router
	AI         AIClient
	Composer   *compose.Composer
	Dispatcher Deliverer
	Store      store.Store

	// DefaultTargetLanguage applies when neither the job nor the alias
	// names one.
	DefaultTargetLanguage string
	Now                   func() time.Time
}

// Processor runs the pipeline for one job at a time; it is safe for
// concurrent use by many workers.
type Processor struct {
	verifier    *signature.Verifier
	parser      *parser.Parser
	router      *router.Router
	ai          AIClient
	composer    *compose.Composer
	dispatcher  Deliverer
	store       store.Store
	defaultLang string
	now         func() time.Time
}

// New creates a Processor.
func New(opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lang := opts.DefaultTargetLanguage
	if lang == "" {
		lang = "zh"
	}
	return &Processor{
		verifier:    opts.Verifier,
		parser:      opts.Parser,
		router:      opts.Router,
		ai:          opts.AI,
		composer:    opts.Composer,
		dispatcher:  opts.Dispatcher,
		store:       opts.Store,
		defaultLang: lang,
		now:         now,
	}
}

// Result is the outcome of processing one job.
type Result struct {
	MessageID string
	Status    models.FinalStatus
	Kind      Kind
	// Duplicate is set when the message id was already claimed; Status
	// is then the prior outcome.
	Duplicate   bool
	Transaction *models.Transaction
}

// run carries the state of one job through the stages.
type run struct {
	job     *queue.Job
	start   time.Time
	tx      *models.Transaction
	claimed bool
}

// Process runs job to a terminal outcome. The returned error is non-nil
// only when the transaction store could not be consulted for
// deduplication; the job may then be retried as nothing was sent.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (res Result, err error) {
	r := &run{job: job, start: p.now()}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while processing inbound message",
				"job_id", job.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			if r.tx == nil || !r.claimed {
				res, err = Result{Status: models.StatusAIFailed, Kind: KindInternal}, nil
				return
			}
			res, err = p.finish(ctx, r, panicStatus(r.tx), KindInternal, fmt.Errorf("panic: %v", rec)), nil
		}
	}()

	if err := p.verifier.Verify([]byte(job.Payload.RawBase64), job.Signature); err != nil {
		slog.Warn("inbound message rejected: bad signature",
			"job_id", job.ID,
			"payload_size", len(job.Payload.RawBase64),
			"error", err,
		)
		metrics.TransactionsTotal.WithLabelValues("", string(models.StatusRejectedSignature)).Inc()
		return Result{Status: models.StatusRejectedSignature, Kind: KindSignatureInvalid}, nil
	}

	msg, err := p.parser.Parse(&job.Payload)
	if err != nil {
		return p.rejectMalformed(ctx, r, err), nil
	}

	r.tx = &models.Transaction{
		ID:        uuid.New().String(),
		Inbound:   *msg,
		Attempts:  []models.DeliveryAttempt{},
		CreatedAt: p.now().UTC(),
	}

	prior, claimed, err := p.store.Claim(ctx, r.tx)
	if err != nil {
		metrics.StoreFailuresTotal.WithLabelValues("claim").Inc()
		return Result{MessageID: msg.MessageID}, fmt.Errorf("claim transaction: %w", err)
	}
	if !claimed {
		return p.duplicate(msg.MessageID, prior), nil
	}
	r.claimed = true

	route, err := p.router.Resolve(msg.ToAddress)
	if err != nil {
		return p.finish(ctx, r, models.StatusRejectedNoRoute, KindUnknownRoute, err), nil
	}

	mode := route.Mode
	if job.Mode != "" {
		mode = job.Mode
	}
	lang := firstNonEmpty(job.TargetLanguage, route.TargetLanguage, p.defaultLang)
	r.tx.Mode = mode

	if err := p.callAI(ctx, r.tx, mode, lang); err != nil {
		return p.finish(ctx, r, models.StatusAIFailed, Classify(err), err), nil
	}

	out, err := p.composer.Compose(mode, compose.Input{
		Inbound:     &r.tx.Inbound,
		FromAddress: firstNonEmpty(route.FromAddress, route.Alias),
		Analysis:    r.tx.Analysis,
		Translation: r.tx.Translation,
	})
	if err != nil {
		return p.finish(ctx, r, models.StatusAIFailed, KindCompositionError, err), nil
	}
	if out == nil {
		return p.finish(ctx, r, models.StatusAnalyzedNoReply, "", nil), nil
	}
	r.tx.Outbound = out

	state, err := p.dispatcher.Deliver(ctx, r.tx, func(a models.DeliveryAttempt) {
		p.persistAttempt(ctx, msg.MessageID, a)
	})
	if state == delivery.StateDelivered {
		return p.finish(ctx, r, models.StatusDelivered, "", nil), nil
	}
	kind := KindSecondaryDeliveryFailed
	if state != delivery.StateFailed {
		kind = KindInternal
	}
	return p.finish(ctx, r, models.StatusDeliveryFailed, kind, err), nil
}

func (p *Processor) callAI(ctx context.Context, tx *models.Transaction, mode models.Mode, lang string) error {
	switch mode {
	case models.ModeAnalyzeReply:
		res, err := p.ai.Analyze(ctx, &tx.Inbound, lang)
		if err != nil {
			return err
		}
		tx.Analysis = res
	case models.ModeTranslate:
		res, err := p.ai.Translate(ctx, &tx.Inbound, lang)
		if err != nil {
			return err
		}
		tx.Translation = res
	default:
		return fmt.Errorf("unsupported mode %q", mode)
	}
	return nil
}

// rejectMalformed records a parse failure. No InboundMessage exists, so
// the envelope summary stands in for it.
func (p *Processor) rejectMalformed(ctx context.Context, r *run, err error) Result {
	payload := r.job.Payload
	r.tx = &models.Transaction{
		ID: uuid.New().String(),
		Inbound: models.InboundMessage{
			MessageID:   parser.FallbackMessageID(&payload),
			FromAddress: parser.BareAddress(payload.From),
			ToAddress:   parser.BareAddress(payload.To),
			Subject:     payload.Subject,
			RawSize:     len(payload.RawBase64),
			Attachments: []models.Attachment{},
		},
		Attempts:  []models.DeliveryAttempt{},
		CreatedAt: p.now().UTC(),
	}
	return p.finish(ctx, r, models.StatusRejectedMalformed, KindMalformedMessage, err)
}

func (p *Processor) duplicate(messageID string, prior *models.Transaction) Result {
	metrics.DuplicatesTotal.Inc()
	status := models.StatusInProgress
	if prior != nil && prior.FinalStatus.Terminal() {
		status = prior.FinalStatus
	}
	slog.Info("duplicate inbound message skipped",
		"message_id", messageID,
		"prior_status", string(status),
	)
	return Result{MessageID: messageID, Status: status, Duplicate: true, Transaction: prior}
}

// persistAttempt writes one delivery attempt as it happens. A failure
// here is reported and otherwise ignored: the final record carries the
// attempts again.
func (p *Processor) persistAttempt(ctx context.Context, messageID string, a models.DeliveryAttempt) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := p.store.AppendAttempt(wctx, messageID, a); err != nil {
		metrics.StoreFailuresTotal.WithLabelValues("append_attempt").Inc()
		slog.Error("failed to record delivery attempt",
			"message_id", messageID,
			"channel", string(a.Channel),
			"error", err,
		)
	}
}

// finish sets the terminal status, persists the snapshot and logs the
// outcome. A failed write is reported but never changes the outcome.
func (p *Processor) finish(ctx context.Context, r *run, status models.FinalStatus, kind Kind, cause error) Result {
	tx := r.tx
	tx.FinalStatus = status
	tx.FailureKind = string(kind)
	if cause != nil {
		tx.ErrorDetail = cause.Error()
	}
	tx.CompletedAt = p.now().UTC()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := p.store.Record(wctx, tx); err != nil {
		metrics.StoreFailuresTotal.WithLabelValues("record").Inc()
		slog.Error("failed to record transaction",
			"message_id", tx.Inbound.MessageID,
			"final_status", string(status),
			"error", err,
		)
	}

	mode := string(tx.Mode)
	metrics.TransactionsTotal.WithLabelValues(mode, string(status)).Inc()
	metrics.ProcessingDuration.WithLabelValues(mode).Observe(p.now().Sub(r.start).Seconds())

	attrs := []any{
		"job_id", r.job.ID,
		"message_id", tx.Inbound.MessageID,
		"mode", mode,
		"final_status", string(status),
		"attempts", len(tx.Attempts),
	}
	switch {
	case kind == "":
		slog.Info("transaction complete", attrs...)
	case NeedsOperator(kind):
		slog.Error("transaction failed", append(attrs, "failure_kind", string(kind), "error", cause)...)
	default:
		slog.Warn("transaction rejected", append(attrs, "failure_kind", string(kind), "error", cause)...)
	}

	return Result{
		MessageID:   tx.Inbound.MessageID,
		Status:      status,
		Kind:        kind,
		Transaction: tx,
	}
}

// panicStatus picks the closest terminal status for a transaction
// interrupted by a panic.
func panicStatus(tx *models.Transaction) models.FinalStatus {
	for _, a := range tx.Attempts {
		if a.Succeeded {
			return models.StatusDelivered
		}
	}
	if tx.Outbound != nil {
		return models.StatusDeliveryFailed
	}
	return models.StatusAIFailed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
