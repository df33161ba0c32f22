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

// Package replay re-injects stored raw messages (.eml files) into the
// inbound queue, signed as the mail provider would sign them. Messages
// that already reached a terminal status are skipped by the pipeline's
// dedup, so a replay can be re-run safely.
package replay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kr777/mailbridge/internal/dedup"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/signature"
)

// Enqueuer accepts jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SeenFilter is the ingress dedup filter shared with the webhook.
type SeenFilter interface {
	IsNew(ctx context.Context, fingerprint string) (bool, error)
}

// Request defines the scope of a replay run.
type Request struct {
	Dir string
	// To overrides the envelope recipient; empty uses the To header.
	To             string
	Mode           models.Mode
	TargetLanguage string
}

// Result summarises a completed replay run.
type Result struct {
	Files        []FileResult
	TotalQueued  int
	TotalSkipped int
	TotalErrors  int
	Elapsed      time.Duration
}

// FileResult records what happened to one file.
type FileResult struct {
	Path   string
	JobID  string
	Status string // "queued", "skipped", "error"
	Err    error
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Signer *signature.Verifier
	Queue  Enqueuer
	// Dedup is optional.
	Dedup SeenFilter
	// Delay spaces out enqueues so workers are not flooded.
	Delay time.Duration
}

// Runner performs replays.
type Runner struct {
	signer *signature.Verifier
	queue  Enqueuer
	dedup  SeenFilter
	delay  time.Duration
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		signer: cfg.Signer,
		queue:  cfg.Queue,
		dedup:  cfg.Dedup,
		delay:  cfg.Delay,
	}
}

// Run queues every .eml file in req.Dir in name order. A file that fails
// is recorded and the run continues; only a context cancellation stops
// it early.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	paths, err := filepath.Glob(filepath.Join(req.Dir, "*.eml"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", req.Dir, err)
	}
	sort.Strings(paths)

	slog.Info("starting replay",
		"dir", req.Dir,
		"files", len(paths),
		"mode", string(req.Mode),
	)

	result := &Result{}
	for i, path := range paths {
		if i > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fr := r.replayFile(ctx, path, req)
		switch fr.Status {
		case "queued":
			result.TotalQueued++
		case "skipped":
			result.TotalSkipped++
		default:
			result.TotalErrors++
			slog.Error("replay failed for file", "path", path, "error", fr.Err)
		}
		result.Files = append(result.Files, fr)
	}

	result.Elapsed = time.Since(start)
	slog.Info("replay complete",
		"queued", result.TotalQueued,
		"skipped", result.TotalSkipped,
		"errors", result.TotalErrors,
		"elapsed", result.Elapsed.String(),
	)
	return result, nil
}

func (r *Runner) replayFile(ctx context.Context, path string, req Request) FileResult {
	fr := FileResult{Path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		fr.Status, fr.Err = "error", fmt.Errorf("read: %w", err)
		return fr
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		fr.Status, fr.Err = "error", errors.New("empty file")
		return fr
	}

	payload := models.InboundPayload{
		RawBase64:  base64.StdEncoding.EncodeToString(raw),
		To:         req.To,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
	}

	fp := dedup.Key(string(req.Mode), req.TargetLanguage, payload.RawBase64)
	if r.dedup != nil {
		fresh, err := r.dedup.IsNew(ctx, fp)
		if err != nil {
			slog.Warn("dedup check failed", "path", path, "error", err)
		} else if !fresh {
			fr.Status = "skipped"
			return fr
		}
	}

	job := queue.NewJob(payload, r.signer.Sign([]byte(payload.RawBase64)))
	job.Mode = req.Mode
	job.TargetLanguage = req.TargetLanguage
	if r.dedup != nil {
		job.Fingerprint = fp
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		fr.Status, fr.Err = "error", fmt.Errorf("enqueue: %w", err)
		return fr
	}

	fr.Status, fr.JobID = "queued", job.ID
	slog.Debug("replayed file", "path", path, "job_id", job.ID)
	return fr
}
