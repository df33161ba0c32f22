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

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/queue"
)

// JobQueue is the worker side of the inbound queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	Dequeue(ctx context.Context) (*queue.Job, error)
	Len(ctx context.Context) (int64, error)
}

// JobProcessor processes one job.
type JobProcessor interface {
	Process(ctx context.Context, job *queue.Job) (Result, error)
}

// Forgetter clears an ingress dedup fingerprint so that a provider retry
// of a dropped job is accepted again.
type Forgetter interface {
	Forget(ctx context.Context, fingerprint string) error
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	Workers    int
	JobTimeout time.Duration
	// MaxRequeue bounds how often a job is put back after a store
	// failure before it is dropped.
	MaxRequeue   int
	RequeueDelay time.Duration
	// Seen is optional.
	Seen Forgetter
}

// Pool runs a fixed number of workers, each taking one job at a time off
// the queue.
type Pool struct {
	proc  JobProcessor
	queue JobQueue
	cfg   PoolConfig
}

// NewPool creates a worker pool.
func NewPool(proc JobProcessor, q JobQueue, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxRequeue <= 0 {
		cfg.MaxRequeue = 3
	}
	return &Pool{proc: proc, queue: q, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("starting worker pool", "workers", p.cfg.Workers, "job_timeout", p.cfg.JobTimeout.String())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(gctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(gctx)
		return nil
	})
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if job != nil {
			// Once dequeued the job is off the list; it is handled even
			// when shutdown has begun.
			p.handle(worker, job)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			slog.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
	}
}

// handle processes job on a context detached from the pool so that a
// shutdown lets in-flight messages finish.
func (p *Pool) handle(worker int, job *queue.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	res, err := p.proc.Process(ctx, job)
	if err == nil {
		slog.Debug("job done",
			"worker", worker,
			"job_id", job.ID,
			"message_id", res.MessageID,
			"final_status", string(res.Status),
		)
		return
	}

	if job.Attempts >= p.cfg.MaxRequeue {
		slog.Error("dropping job after repeated failures",
			"job_id", job.ID,
			"message_id", res.MessageID,
			"attempts", job.Attempts,
			"error", err,
		)
		p.forget(ctx, job)
		return
	}
	job.Attempts++
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(job.Attempts) * p.cfg.RequeueDelay):
	}
	if qerr := p.queue.Enqueue(ctx, job); qerr != nil {
		slog.Error("failed to requeue job",
			"job_id", job.ID,
			"error", qerr,
		)
		p.forget(ctx, job)
		return
	}
	slog.Warn("job requeued",
		"job_id", job.ID,
		"attempts", job.Attempts,
		"error", err,
	)
}

// forget clears the fingerprint of a dropped job so the provider's next
// retry is not acknowledged as a duplicate of a message nobody recorded.
func (p *Pool) forget(ctx context.Context, job *queue.Job) {
	if p.cfg.Seen == nil || job.Fingerprint == "" {
		return
	}
	if err := p.cfg.Seen.Forget(context.WithoutCancel(ctx), job.Fingerprint); err != nil {
		slog.Warn("failed to clear dedup fingerprint",
			"job_id", job.ID,
			"error", err,
		)
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if n, err := p.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
