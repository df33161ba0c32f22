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

// Package queue hands verified inbound payloads from the webhook to the
// pipeline workers. Once Enqueue returns, the message counts as received.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kr777/mailbridge/internal/models"
)

// ErrClosed is returned by Dequeue once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// Job is one inbound webhook delivery awaiting processing.
type Job struct {
	ID        string                `json:"id"`
	Payload   models.InboundPayload `json:"payload"`
	Signature string                `json:"signature"`
	// Mode forces a processing mode; empty means route by alias.
	Mode           models.Mode `json:"mode,omitempty"`
	TargetLanguage string      `json:"target_language,omitempty"`
	ReceivedAt     time.Time   `json:"received_at"`
	// Fingerprint is the ingress dedup key recorded when the job was
	// accepted; it is cleared again if the job is dropped.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Attempts counts how often the job was requeued after an
	// infrastructure failure.
	Attempts int `json:"attempts,omitempty"`
}

// NewJob creates a job with a fresh id.
func NewJob(payload models.InboundPayload, signature string) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Payload:    payload,
		Signature:  signature,
		ReceivedAt: time.Now().UTC(),
	}
}

// Redis is a FIFO job queue on a Redis list: LPUSH to enqueue, BRPOP to
// dequeue.
type Redis struct {
	rdb       *redis.Client
	queueName string
	wait      time.Duration
}

// NewRedis creates a queue on the named Redis list.
func NewRedis(rdb *redis.Client, queueName string) *Redis {
	return &Redis{
		rdb:       rdb,
		queueName: queueName,
		wait:      5 * time.Second,
	}
}

// Enqueue pushes a job onto the queue.
func (q *Redis) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("queued inbound job",
		"job_id", job.ID,
		"message_id", job.Payload.MessageID,
		"queue", q.queueName,
	)
	return nil
}

// Dequeue blocks until a job is available or ctx is done. It returns
// (nil, nil) when the wait interval passes without a job.
func (q *Redis) Dequeue(ctx context.Context) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, q.wait, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis BRPOP: %w", err)
	}

	// BRPOP returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Len returns the number of queued jobs.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

// Ping checks the Redis connection.
func (q *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// Memory is an in-process queue for development and tests. Jobs are lost
// on restart.
type Memory struct {
	jobs chan *Job
	done chan struct{}
}

// NewMemory creates an in-memory queue holding up to size jobs.
func NewMemory(size int) *Memory {
	return &Memory{
		jobs: make(chan *Job, size),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job, failing rather than blocking when the queue is full.
func (q *Memory) Enqueue(ctx context.Context, job *Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("memory queue full")
	}
}

// Dequeue blocks until a job is available, ctx is done or the queue is
// closed.
func (q *Memory) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	}
}

// Len returns the number of queued jobs.
func (q *Memory) Len(context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Ping implements the health check; an open memory queue is always up.
func (q *Memory) Ping(context.Context) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops the queue. Pending jobs are dropped.
func (q *Memory) Close() {
	close(q.done)
}
