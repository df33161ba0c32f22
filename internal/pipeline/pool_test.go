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
	"sync"
	"testing"
	"time"

	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/queue"
)

type scriptedProcessor struct {
	mu    sync.Mutex
	fails map[string]int
	seen  []string
	done  chan string
}

func (s *scriptedProcessor) Process(_ context.Context, job *queue.Job) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, job.ID)
	if s.fails[job.ID] > 0 {
		s.fails[job.ID]--
		return Result{}, errors.New("store unavailable")
	}
	s.done <- job.ID
	return Result{Status: models.StatusDelivered}, nil
}

func (s *scriptedProcessor) attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.seen {
		if v == id {
			n++
		}
	}
	return n
}

func TestPool_ProcessesJobs(t *testing.T) {
	q := queue.NewMemory(16)
	proc := &scriptedProcessor{fails: map[string]int{}, done: make(chan string, 16)}
	pool := NewPool(proc, q, PoolConfig{Workers: 3, JobTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		job := queue.NewJob(models.InboundPayload{RawBase64: "eA=="}, "")
		want[job.ID] = true
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case id := <-proc.done:
			delete(want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; %d jobs unprocessed", len(want))
		}
	}
	if len(want) != 0 {
		t.Errorf("unprocessed jobs: %v", want)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_RequeuesAfterStoreFailure(t *testing.T) {
	q := queue.NewMemory(16)
	job := queue.NewJob(models.InboundPayload{RawBase64: "eA=="}, "")
	proc := &scriptedProcessor{fails: map[string]int{job.ID: 2}, done: make(chan string, 1)}
	pool := NewPool(proc, q, PoolConfig{Workers: 1, JobTimeout: time.Second, MaxRequeue: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	_ = q.Enqueue(ctx, job)
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not retried to completion")
	}
	if got := proc.attempts(job.ID); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

type recordingForgetter struct {
	mu     sync.Mutex
	forgot []string
}

func (f *recordingForgetter) Forget(_ context.Context, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, fingerprint)
	return nil
}

func (f *recordingForgetter) fingerprints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgot...)
}

func TestPool_DropsAfterMaxRequeue(t *testing.T) {
	q := queue.NewMemory(16)
	job := queue.NewJob(models.InboundPayload{RawBase64: "eA=="}, "")
	job.Fingerprint = "mailbridge:seen:analyze::abc"
	proc := &scriptedProcessor{fails: map[string]int{job.ID: 100}, done: make(chan string, 1)}
	seen := &recordingForgetter{}
	pool := NewPool(proc, q, PoolConfig{Workers: 1, JobTimeout: time.Second, MaxRequeue: 2, Seen: seen})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	_ = q.Enqueue(ctx, job)
	deadline := time.Now().Add(2 * time.Second)
	for len(seen.fingerprints()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := proc.attempts(job.ID); got != 3 {
		t.Errorf("attempts = %d, want 3 (first try plus 2 requeues)", got)
	}
	// The provider's next retry must be accepted again.
	got := seen.fingerprints()
	if len(got) != 1 || got[0] != job.Fingerprint {
		t.Errorf("forgotten fingerprints = %v, want [%s]", got, job.Fingerprint)
	}
}

func TestPool_KeepsFingerprintOnSuccess(t *testing.T) {
	q := queue.NewMemory(16)
	job := queue.NewJob(models.InboundPayload{RawBase64: "eA=="}, "")
	job.Fingerprint = "mailbridge:seen:analyze::def"
	proc := &scriptedProcessor{fails: map[string]int{job.ID: 1}, done: make(chan string, 1)}
	seen := &recordingForgetter{}
	pool := NewPool(proc, q, PoolConfig{Workers: 1, JobTimeout: time.Second, MaxRequeue: 2, Seen: seen})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	_ = q.Enqueue(ctx, job)
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	if got := seen.fingerprints(); len(got) != 0 {
		t.Errorf("fingerprints forgotten after success: %v", got)
	}
}

func TestPool_JobDequeuedDuringShutdownIsHandled(t *testing.T) {
	// Dequeue on a cancelled context may still hand out a job; run often
	// enough that both outcomes of that race occur.
	for i := 0; i < 100; i++ {
		q := queue.NewMemory(1)
		job := queue.NewJob(models.InboundPayload{RawBase64: "eA=="}, "")
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		proc := &scriptedProcessor{fails: map[string]int{}, done: make(chan string, 1)}
		pool := NewPool(proc, q, PoolConfig{Workers: 1, JobTimeout: time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		pool.work(ctx, 0)

		processed := len(proc.done)
		queued, _ := q.Len(context.Background())
		if processed+int(queued) != 1 {
			t.Fatalf("run %d: processed=%d queued=%d, job was lost", i, processed, queued)
		}
	}
}
