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

package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kr777/mailbridge/internal/models"
)

func samplePayload() models.InboundPayload {
	return models.InboundPayload{
		RawBase64: "U3ViamVjdDogaGkNCg0KaGVsbG8NCg==",
		From:      "alice@example.com",
		To:        "ai@kr777.top",
		MessageID: "<abc@example.com>",
	}
}

func TestMemory_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(4)

	first := NewJob(samplePayload(), "sig1")
	second := NewJob(samplePayload(), "sig2")
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}

	got, err := q.Dequeue(ctx)
	if err != nil || got.ID != first.ID {
		t.Fatalf("Dequeue = (%v, %v), want first job", got, err)
	}
	got, _ = q.Dequeue(ctx)
	if got.ID != second.ID {
		t.Errorf("second Dequeue = %s, want %s", got.ID, second.ID)
	}
}

func TestMemory_Full(t *testing.T) {
	q := NewMemory(1)
	ctx := context.Background()
	_ = q.Enqueue(ctx, NewJob(samplePayload(), ""))
	if err := q.Enqueue(ctx, NewJob(samplePayload(), "")); err == nil {
		t.Error("Enqueue on a full queue should fail")
	}
}

func TestMemory_Close(t *testing.T) {
	q := NewMemory(1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue after Close = %v, want ErrClosed", err)
	}
	if err := q.Enqueue(context.Background(), NewJob(samplePayload(), "")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if err := q.Ping(context.Background()); err == nil {
		t.Error("Ping after Close should fail")
	}
}

func TestMemory_DequeueHonoursContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	name := "mailbridge:test:" + uuid.NewString()
	defer rdb.Del(ctx, name)

	q := NewRedis(rdb, name)
	q.wait = 100 * time.Millisecond
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	job := NewJob(samplePayload(), "deadbeef")
	job.Mode = models.ModeTranslate
	job.TargetLanguage = "ja"
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	got, err := q.Dequeue(ctx)
	if err != nil || got == nil {
		t.Fatalf("Dequeue = (%v, %v)", got, err)
	}
	if got.ID != job.ID || got.Signature != "deadbeef" || got.Mode != models.ModeTranslate || got.TargetLanguage != "ja" {
		t.Errorf("job = %+v", got)
	}
	if got.Payload.MessageID != "<abc@example.com>" {
		t.Errorf("payload = %+v", got.Payload)
	}

	// Empty queue: Dequeue returns after the wait interval.
	got, err = q.Dequeue(ctx)
	if err != nil || got != nil {
		t.Errorf("Dequeue on empty queue = (%v, %v), want (nil, nil)", got, err)
	}
}
