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

// Package dedup filters repeated webhook deliveries at ingress. The mail
// provider retries a POST it did not see acknowledged, so the same raw
// message can arrive several times within seconds; only the first copy
// is queued. Durable per-message dedup lives in the transaction store.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a fingerprint is remembered.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "mailbridge:seen:"
)

// Fingerprint returns the dedup key for a raw payload.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Key returns the fingerprint of a payload submitted for a mode and
// target language. The same raw message sent to two endpoints is two jobs.
func Key(mode, lang, raw string) string {
	return Fingerprint(mode + ":" + lang + ":" + raw)
}

// Filter tracks which payload fingerprints have already been queued.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew returns true if the fingerprint has NOT been seen before.
// If true, the fingerprint is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, fingerprint string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+fingerprint, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget removes a fingerprint so that a later retry is accepted again.
func (f *Filter) Forget(ctx context.Context, fingerprint string) error {
	if err := f.rdb.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// MemoryFilter is an in-process Filter for development and tests.
type MemoryFilter struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryFilter creates an empty in-memory filter.
func NewMemoryFilter(ttl time.Duration) *MemoryFilter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryFilter{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// IsNew implements the same contract as Filter.IsNew.
func (m *MemoryFilter) IsNew(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[fingerprint]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[fingerprint] = now.Add(m.ttl)
	return true, nil
}

// Forget implements the same contract as Filter.Forget.
func (m *MemoryFilter) Forget(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, fingerprint)
	return nil
}
