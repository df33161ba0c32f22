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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/kr777/mailbridge/internal/models"
)

// Memory is an in-process Store for development and tests. Its contents
// do not survive a restart.
type Memory struct {
	mu         sync.Mutex
	byID       map[string]*models.Transaction
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(staleAfter time.Duration) *Memory {
	return &Memory{
		byID:       make(map[string]*models.Transaction),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Claim implements Store.
func (m *Memory) Claim(_ context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := tx.Inbound.MessageID
	if prior, ok := m.byID[id]; ok && !reclaimable(prior, m.now(), m.staleAfter) {
		return cloneTransaction(prior), false, nil
	}
	m.byID[id] = cloneTransaction(tx)
	return nil, true, nil
}

// AppendAttempt implements Store.
func (m *Memory) AppendAttempt(_ context.Context, messageID string, a models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[messageID]
	if !ok {
		return ErrNotFound
	}
	if tx.FinalStatus == "" {
		tx.AppendAttempt(a)
	}
	return nil
}

// Record implements Store.
func (m *Memory) Record(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.byID[tx.Inbound.MessageID]; ok && prior.FinalStatus != "" {
		return nil
	}
	m.byID[tx.Inbound.MessageID] = cloneTransaction(tx)
	return nil
}

// FindByMessageID implements Store.
func (m *Memory) FindByMessageID(_ context.Context, messageID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored transactions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func cloneTransaction(tx *models.Transaction) *models.Transaction {
	c := *tx
	c.Attempts = append([]models.DeliveryAttempt(nil), tx.Attempts...)
	if tx.Analysis != nil {
		a := *tx.Analysis
		a.TodoItems = append([]string(nil), tx.Analysis.TodoItems...)
		c.Analysis = &a
	}
	if tx.Translation != nil {
		t := *tx.Translation
		c.Translation = &t
	}
	if tx.Outbound != nil {
		o := *tx.Outbound
		c.Outbound = &o
	}
	return &c
}
