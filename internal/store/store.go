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

// Package store persists transactions: one row per inbound message id,
// claimed atomically before any AI call and finalized once a terminal
// status is reached.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kr777/mailbridge/internal/models"
)

// ErrNotFound is returned when no transaction exists for a message id.
var ErrNotFound = errors.New("transaction not found")

// Store is the transaction store used by the pipeline.
type Store interface {
	// Claim inserts tx keyed on its inbound message id unless a row for
	// that id already exists. When claimed is false, prior is the
	// existing transaction; a prior with an empty FinalStatus is still
	// being processed elsewhere.
	Claim(ctx context.Context, tx *models.Transaction) (prior *models.Transaction, claimed bool, err error)

	// AppendAttempt adds a delivery attempt to an unfinished transaction.
	AppendAttempt(ctx context.Context, messageID string, a models.DeliveryAttempt) error

	// Record writes the final snapshot of tx. A transaction that already
	// has a final status is never overwritten.
	Record(ctx context.Context, tx *models.Transaction) error

	// FindByMessageID returns the transaction for an inbound message id,
	// or ErrNotFound.
	FindByMessageID(ctx context.Context, messageID string) (*models.Transaction, error)

	Ping(ctx context.Context) error
}

// DefaultStaleAfter is how long an unfinished claim blocks duplicates
// before another worker may take it over.
const DefaultStaleAfter = 30 * time.Minute

// reclaimable reports whether an unfinished claim may be taken over. A
// claim that already delivered once is never taken over.
func reclaimable(prior *models.Transaction, now time.Time, staleAfter time.Duration) bool {
	if prior.FinalStatus != "" || staleAfter <= 0 {
		return false
	}
	for _, a := range prior.Attempts {
		if a.Succeeded {
			return false
		}
	}
	return now.Sub(prior.CreatedAt) > staleAfter
}
