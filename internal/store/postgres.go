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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kr777/mailbridge/internal/models"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
}

// NewPostgres creates a transaction store on pool and ensures the
// transactions table exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, staleAfter time.Duration) (*Postgres, error) {
	s := &Postgres{pool: pool, staleAfter: staleAfter}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure transaction schema: %w", err)
	}
	slog.Info("transaction store initialised", "backend", "postgres")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id            TEXT PRIMARY KEY,
			message_id    TEXT NOT NULL UNIQUE,
			mode          TEXT NOT NULL DEFAULT '',
			from_address  TEXT NOT NULL DEFAULT '',
			to_address    TEXT NOT NULL DEFAULT '',
			subject       TEXT NOT NULL DEFAULT '',
			inbound       JSONB NOT NULL,
			analysis      JSONB,
			translation   JSONB,
			outbound      JSONB,
			attempts      JSONB NOT NULL DEFAULT '[]',
			final_status  TEXT,
			failure_kind  TEXT NOT NULL DEFAULT '',
			error_detail  TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions(final_status);
		CREATE INDEX IF NOT EXISTS idx_tx_created ON transactions(created_at);
	`)
	return err
}

// Claim implements Store with a single INSERT ... ON CONFLICT statement.
// A stale unfinished claim with no successful delivery is taken over.
func (s *Postgres) Claim(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error) {
	staleBefore := tx.CreatedAt.Add(-s.staleAfter)
	if s.staleAfter <= 0 {
		staleBefore = time.Time{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
			(id, message_id, mode, from_address, to_address, subject, inbound, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]', $8)
		ON CONFLICT (message_id) DO UPDATE SET
			id         = EXCLUDED.id,
			inbound    = EXCLUDED.inbound,
			attempts   = '[]',
			created_at = EXCLUDED.created_at
		WHERE transactions.final_status IS NULL
		  AND transactions.created_at < $9
		  AND NOT transactions.attempts @> '[{"succeeded": true}]'
	`, tx.ID, tx.Inbound.MessageID, string(tx.Mode), tx.Inbound.FromAddress, tx.Inbound.ToAddress,
		tx.Inbound.Subject, tx.Inbound, tx.CreatedAt, staleBefore)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", tx.Inbound.MessageID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	prior, err := s.FindByMessageID(ctx, tx.Inbound.MessageID)
	if err != nil {
		return nil, false, fmt.Errorf("load prior %s: %w", tx.Inbound.MessageID, err)
	}
	return prior, false, nil
}

// AppendAttempt implements Store.
func (s *Postgres) AppendAttempt(ctx context.Context, messageID string, a models.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET attempts = attempts || $2::jsonb
		WHERE message_id = $1 AND final_status IS NULL
	`, messageID, []models.DeliveryAttempt{a})
	return err
}

// Record implements Store. Rejections recorded without a prior claim
// are inserted; claimed rows are completed in place.
func (s *Postgres) Record(ctx context.Context, tx *models.Transaction) error {
	attempts := tx.Attempts
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
			(id, message_id, mode, from_address, to_address, subject, inbound,
			 analysis, translation, outbound, attempts, final_status, failure_kind,
			 error_detail, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (message_id) DO UPDATE SET
			mode         = EXCLUDED.mode,
			analysis     = EXCLUDED.analysis,
			translation  = EXCLUDED.translation,
			outbound     = EXCLUDED.outbound,
			attempts     = EXCLUDED.attempts,
			final_status = EXCLUDED.final_status,
			failure_kind = EXCLUDED.failure_kind,
			error_detail = EXCLUDED.error_detail,
			completed_at = EXCLUDED.completed_at
		WHERE transactions.final_status IS NULL
	`, tx.ID, tx.Inbound.MessageID, string(tx.Mode), tx.Inbound.FromAddress, tx.Inbound.ToAddress,
		tx.Inbound.Subject, tx.Inbound, tx.Analysis, tx.Translation, tx.Outbound, attempts,
		string(tx.FinalStatus), tx.FailureKind, tx.ErrorDetail, tx.CreatedAt, tx.CompletedAt)
	if err != nil {
		return fmt.Errorf("record %s: %w", tx.Inbound.MessageID, err)
	}
	return nil
}

// FindByMessageID implements Store.
func (s *Postgres) FindByMessageID(ctx context.Context, messageID string) (*models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, mode, inbound, analysis, translation, outbound, attempts,
		       final_status, failure_kind, error_detail, created_at, completed_at
		FROM transactions
		WHERE message_id = $1
	`, messageID)
	return scanTransaction(row)
}

// Ping implements Store.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanTransaction scans a single row into a Transaction.
func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		tx          models.Transaction
		mode        string
		finalStatus *string
		completedAt *time.Time
	)
	err := row.Scan(
		&tx.ID, &mode, &tx.Inbound, &tx.Analysis, &tx.Translation, &tx.Outbound,
		&tx.Attempts, &finalStatus, &tx.FailureKind, &tx.ErrorDetail,
		&tx.CreatedAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Mode = models.Mode(mode)
	if finalStatus != nil {
		tx.FinalStatus = models.FinalStatus(*finalStatus)
	}
	if completedAt != nil {
		tx.CompletedAt = *completedAt
	}
	return &tx, nil
}
