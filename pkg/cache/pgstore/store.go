/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pgstore adapts a Postgres database to the cache.Store contract for
// the persistent (T3) tier and records concluded A/B trials for later
// inspection. The host owns the connection pool and the migration that
// creates the tables; Schema is the reference DDL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"k8s.io/utils/clock"
)

// Schema is the DDL the adapter expects. Kept here so hosts and tests share
// one definition.
const Schema = `
CREATE TABLE IF NOT EXISTS kb_cache (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS trial_outcomes (
    experiment_id TEXT PRIMARY KEY,
    outcome       JSONB NOT NULL,
    concluded_at  TIMESTAMPTZ NOT NULL
);`

type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

func New(db *sqlx.DB, clk clock.Clock) *Store {
	return &Store{db: db, clock: clk}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT value FROM kb_cache WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.clock.Now()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading persistent tier, %w", err)
	}
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.clock.Now().Add(ttl)
		expiresAt = &t
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_cache (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, data, expiresAt); err != nil {
		return fmt.Errorf("writing persistent tier, %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kb_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting from persistent tier, %w", err)
	}
	return nil
}

// RecordTrialOutcome persists one concluded A/B trial, replacing any earlier
// record for the same experiment.
func (s *Store) RecordTrialOutcome(ctx context.Context, experimentID string, outcome []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trial_outcomes (experiment_id, outcome, concluded_at) VALUES ($1, $2, $3)
		 ON CONFLICT (experiment_id) DO UPDATE SET outcome = EXCLUDED.outcome, concluded_at = EXCLUDED.concluded_at`,
		experimentID, outcome, s.clock.Now()); err != nil {
		return fmt.Errorf("recording trial outcome, %w", err)
	}
	return nil
}
