package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS analysis_snapshots (
    fingerprint TEXT PRIMARY KEY,
    payload     BLOB NOT NULL,
    computed_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_expires ON analysis_snapshots(expires_at);
`

// SnapshotStore persists analysis results as msgpack blobs so cached work
// survives restarts. It sits behind the in-memory cache; every method
// returns ErrCache-wrapped errors and callers treat them as soft failures.
type SnapshotStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSnapshotStore creates the store and its table.
func NewSnapshotStore(db *database.DB, log zerolog.Logger) (*SnapshotStore, error) {
	if _, err := db.Conn().Exec(snapshotSchema); err != nil {
		return nil, fmt.Errorf("%w: creating snapshot table: %v", domain.ErrCache, err)
	}
	return &SnapshotStore{
		db:  db,
		log: log.With().Str("component", "snapshot_store").Logger(),
	}, nil
}

// Get loads a non-expired snapshot by fingerprint. A miss returns (nil, nil).
func (s *SnapshotStore) Get(ctx context.Context, fingerprint string, now time.Time) (*domain.RiskAnalysisResult, error) {
	var payload []byte
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT payload FROM analysis_snapshots WHERE fingerprint = ? AND expires_at > ?`,
		fingerprint, now.Unix(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading snapshot %s: %v", domain.ErrCache, fingerprint, err)
	}

	var result domain.RiskAnalysisResult
	if err := msgpack.Unmarshal(payload, &result); err != nil {
		// A corrupt blob is unrecoverable; drop it so the slot heals.
		s.log.Warn().Str("fingerprint", fingerprint).Err(err).Msg("Dropping corrupt snapshot")
		s.delete(ctx, fingerprint)
		return nil, fmt.Errorf("%w: decoding snapshot %s: %v", domain.ErrCache, fingerprint, err)
	}
	return &result, nil
}

// Put stores a snapshot, replacing any previous one for the fingerprint.
func (s *SnapshotStore) Put(ctx context.Context, result *domain.RiskAnalysisResult, expiresAt time.Time) error {
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encoding snapshot %s: %v", domain.ErrCache, result.Fingerprint, err)
	}

	_, err = s.db.Conn().ExecContext(ctx,
		`INSERT INTO analysis_snapshots (fingerprint, payload, computed_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		     payload = excluded.payload,
		     computed_at = excluded.computed_at,
		     expires_at = excluded.expires_at`,
		result.Fingerprint, payload, result.ComputedAt.Unix(), expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: storing snapshot %s: %v", domain.ErrCache, result.Fingerprint, err)
	}
	return nil
}

// Delete removes one snapshot, or all of them when fingerprint is empty.
func (s *SnapshotStore) Delete(ctx context.Context, fingerprint string) error {
	var err error
	if fingerprint == "" {
		_, err = s.db.Conn().ExecContext(ctx, `DELETE FROM analysis_snapshots`)
	} else {
		_, err = s.db.Conn().ExecContext(ctx, `DELETE FROM analysis_snapshots WHERE fingerprint = ?`, fingerprint)
	}
	if err != nil {
		return fmt.Errorf("%w: deleting snapshot %q: %v", domain.ErrCache, fingerprint, err)
	}
	return nil
}

// Vacuum removes expired snapshots and reports how many were dropped.
func (s *SnapshotStore) Vacuum(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM analysis_snapshots WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: vacuuming snapshots: %v", domain.ErrCache, err)
	}
	dropped, _ := res.RowsAffected()
	return dropped, nil
}

func (s *SnapshotStore) delete(ctx context.Context, fingerprint string) {
	if _, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM analysis_snapshots WHERE fingerprint = ?`, fingerprint); err != nil {
		s.log.Warn().Str("fingerprint", fingerprint).Err(err).Msg("Failed to delete snapshot")
	}
}
