//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gridhmm/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveEstimate(ctx context.Context, estimate model.Estimate) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeEstimate(estimate)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO estimates (run_id, schema_version, codec_version, mode, topology, log_likelihood, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			mode = excluded.mode,
			topology = excluded.topology,
			log_likelihood = excluded.log_likelihood,
			payload = excluded.payload
	`, estimate.RunID, estimate.SchemaVersion, estimate.CodecVersion, estimate.Mode, estimate.Topology, estimate.LogLikelihood, payload)
	return err
}

func (s *SQLiteStore) GetEstimate(ctx context.Context, runID string) (model.Estimate, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Estimate{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM estimates WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Estimate{}, false, nil
		}
		return model.Estimate{}, false, err
	}

	estimate, err := DecodeEstimate(payload)
	if err != nil {
		return model.Estimate{}, false, fmt.Errorf("decode estimate %s: %w", runID, err)
	}
	return estimate, true, nil
}

func (s *SQLiteStore) SaveLikelihoodHistory(ctx context.Context, runID string, history []float64) error {
	payload, err := EncodeLikelihoodHistory(history)
	if err != nil {
		return err
	}
	return s.putBlob(ctx, "likelihood_history", runID, payload)
}

func (s *SQLiteStore) GetLikelihoodHistory(ctx context.Context, runID string) ([]float64, bool, error) {
	payload, ok, err := s.getBlob(ctx, "likelihood_history", runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	history, err := DecodeLikelihoodHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode likelihood history %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *SQLiteStore) SaveRestarts(ctx context.Context, runID string, restarts []model.RestartRecord) error {
	payload, err := EncodeRestarts(restarts)
	if err != nil {
		return err
	}
	return s.putBlob(ctx, "restarts", runID, payload)
}

func (s *SQLiteStore) GetRestarts(ctx context.Context, runID string) ([]model.RestartRecord, bool, error) {
	payload, ok, err := s.getBlob(ctx, "restarts", runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	restarts, err := DecodeRestarts(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode restarts %s: %w", runID, err)
	}
	return restarts, true, nil
}

// putBlob upserts a run-keyed payload. table is always a package constant.
func (s *SQLiteStore) putBlob(ctx context.Context, table, runID string, payload []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+table+` (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	return err
}

func (s *SQLiteStore) getBlob(ctx context.Context, table, runID string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS estimates (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			mode TEXT NOT NULL,
			topology TEXT NOT NULL,
			log_likelihood REAL NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS likelihood_history (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS restarts (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
