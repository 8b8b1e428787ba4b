package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/types"
)

const backupSchema = `
CREATE TABLE IF NOT EXISTS portfolio_backups (
    storage_key TEXT    PRIMARY KEY,
    payload     TEXT    NOT NULL,
    captured_at INTEGER NOT NULL
);
`

// BackupKeyPrefix namespaces backup records
const BackupKeyPrefix = "portfolio_backup_"

// DefaultBackupMaxAge is how long a backup stays usable
const DefaultBackupMaxAge = 24 * time.Hour

// BackupKey returns the namespaced storage key for a portfolio key
func BackupKey(key types.PortfolioKey) string {
	return BackupKeyPrefix + key.String()
}

// backupPayload is the persisted form: the snapshot plus capture time in unix ms
type backupPayload struct {
	Data      *types.PortfolioSnapshot `json:"data"`
	Timestamp int64                    `json:"timestamp"`
}

// SQLiteBackupStore keeps the last good snapshot per key in a local SQLite file
type SQLiteBackupStore struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
	logger *logging.Logger
}

// NewSQLiteBackupStore opens (or creates) the database at path and applies the schema
func NewSQLiteBackupStore(path string, maxAge time.Duration) (*SQLiteBackupStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteBackupStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer, and :memory: must stay on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(backupSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteBackupStore: apply schema: %w", err)
	}

	if maxAge <= 0 {
		maxAge = DefaultBackupMaxAge
	}

	return &SQLiteBackupStore{
		db:     db,
		maxAge: maxAge,
		now:    time.Now,
		logger: logging.GetGlobalLogger().Component("backup"),
	}, nil
}

// Close closes the database
func (s *SQLiteBackupStore) Close() error {
	return s.db.Close()
}

// Save replaces the backup for key with snapshot, stamped with the current time
func (s *SQLiteBackupStore) Save(ctx context.Context, key types.PortfolioKey, snapshot *types.PortfolioSnapshot) error {
	capturedAt := s.now()
	payload, err := json.Marshal(backupPayload{
		Data:      snapshot.Normalize(),
		Timestamp: capturedAt.UnixMilli(),
	})
	if err != nil {
		return apperrors.NewStorageError("encode", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO portfolio_backups (storage_key, payload, captured_at)
		VALUES (?, ?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET
			payload     = excluded.payload,
			captured_at = excluded.captured_at`,
		BackupKey(key), string(payload), capturedAt.UnixMilli(),
	)
	if err != nil {
		return apperrors.NewStorageError("save", err)
	}
	return nil
}

// Load returns the backup for key. A record that is missing, cannot be
// decoded or is older than the freshness bound is reported as nil with no
// error; only I/O failures are errors.
func (s *SQLiteBackupStore) Load(ctx context.Context, key types.PortfolioKey) (*types.BackupRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM portfolio_backups WHERE storage_key = ?`, BackupKey(key),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load", err)
	}

	var payload backupPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.Data == nil {
		s.logger.WithField("key", key.String()).WithError(err).Warn("Discarding undecodable backup record")
		return nil, nil
	}

	record := &types.BackupRecord{
		Key:        key,
		Snapshot:   payload.Data.Normalize(),
		CapturedAt: time.UnixMilli(payload.Timestamp),
	}
	age := record.Age(s.now())
	if age > s.maxAge {
		s.logger.WithFields(map[string]interface{}{
			"key": key.String(),
			"age": age.String(),
		}).Debug("Backup record too old")
		return nil, nil
	}
	// A timestamp in the future cannot be dated, so its freshness is unknown
	if age < 0 {
		s.logger.WithFields(map[string]interface{}{
			"key":        key.String(),
			"capturedAt": record.CapturedAt.String(),
		}).Warn("Discarding backup record captured in the future")
		return nil, nil
	}
	return record, nil
}
