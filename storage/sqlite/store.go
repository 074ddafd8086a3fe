// Package sqlite provides a SQLite implementation of the marketsync
// ArchiveStore. Hosts that need durable operation history configure the
// engine with this store; the engine snapshots every terminal operation and
// its conflict records into it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/quaywork/marketsync/errors"
	"github.com/quaywork/marketsync/marketsync"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Custom errors for better error handling
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrStoreClosed       = errors.New("store is closed")
)

// Config holds configuration options for the ArchiveStore.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended for production use; appended to DataSourceName when set.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "?_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// ArchiveStore implements marketsync.ArchiveStore on SQLite.
type ArchiveStore struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check that ArchiveStore satisfies the engine interface
var _ marketsync.ArchiveStore = (*ArchiveStore)(nil)

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*ArchiveStore, error) {
	return New(DefaultConfig(dataSourceName))
}

// New creates an ArchiveStore from a Config.
func New(config *Config) (*ArchiveStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &ArchiveStore{db: db}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// setupSchema creates the snapshot tables if they don't exist.
func (s *ArchiveStore) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS sync_operations (
        operation_id    TEXT PRIMARY KEY,
        entity_id       TEXT NOT NULL,
        data_category   TEXT NOT NULL,
        source_system   TEXT NOT NULL,
        target_systems  TEXT NOT NULL,
        status          TEXT NOT NULL,
        error_message   TEXT,
        started_at      TIMESTAMP NOT NULL,
        completed_at    TIMESTAMP,
        results         TEXT NOT NULL,
        archived_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_operations_entity ON sync_operations (entity_id);
    CREATE INDEX IF NOT EXISTS idx_operations_status ON sync_operations (status);

    CREATE TABLE IF NOT EXISTS data_conflicts (
        conflict_id      TEXT PRIMARY KEY,
        operation_id     TEXT NOT NULL,
        entity_id        TEXT NOT NULL,
        target_system    TEXT NOT NULL,
        field_name       TEXT NOT NULL,
        data_category    TEXT NOT NULL,
        candidate_values TEXT NOT NULL,
        strategy         TEXT NOT NULL,
        resolved         INTEGER NOT NULL,
        resolved_value   TEXT,
        resolved_at      TIMESTAMP,
        detected_at      TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_conflicts_operation ON data_conflicts (operation_id);
    CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON data_conflicts (entity_id);
    `
	_, err := s.db.Exec(query)
	return err
}

// SaveOperation snapshots a terminal operation and its conflict records in a
// single transaction.
func (s *ArchiveStore) SaveOperation(ctx context.Context, op *marketsync.SyncOperation) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return syncErrors.NewStorageError(syncErrors.OpArchive, ErrStoreClosed)
	}
	s.mu.RUnlock()

	if op == nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("operation is nil"))
	}

	targets, err := json.Marshal(op.Targets)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("marshaling targets: %w", err))
	}
	results, err := json.Marshal(op.Results)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("marshaling results: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT OR REPLACE INTO sync_operations
            (operation_id, entity_id, data_category, source_system, target_systems,
             status, error_message, started_at, completed_at, results)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID,
		op.EntityID,
		string(op.DataCategory),
		op.SourceSystem,
		string(targets),
		string(op.Status),
		op.ErrorMessage,
		op.StartedAt,
		op.CompletedAt,
		string(results),
	)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, err)
	}

	for _, c := range op.Conflicts {
		candidates, err := json.Marshal(c.CandidateValues)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("marshaling candidates: %w", err))
		}
		// A pending conflict can be resolved out of band while it is being
		// archived; take one consistent snapshot of the resolution state.
		strategy, value, resolvedAt, resolved := c.ResolutionRecord()
		resolvedValue, err := json.Marshal(value)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("marshaling resolved value: %w", err))
		}

		_, err = tx.ExecContext(ctx, `
            INSERT OR REPLACE INTO data_conflicts
                (conflict_id, operation_id, entity_id, target_system, field_name,
                 data_category, candidate_values, strategy, resolved, resolved_value,
                 resolved_at, detected_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConflictID,
			op.OperationID,
			c.EntityID,
			c.TargetSystem,
			c.FieldName,
			string(c.DataCategory),
			string(candidates),
			string(strategy),
			resolved,
			string(resolvedValue),
			resolvedAt,
			c.DetectedAt,
		)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpArchive, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpArchive, err)
	}
	return nil
}

// OperationSnapshot is an archived operation row.
type OperationSnapshot struct {
	OperationID  string
	EntityID     string
	DataCategory string
	SourceSystem string
	Targets      []string
	Status       string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Results      map[string]marketsync.TargetResult
}

// GetOperation loads an archived operation snapshot by id.
func (s *ArchiveStore) GetOperation(ctx context.Context, operationID string) (*OperationSnapshot, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, syncErrors.NewStorageError(syncErrors.OpArchive, ErrStoreClosed)
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
        SELECT operation_id, entity_id, data_category, source_system, target_systems,
               status, error_message, started_at, completed_at, results
        FROM sync_operations WHERE operation_id = ?`, operationID)

	var snap OperationSnapshot
	var targets, results string
	var errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&snap.OperationID,
		&snap.EntityID,
		&snap.DataCategory,
		&snap.SourceSystem,
		&targets,
		&snap.Status,
		&errorMessage,
		&snap.StartedAt,
		&completedAt,
		&results,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpArchive, err)
	}

	if errorMessage.Valid {
		snap.ErrorMessage = errorMessage.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		snap.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(targets), &snap.Targets); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("unmarshaling targets: %w", err))
	}
	if err := json.Unmarshal([]byte(results), &snap.Results); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpArchive, fmt.Errorf("unmarshaling results: %w", err))
	}

	return &snap, nil
}

// CountConflicts returns the number of archived conflict rows for an
// operation.
func (s *ArchiveStore) CountConflicts(ctx context.Context, operationID string) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, syncErrors.NewStorageError(syncErrors.OpArchive, ErrStoreClosed)
	}
	s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_conflicts WHERE operation_id = ?`, operationID).Scan(&count)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpArchive, err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *ArchiveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
