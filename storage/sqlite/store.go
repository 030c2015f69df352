// Package sqlite provides a SQLite implementation of the conflict history
// repository. Entries are stored as JSON documents next to the indexed
// columns used for lookups.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/events"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Operation names for consistent error reporting
const (
	opSave        syncErrors.Operation = "sqlite.SaveEntry"
	opSaveBatch   syncErrors.Operation = "sqlite.SaveBatch"
	opLoad        syncErrors.Operation = "sqlite.LoadEntries"
	opAppendNotes syncErrors.Operation = "sqlite.AppendNotes"
	opEvent       syncErrors.Operation = "sqlite.HandleEvent"
)

// Custom errors for better error handling
var (
	ErrEntryNotFound = errors.New("history entry not found")
	ErrStoreClosed   = errors.New("store is closed")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the HistoryStore.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:history.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger is an optional logger. If nil, logging is discarded.
	Logger *logging.Logger

	// TableName is the name of the history table.
	// Defaults to "conflict_history" if empty. Notifications go to
	// TableName + "_events".
	TableName string

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "conflict_history"
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
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
	if c.EnableWAL && c.DataSourceName != ":memory:" {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*HistoryStore, error) {
	return New(DefaultConfig(dataSourceName))
}

// HistoryStore persists conflict history entries and the notifications
// published about them.
type HistoryStore struct {
	db          *sql.DB
	mu          stdSync.RWMutex
	closed      bool
	logger      *logging.Logger
	tableName   string
	eventsTable string
}

var _ history.Repository = (*HistoryStore)(nil)

// New creates a new HistoryStore from a Config.
func New(config *Config) (*HistoryStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	logger := config.Logger.WithComponent("sqlite-history")
	logger.Debug("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	if config.DataSourceName == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &HistoryStore{
		db:          db,
		logger:      logger,
		tableName:   config.TableName,
		eventsTable: config.TableName + "_events",
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Debug("SQLite history store initialized", slog.String("table_name", config.TableName))
	return store, nil
}

// setupSchema creates the history and event tables if they don't exist.
func (s *HistoryStore) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        seq             INTEGER PRIMARY KEY AUTOINCREMENT,
        id              TEXT NOT NULL UNIQUE,
        conflict_id     TEXT NOT NULL,
        entity_id       TEXT NOT NULL,
        collection      TEXT NOT NULL,
        strategy        TEXT,
        mode            TEXT,
        notes           TEXT NOT NULL DEFAULT '',
        payload         TEXT NOT NULL,
        recorded_at     TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_entity ON %[1]s (entity_id);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_collection ON %[1]s (collection);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_conflict ON %[1]s (conflict_id);

    CREATE TABLE IF NOT EXISTS %[2]s (
        seq             INTEGER PRIMARY KEY AUTOINCREMENT,
        id              TEXT NOT NULL UNIQUE,
        event_type      TEXT NOT NULL,
        conflict_id     TEXT,
        collection      TEXT,
        entity_id       TEXT,
        payload         TEXT NOT NULL,
        occurred_at     TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[2]s_conflict ON %[2]s (conflict_id);
    `, s.tableName, s.eventsTable)
	_, err := s.db.Exec(query)
	return err
}

func (s *HistoryStore) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveEntry stores an entry. Saving an id that already exists is a no-op.
func (s *HistoryStore) SaveEntry(ctx context.Context, e *history.Entry) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if err := s.insert(ctx, s.db, e); err != nil {
		return syncErrors.WrapOpComponentKind(err, opSave, component, syncErrors.KindStorage)
	}
	return nil
}

// SaveBatch stores multiple entries in a single transaction.
func (s *HistoryStore) SaveBatch(ctx context.Context, entries []*history.Entry) (err error) {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opSaveBatch, component, syncErrors.KindStorage)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, e := range entries {
		if err = s.insert(ctx, tx, e); err != nil {
			return syncErrors.WrapOpComponentKind(err, opSaveBatch, component, syncErrors.KindStorage)
		}
	}
	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponentKind(err, opSaveBatch, component, syncErrors.KindStorage)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *HistoryStore) insert(ctx context.Context, db execer, e *history.Entry) error {
	if e == nil || e.Conflict == nil || e.ID == "" {
		return errors.New("entry needs an id and a conflict")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	var strategy, mode string
	if e.Resolution != nil {
		strategy, mode = string(e.Resolution.Strategy), string(e.Resolution.Mode)
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s
        (id, conflict_id, entity_id, collection, strategy, mode, notes, payload, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err = db.ExecContext(ctx, query,
		e.ID, e.Conflict.ConflictID, e.Conflict.EntityID, e.Conflict.Collection,
		strategy, mode, e.Notes, string(payload), e.RecordedAt.UTC())
	return err
}

// LoadEntries returns every entry in insertion order.
func (s *HistoryStore) LoadEntries(ctx context.Context) ([]*history.Entry, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT payload, notes FROM %s ORDER BY seq ASC`, s.tableName))
}

// LoadByEntity returns the entries of one entity in insertion order.
func (s *HistoryStore) LoadByEntity(ctx context.Context, entityID string) ([]*history.Entry, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT payload, notes FROM %s WHERE entity_id = ? ORDER BY seq ASC`, s.tableName), entityID)
}

// LoadByCollection returns the entries of one collection in insertion order.
func (s *HistoryStore) LoadByCollection(ctx context.Context, collection string) ([]*history.Entry, error) {
	return s.query(ctx, fmt.Sprintf(`SELECT payload, notes FROM %s WHERE collection = ? ORDER BY seq ASC`, s.tableName), collection)
}

func (s *HistoryStore) query(ctx context.Context, query string, args ...any) ([]*history.Entry, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opLoad, component, syncErrors.KindStorage)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// AppendNotes appends notes to a stored entry, newline separated.
func (s *HistoryStore) AppendNotes(ctx context.Context, entryID, notes string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s
        SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
        WHERE id = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, notes, notes, entryID)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opAppendNotes, component, syncErrors.KindStorage)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return syncErrors.NewNotFoundError(opAppendNotes, component, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID))
	}
	return nil
}

// HandleEvent records a bus notification. It has the events.Handler
// signature so the store can subscribe to an engine directly.
func (s *HistoryStore) HandleEvent(ctx context.Context, e events.Event) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opEvent, component, syncErrors.KindStorage)
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s
        (id, event_type, conflict_id, collection, entity_id, payload, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, s.eventsTable)
	if _, err := s.db.ExecContext(ctx, query,
		e.ID, string(e.Type), e.ConflictID, e.Collection, e.EntityID, string(payload), e.OccurredAt.UTC()); err != nil {
		return syncErrors.WrapOpComponentKind(err, opEvent, component, syncErrors.KindStorage)
	}
	return nil
}

// LoadEvents returns the recorded notifications of one conflict in order.
func (s *HistoryStore) LoadEvents(ctx context.Context, conflictID string) ([]events.Event, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE conflict_id = ? ORDER BY seq ASC`, s.eventsTable)
	rows, err := s.db.QueryContext(ctx, query, conflictID)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opLoad, component, syncErrors.KindStorage)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *HistoryStore) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

// scanEntries decodes payload rows. The notes column wins over the payload
// because notes are appended after the entry is written.
func scanEntries(rows *sql.Rows) ([]*history.Entry, error) {
	var entries []*history.Entry
	for rows.Next() {
		var payload, notes string
		if err := rows.Scan(&payload, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		e := &history.Entry{}
		if err := json.Unmarshal([]byte(payload), e); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		e.Notes = notes
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
