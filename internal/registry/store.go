// File path: internal/registry/store.go
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

var (
	ErrNotFound = errors.New("codebase not found")
	ErrConflict = errors.New("conflicting codebase state")
)

// Status tracks a codebase through the ingestion pipeline.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusValidating    Status = "validating"
	StatusMaterializing Status = "materializing"
	StatusParsing       Status = "parsing"
	StatusChunking      Status = "chunking"
	StatusEmbedding     Status = "embedding"
	StatusIndexing      Status = "indexing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusDeleted       Status = "deleted"
)

// Source types accepted for a codebase.
const (
	SourceZip  = "zip"
	SourceGit  = "git"
	SourcePath = "path"
)

// validTransitions encodes the pipeline state machine. Every non-terminal
// state may also move to failed; completed and failed may be re-queued.
var validTransitions = map[Status][]Status{
	StatusQueued:        {StatusValidating},
	StatusValidating:    {StatusMaterializing},
	StatusMaterializing: {StatusParsing},
	StatusParsing:       {StatusChunking},
	StatusChunking:      {StatusEmbedding},
	StatusEmbedding:     {StatusIndexing},
	StatusIndexing:      {StatusCompleted},
	StatusCompleted:     {StatusQueued, StatusDeleted},
	StatusFailed:        {StatusQueued, StatusDeleted},
	StatusDeleted:       {},
}

func canTransition(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusCompleted && from != StatusDeleted
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Codebase is the registry record for one ingested code tree.
type Codebase struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Source      string     `db:"source" json:"source"`
	SourceType  string     `db:"source_type" json:"source_type"`
	Status      Status     `db:"status" json:"status"`
	Error       string     `db:"error" json:"error,omitempty"`
	FileCount   int        `db:"file_count" json:"file_count"`
	ChunkCount  int        `db:"chunk_count" json:"chunk_count"`
	SecretCount int        `db:"secret_count" json:"secret_count"`
	EmbedDim    int        `db:"embed_dim" json:"embed_dim,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Event is one audit entry for a codebase's ingestion history.
type Event struct {
	ID         int64     `db:"id" json:"id"`
	CodebaseID string    `db:"codebase_id" json:"codebase_id"`
	Stage      string    `db:"stage" json:"stage"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Store wraps a pooled sqlx.DB connection to the SQLite registry.
type Store struct {
	db *sqlx.DB
}

// Open constructs a Store backed by the SQLite database at the provided path.
// The schema is migrated on first use.
func Open(path string) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		cfg.Path = trimmed
	}
	return OpenWithConfig(cfg)
}

func OpenWithConfig(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry path required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}
	busy := int(cfg.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingTimeout := cfg.BusyTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	common.Logger().Debug("registry: opened", "path", abs)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the underlying database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("registry store not initialised")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("registry store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS codebases (
                id TEXT PRIMARY KEY,
                name TEXT NOT NULL,
                source TEXT NOT NULL,
                source_type TEXT NOT NULL,
                status TEXT NOT NULL,
                error TEXT NOT NULL DEFAULT '',
                file_count INTEGER NOT NULL DEFAULT 0,
                chunk_count INTEGER NOT NULL DEFAULT 0,
                secret_count INTEGER NOT NULL DEFAULT 0,
                embed_dim INTEGER NOT NULL DEFAULT 0,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                completed_at DATETIME
        );`,
	`CREATE TABLE IF NOT EXISTS ingest_events (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                codebase_id TEXT NOT NULL,
                stage TEXT NOT NULL,
                detail TEXT,
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                FOREIGN KEY(codebase_id) REFERENCES codebases(id) ON DELETE CASCADE
        );`,
	`CREATE INDEX IF NOT EXISTS idx_codebases_status ON codebases(status);`,
	`CREATE INDEX IF NOT EXISTS idx_codebases_name ON codebases(name);`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_events_codebase ON ingest_events(codebase_id, created_at);`,
}

// Create registers a new codebase in the queued state.
func (s *Store) Create(ctx context.Context, name, source, sourceType string) (Codebase, error) {
	name = strings.TrimSpace(name)
	source = strings.TrimSpace(source)
	if name == "" {
		return Codebase{}, errors.New("codebase name required")
	}
	if source == "" {
		return Codebase{}, errors.New("codebase source required")
	}
	now := time.Now().UTC()
	cb := Codebase{
		ID:         uuid.NewString(),
		Name:       name,
		Source:     source,
		SourceType: sourceType,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	const query = `INSERT INTO codebases (id, name, source, source_type, status, created_at, updated_at)
                VALUES (:id, :name, :source, :source_type, :status, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, cb); err != nil {
		return Codebase{}, fmt.Errorf("insert codebase: %w", err)
	}
	return cb, nil
}

// Get returns the codebase, including soft-deleted records.
func (s *Store) Get(ctx context.Context, id string) (Codebase, error) {
	var cb Codebase
	err := s.db.GetContext(ctx, &cb, `SELECT * FROM codebases WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Codebase{}, ErrNotFound
	}
	if err != nil {
		return Codebase{}, fmt.Errorf("select codebase: %w", err)
	}
	return cb, nil
}

// List returns codebases newest first, excluding soft-deleted records.
func (s *Store) List(ctx context.Context) ([]Codebase, error) {
	var out []Codebase
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM codebases WHERE status != ? ORDER BY created_at DESC, id`, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	return out, nil
}

// UpdateStatus advances the state machine. Invalid transitions return
// ErrConflict so concurrent pipelines cannot clobber each other.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) error {
	cb, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(cb.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, cb.Status, to)
	}
	now := time.Now().UTC()
	var result sql.Result
	if to == StatusCompleted {
		result, err = s.db.ExecContext(ctx,
			`UPDATE codebases SET status = ?, error = '', updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`,
			to, now, now, id, cb.Status)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE codebases SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, now, id, cb.Status)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	// The guarded WHERE catches a concurrent transition between read and write.
	if affected == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, cb.Status, to)
	}
	return s.AppendEvent(ctx, id, string(to), "")
}

// MarkFailed transitions to failed and records the cause.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	cb, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(cb.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, cb.Status, StatusFailed)
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE codebases SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.AppendEvent(ctx, id, string(StatusFailed), message)
}

// SetCounts records pipeline totals without touching status.
func (s *Store) SetCounts(ctx context.Context, id string, files, chunks, secrets int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET file_count = ?, chunk_count = ?, secret_count = ?, updated_at = ? WHERE id = ?`,
		files, chunks, secrets, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set counts: %w", err)
	}
	return requireAffected(result)
}

// SetEmbedDim pins the embedding dimension observed during ingestion.
func (s *Store) SetEmbedDim(ctx context.Context, id string, dim int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE codebases SET embed_dim = ?, updated_at = ? WHERE id = ?`,
		dim, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set embed dim: %w", err)
	}
	return requireAffected(result)
}

// Delete soft-deletes the codebase. Chunks are removed separately by the
// caller from the vector store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, StatusDeleted)
}

// AppendEvent records one audit entry.
func (s *Store) AppendEvent(ctx context.Context, id, stage, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_events (codebase_id, stage, detail) VALUES (?, ?, ?)`,
		id, stage, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the audit trail in insertion order.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	var out []Event
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM ingest_events WHERE codebase_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
