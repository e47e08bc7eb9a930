package db

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"clipsync/metrics"
	"clipsync/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.Wrap(domain.ErrStorageUnavailable, "database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
)

// SQLite stores items and their content in a single table. Used for local
// runs where no bucket is available.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func (s *SQLite) Name() string { return "sqlite" }
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		// pragmas in the DSN apply to every pooled connection
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if path == ":memory:" {
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS items (
		owner_id TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT,
		markdown_content TEXT,
		file_name TEXT,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		content BLOB,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (owner_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_owner_created ON items(owner_id, created_at DESC);
	`
	_, err = s.db.Exec(query)
	return err
}
func observe(backend, op string, start time.Time) {
	metrics.StorageDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
func (s *SQLite) Put(ctx context.Context, it *domain.Item, content io.Reader, size int64) error {
	defer observe("sqlite", "put", time.Now())
	if it == nil || it.OwnerID == "" || it.ID == "" {
		return errors.New("item owner and id are required")
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	data, err := readExactly(content, size)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO items (owner_id, id, kind, title, markdown_content, file_name, content_type, size_bytes, content, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(queryCtx, q,
		it.OwnerID, it.ID, string(it.Kind), nullString(it.Title), nullString(it.MarkdownContent),
		nullString(it.FileName), it.ContentType, it.FileSizeBytes, data, it.CreatedAt.UTC(),
	)
	s.recordError(err)
	return errors.Wrap(err, "db put item")
}
func (s *SQLite) List(ctx context.Context, owner string) ([]*domain.Item, error) {
	defer observe("sqlite", "list", time.Now())
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, kind, title, markdown_content, file_name, content_type, size_bytes, created_at
	FROM items WHERE owner_id = ? ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(queryCtx, q, owner)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list items")
	}
	defer rows.Close()
	items := make([]*domain.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan item")
		}
		it.OwnerID = owner
		items = append(items, it)
	}
	return items, errors.Wrap(rows.Err(), "iterate items")
}
func (s *SQLite) Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error) {
	defer observe("sqlite", "open", time.Now())
	if err := s.checkCircuit(); err != nil {
		return nil, nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, kind, title, markdown_content, file_name, content_type, size_bytes, created_at, content
	FROM items WHERE owner_id = ? AND id = ?
	`
	var (
		it      domain.Item
		kind    string
		title   sql.NullString
		md      sql.NullString
		name    sql.NullString
		content []byte
	)
	err := s.db.QueryRowContext(queryCtx, q, owner, id).Scan(
		&it.ID, &kind, &title, &md, &name, &it.ContentType, &it.FileSizeBytes, &it.CreatedAt, &content,
	)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrItemNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db open item")
	}
	it.OwnerID = owner
	it.Kind = domain.Kind(kind)
	it.Title, it.MarkdownContent, it.FileName = title.String, md.String, name.String
	return &it, io.NopCloser(bytes.NewReader(content)), nil
}
func (s *SQLite) Delete(ctx context.Context, owner, id string) error {
	defer observe("sqlite", "delete", time.Now())
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM items WHERE owner_id = ? AND id = ?`, owner, id)
	s.recordError(err)
	return errors.Wrap(err, "db delete item")
}
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		it    domain.Item
		kind  string
		title sql.NullString
		md    sql.NullString
		name  sql.NullString
	)
	if err := row.Scan(&it.ID, &kind, &title, &md, &name, &it.ContentType, &it.FileSizeBytes, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.Kind = domain.Kind(kind)
	it.Title, it.MarkdownContent, it.FileName = title.String, md.String, name.String
	return &it, nil
}
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
