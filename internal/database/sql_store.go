// Package database implements the document store on relational databases.
// Documents live in a single table keyed by (collection, id) with a JSON body
// and a version counter used for optimistic transactions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/kvstore"
)

const maxTxAttempts = 25

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore implements core.DocumentStore on MySQL, PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	table   string
	logger  zerolog.Logger
	closed  atomic.Bool
}

// NewSQLStore opens a SQL document store of the given type and creates the
// documents table when it does not exist.
func NewSQLStore(ctx context.Context, storeType string, cfg config.SQLConfig, logger zerolog.Logger) (*SQLStore, error) {
	d, ok := dialects[storeType]
	if !ok {
		return nil, fmt.Errorf("unsupported SQL store type: %s", storeType)
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := d.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg, d.name)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout(cfg))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		table:   table,
		logger:  logger.With().Str("component", d.name+"_store").Logger(),
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.createTable, table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return s, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(fmt.Sprintf(query, s.table))
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load returns the body and version of a document; version 0 means absent.
func (s *SQLStore) load(ctx context.Context, q queryer, path string, lock bool) (core.Document, int64, error) {
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return nil, 0, err
	}
	query := "SELECT body, version FROM %s WHERE collection = ? AND id = ?"
	if lock {
		query += s.dialect.lockSuffix
	}
	var (
		body    string
		version int64
	)
	err = q.QueryRowContext(ctx, s.q(query), collection, id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := core.DecodeDocument([]byte(body))
	if err != nil {
		return nil, 0, err
	}
	return doc, version, nil
}

// Get implements core.DocumentStore.
func (s *SQLStore) Get(ctx context.Context, path string) (core.Document, error) {
	if s.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	doc, version, err := s.load(ctx, s.db, path, false)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	return doc, nil
}

// Set implements core.DocumentStore.
func (s *SQLStore) Set(ctx context.Context, path string, doc core.Document) error {
	return s.BatchSet(ctx, map[string]core.Document{path: doc})
}

// Delete implements core.DocumentStore.
func (s *SQLStore) Delete(ctx context.Context, path string) error {
	if s.closed.Load() {
		return core.ErrStoreClosed
	}
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM %s WHERE collection = ? AND id = ?"), collection, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// BatchSet implements core.DocumentStore. The batch is written in one
// database transaction.
func (s *SQLStore) BatchSet(ctx context.Context, docs map[string]core.Document) error {
	if s.closed.Load() {
		return core.ErrStoreClosed
	}
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, path := range sortedKeys(docs) {
		if err := s.upsert(ctx, tx, path, docs[path]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to write %d documents: %w", len(docs), err)
	}
	s.logger.Debug().Int("documents", len(docs)).Msg("batch written")
	return nil
}

func (s *SQLStore) upsert(ctx context.Context, tx *sql.Tx, path string, doc core.Document) error {
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return err
	}
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(s.dialect.upsert), collection, id, string(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// List implements core.DocumentStore.
func (s *SQLStore) List(ctx context.Context, collection, after string, limit int) ([]core.Snapshot, error) {
	if s.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	query := "SELECT id, body FROM %s WHERE collection = ? AND id > ? ORDER BY id"
	args := []any{strings.Trim(collection, "/"), after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []core.Snapshot
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		doc, err := core.DecodeDocument([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, core.Snapshot{ID: id, Data: doc})
	}
	return out, rows.Err()
}

// RunTransaction implements core.DocumentStore. Reads record the version
// they saw; the commit applies every write conditionally on that version in
// one database transaction and re-runs fn when any condition fails.
func (s *SQLStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Transaction) error) error {
	if s.closed.Load() {
		return core.ErrStoreClosed
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &sqlTx{store: s, reads: make(map[string]int64), writes: make(map[string]*core.Document)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commit(ctx, tx)
		if errors.Is(err, core.ErrTxConflict) {
			s.logger.Debug().Int("attempt", attempt+1).Msg("transaction conflict, retrying")
			continue
		}
		return err
	}
	return core.ErrTxConflict
}

func (s *SQLStore) commit(ctx context.Context, t *sqlTx) error {
	if len(t.writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Reads that are not written must still be unchanged at commit.
	for _, path := range sortedKeys(t.reads) {
		if _, written := t.writes[path]; written {
			continue
		}
		_, version, err := s.load(ctx, tx, path, true)
		if err != nil {
			return err
		}
		if version != t.reads[path] {
			return core.ErrTxConflict
		}
	}

	for _, path := range sortedKeys(t.writes) {
		if err := s.applyWrite(ctx, tx, t, path); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) applyWrite(ctx context.Context, tx *sql.Tx, t *sqlTx, path string) error {
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return err
	}
	doc := t.writes[path]
	seen, read := t.reads[path]

	var res sql.Result
	switch {
	case doc == nil && !read:
		_, err = tx.ExecContext(ctx, s.q("DELETE FROM %s WHERE collection = ? AND id = ?"), collection, id)
		return err
	case doc == nil && seen == 0:
		// Expected absent; fail if it appeared since.
		_, version, err := s.load(ctx, tx, path, true)
		if err != nil {
			return err
		}
		if version != 0 {
			return core.ErrTxConflict
		}
		return nil
	case doc == nil:
		res, err = tx.ExecContext(ctx, s.q("DELETE FROM %s WHERE collection = ? AND id = ? AND version = ?"), collection, id, seen)
	default:
		data, encErr := core.EncodeDocument(*doc)
		if encErr != nil {
			return encErr
		}
		switch {
		case !read:
			return s.upsert(ctx, tx, path, *doc)
		case seen == 0:
			res, err = tx.ExecContext(ctx, s.q(s.dialect.insertNew), collection, id, string(data))
		default:
			res, err = tx.ExecContext(ctx, s.q("UPDATE %s SET body = ?, version = version + 1 WHERE collection = ? AND id = ? AND version = ?"),
				string(data), collection, id, seen)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if n != 1 {
		return core.ErrTxConflict
	}
	return nil
}

// Close implements core.DocumentStore.
func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

type sqlTx struct {
	store  *SQLStore
	reads  map[string]int64
	writes map[string]*core.Document
}

func (t *sqlTx) Get(ctx context.Context, path string) (core.Document, error) {
	if doc, ok := t.writes[path]; ok {
		if doc == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}
		data, err := core.EncodeDocument(*doc)
		if err != nil {
			return nil, err
		}
		return core.DecodeDocument(data)
	}

	doc, version, err := t.store.load(ctx, t.store.db, path, false)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[path]; !seen {
		t.reads[path] = version
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	return doc, nil
}

func (t *sqlTx) Set(path string, doc core.Document) {
	t.writes[path] = &doc
}

func (t *sqlTx) Delete(path string) {
	t.writes[path] = nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SQLStoreFactory creates SQL document stores of one type.
type SQLStoreFactory struct {
	storeType string
}

// Type returns the type identifier for this factory.
func (f *SQLStoreFactory) Type() string {
	return f.storeType
}

// Create implements kvstore.StoreFactory.
func (f *SQLStoreFactory) Create(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error) {
	return NewSQLStore(ctx, f.storeType, cfg.SQL, logger)
}

// SQLConfigValidator validates the SQL store section for one type.
type SQLConfigValidator struct {
	storeType string
}

// Type returns the type identifier for this validator.
func (v *SQLConfigValidator) Type() string {
	return v.storeType
}

// Validate implements config.ConfigValidator.
func (v *SQLConfigValidator) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.Store.Type != v.storeType {
		return fmt.Errorf("invalid type for %s validator: %s", v.storeType, cfg.Store.Type)
	}

	sc := cfg.Store.SQL
	if sc.Table != "" && !tableNamePattern.MatchString(sc.Table) {
		return fmt.Errorf("invalid table name %q", sc.Table)
	}
	if v.storeType == TypeSQLite {
		if sc.Path == "" {
			return fmt.Errorf("path is required for SQLite")
		}
		return nil
	}

	if sc.Host == "" {
		return fmt.Errorf("host is required for %s", v.storeType)
	}
	if sc.Port <= 0 || sc.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", sc.Port)
	}
	if sc.Database == "" {
		return fmt.Errorf("database name is required for %s", v.storeType)
	}
	if sc.Username == "" {
		return fmt.Errorf("username is required for %s", v.storeType)
	}
	if sc.MaxOpenConns < 0 || sc.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes must be non-negative")
	}
	if sc.MaxIdleConns > sc.MaxOpenConns && sc.MaxOpenConns > 0 {
		return fmt.Errorf("max_idle_conns (%d) cannot exceed max_open_conns (%d)", sc.MaxIdleConns, sc.MaxOpenConns)
	}
	return nil
}

func init() {
	for _, t := range []string{TypeMySQL, TypePostgreSQL, TypeSQLite} {
		kvstore.RegisterFactory(&SQLStoreFactory{storeType: t})
		config.RegisterValidator(&SQLConfigValidator{storeType: t})
	}
}
