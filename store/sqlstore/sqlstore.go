// Package sqlstore implements store.Store on SQLite or PostgreSQL.
//
// Entities are rows of the entities table with their fields encoded as JSON;
// every link is one row of the links table, indexed from both ends. Updates
// carry a version predicate, so a stale record fails with
// store.ErrConcurrentModification instead of overwriting newer data.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/jacentio/lattice/store"
)

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

// Dialect selects the SQL flavour and the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect validates a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case SQLite, Postgres:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown sql dialect %q", store.ErrConfiguration, s)
}

// Store implements store.Store using database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the id generator. Defaults to random UUIDs.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database described by dsn. For SQLite, dsn is a file
// path and the pool is limited to one connection.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	if dialect == SQLite && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case SQLite:
		db.SetMaxOpenConns(1)
	case Postgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, dialect, opts...), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction runs fn in one database transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &tx{s: s, q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load implements store.Tx.
func (s *Store) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	return (&tx{s: s, q: s.db}).Load(ctx, ref)
}

// Save implements store.Tx.
func (s *Store) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	var saved *store.Record
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		saved, err = tx.Save(ctx, rec)
		return err
	})
	return saved, err
}

// Delete implements store.Tx.
func (s *Store) Delete(ctx context.Context, ref store.Ref) error {
	return (&tx{s: s, q: s.db}).Delete(ctx, ref)
}

// Links implements store.Tx.
func (s *Store) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	return (&tx{s: s, q: s.db}).Links(ctx, rel, owner)
}

// Backlinks implements store.Tx.
func (s *Store) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	return (&tx{s: s, q: s.db}).Backlinks(ctx, rel, member)
}

// PutLink implements store.Tx.
func (s *Store) PutLink(ctx context.Context, e store.Edge) error {
	return (&tx{s: s, q: s.db}).PutLink(ctx, e)
}

// RemoveLink implements store.Tx.
func (s *Store) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	return (&tx{s: s, q: s.db}).RemoveLink(ctx, rel, owner, member)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct {
	s *Store
	q querier
}

// rebind rewrites "?" placeholders for the store's dialect.
func (t *tx) rebind(query string) string {
	return rebind(t.s.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, t.rebind(query), args...)
}

func (t *tx) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	var (
		version          int64
		fields           []byte
		created, updated int64
	)
	err := t.q.QueryRowContext(ctx,
		t.rebind("SELECT version, fields, created_at, updated_at FROM entities WHERE entity_type = ? AND id = ?"),
		ref.Type, ref.ID,
	).Scan(&version, &fields, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}

	rec := &store.Record{
		Ref:       ref,
		Version:   version,
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	if err := sonic.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", ref, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	return rec, nil
}

func (t *tx) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if rec.Ref.Type == "" {
		return nil, fmt.Errorf("%w: record has no type", store.ErrInvalidReference)
	}
	ref := rec.Ref
	if ref.IsZero() {
		ref.ID = t.s.newID()
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	encoded, err := sonic.MarshalString(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields of %s: %w", ref, err)
	}
	now := t.s.now().UTC().UnixNano()

	if rec.Version == 0 {
		res, err := t.exec(ctx,
			`INSERT INTO entities (entity_type, id, version, fields, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?) ON CONFLICT (entity_type, id) DO NOTHING`,
			ref.Type, ref.ID, encoded, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("%w: %s", store.ErrAlreadyExists, ref)
		}
		return t.Load(ctx, ref)
	}

	res, err := t.exec(ctx,
		`UPDATE entities SET version = version + 1, fields = ?, updated_at = ?
		WHERE entity_type = ? AND id = ? AND version = ?`,
		encoded, now, ref.Type, ref.ID, rec.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := t.Load(ctx, ref)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			store.ErrConcurrentModification, ref, current.Version, rec.Version)
	}
	return t.Load(ctx, ref)
}

func (t *tx) Delete(ctx context.Context, ref store.Ref) error {
	res, err := t.exec(ctx, "DELETE FROM entities WHERE entity_type = ? AND id = ?", ref.Type, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	return nil
}

const linkColumns = "relationship, owner_type, owner_id, member_type, member_id, meta, created_at"

func (t *tx) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	edges, err := t.queryLinks(ctx,
		"SELECT "+linkColumns+" FROM links WHERE relationship = ? AND owner_type = ? AND owner_id = ?",
		rel, owner.Type, owner.ID,
	)
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Member.String() < edges[j].Member.String() })
	return edges, nil
}

func (t *tx) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	edges, err := t.queryLinks(ctx,
		"SELECT "+linkColumns+" FROM links WHERE relationship = ? AND member_type = ? AND member_id = ?",
		rel, member.Type, member.ID,
	)
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Owner.String() < edges[j].Owner.String() })
	return edges, nil
}

func (t *tx) queryLinks(ctx context.Context, query string, args ...any) ([]store.Edge, error) {
	rows, err := t.q.QueryContext(ctx, t.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var edges []store.Edge
	for rows.Next() {
		var (
			e       store.Edge
			meta    []byte
			created int64
		)
		if err := rows.Scan(&e.Relationship, &e.Owner.Type, &e.Owner.ID, &e.Member.Type, &e.Member.ID, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		if len(meta) > 0 {
			if err := sonic.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode link meta: %w", err)
			}
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate links: %w", err)
	}
	return edges, nil
}

func (t *tx) PutLink(ctx context.Context, e store.Edge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now()
	}
	var meta sql.NullString
	if e.Meta != nil {
		encoded, err := sonic.MarshalString(e.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode link meta: %w", err)
		}
		meta = sql.NullString{String: encoded, Valid: true}
	}

	_, err := t.exec(ctx,
		`INSERT INTO links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (relationship, owner_type, owner_id, member_type, member_id)
		DO UPDATE SET meta = excluded.meta, created_at = excluded.created_at`,
		e.Relationship, e.Owner.Type, e.Owner.ID, e.Member.Type, e.Member.ID, meta, e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to put link %s: %w", e.Key(), err)
	}
	return nil
}

func (t *tx) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	_, err := t.exec(ctx,
		`DELETE FROM links WHERE relationship = ? AND owner_type = ? AND owner_id = ?
		AND member_type = ? AND member_id = ?`,
		rel, owner.Type, owner.ID, member.Type, member.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove link: %w", err)
	}
	return nil
}
