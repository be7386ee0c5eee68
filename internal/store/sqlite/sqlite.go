// Package sqlite is the SQLite-backed record store. Every table lives in
// one records relation keyed by (base, table, id) with the fields kept as
// a JSON document, so tables stay schemaless.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/serenissima/engine/internal/store"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements store.Store on SQLite.
type Store struct {
	db   *sqlx.DB
	base string
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens or creates a SQLite database at path and scopes every
// record to base.
func Open(path, base string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := New(conn, base)
	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenMemory opens a private in-memory database.
func OpenMemory(base string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Each pooled connection would otherwise get its own empty database.
	conn.SetMaxOpenConns(1)
	s := New(conn, base)
	if err := s.Migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an existing connection without migrating it.
func New(conn *sqlx.DB, base string) *Store {
	return &Store{db: conn, base: base, now: time.Now}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the records relation.
func (s *Store) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		base TEXT NOT NULL,
		tbl TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_base_tbl ON records(base, tbl);
	`
	_, err := s.db.Exec(schema)
	return err
}

type row struct {
	ID        string `db:"id"`
	Fields    string `db:"fields_json"`
	CreatedAt string `db:"created_at"`
}

func (r row) record() (*store.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(r.Fields)))
	dec.UseNumber()
	fields := store.Fields{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
	}
	created, _ := time.Parse(timeLayout, r.CreatedAt)
	return &store.Record{ID: r.ID, CreatedTime: created, Fields: fields}, nil
}

// Get fetches one record by internal id.
func (s *Store) Get(ctx context.Context, table, id string) (*store.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		"SELECT id, fields_json, created_at FROM records WHERE base = ? AND tbl = ? AND id = ?",
		s.base, table, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return r.record()
}

// All lists the records of a table matching q, in creation order unless
// q sorts them.
func (s *Store) All(ctx context.Context, table string, q store.Query) ([]*store.Record, error) {
	query, args := listQuery(s.base, table, q.Filter)
	var rows []row
	err := s.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	recs := make([]*store.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return store.Apply(recs, q), nil
}

// listQuery narrows the scan with the filter's text equalities. Fields
// that hold a number or a boolean pass through, since Apply compares
// them by their text form.
func listQuery(base, table string, f store.Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT id, fields_json, created_at FROM records WHERE base = ? AND tbl = ?")
	args := []any{base, table}
	if f != nil {
		eqs := store.Equalities(f)
		fields := make([]string, 0, len(eqs))
		for field := range eqs {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			path := `$."` + field + `"`
			sb.WriteString(" AND (json_type(fields_json, ?) <> 'text' OR json_extract(fields_json, ?) = ?)")
			args = append(args, path, path, eqs[field])
		}
	}
	sb.WriteString(" ORDER BY seq")
	return sb.String(), args
}

// Create inserts a record and returns it with its new id.
func (s *Store) Create(ctx context.Context, table string, fields store.Fields) (*store.Record, error) {
	clean := fields.Clone()
	for k, v := range clean {
		if v == nil {
			delete(clean, k)
		}
	}
	body, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", table, err)
	}
	id := store.NewRecordID()
	created := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (id, base, tbl, fields_json, created_at) VALUES (?, ?, ?, ?, ?)",
		id, s.base, table, string(body), created.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return row{ID: id, Fields: string(body), CreatedAt: created.Format(timeLayout)}.record()
}

// Update merges fields into an existing record. A nil value removes the
// field.
func (s *Store) Update(ctx context.Context, table, id string, fields store.Fields) (*store.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s/%s: %w", table, id, err)
	}
	defer tx.Rollback()

	var r row
	err = tx.GetContext(ctx, &r,
		"SELECT id, fields_json, created_at FROM records WHERE base = ? AND tbl = ? AND id = ?",
		s.base, table, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", table, id, err)
	}
	rec, err := r.record()
	if err != nil {
		return nil, err
	}
	for k, v := range fields.Clone() {
		if v == nil {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}
	body, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE records SET fields_json = ? WHERE base = ? AND tbl = ? AND id = ?",
		string(body), s.base, table, id); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s/%s: %w", table, id, err)
	}
	r.Fields = string(body)
	return r.record()
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE base = ? AND tbl = ? AND id = ?", s.base, table, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	return nil
}
