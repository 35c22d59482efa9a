package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/whizbang/internal/readmodel"
)

const documentsTable = "documents"

// ReadModel is a readmodel.Store keeping canonical JSON documents in one
// table, queried as jsonb. Shadows are sibling tables renamed over the live
// one on promotion.
type ReadModel struct {
	store *Store
	table string
}

// ReadModel returns the live read-model store of s.
func (s *Store) ReadModel() *ReadModel {
	return &ReadModel{store: s, table: documentsTable}
}

// Begin implements readmodel.Store.
func (m *ReadModel) Begin(ctx context.Context) (readmodel.Tx, error) {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read-model tx: %w", err)
	}
	return &readTx{tx: tx, table: pq.QuoteIdentifier(m.table)}, nil
}

// Shadow implements readmodel.Store.
func (m *ReadModel) Shadow(ctx context.Context, scope ...string) (readmodel.Shadow, error) {
	table := m.table + "_shadow_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := m.store.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS INCLUDING CONSTRAINTS INCLUDING INDEXES)`,
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(m.table)))
	if err != nil {
		return nil, fmt.Errorf("create shadow %s: %w", table, err)
	}
	return &shadow{ReadModel: ReadModel{store: m.store, table: table}, live: m, scope: scope}, nil
}

// Clear implements readmodel.Store.
func (m *ReadModel) Clear(ctx context.Context, scope ...string) error {
	_, err := m.store.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s`, pq.QuoteIdentifier(m.table), scopeClause),
		readmodel.ReservedPrefix, pq.Array(scope))
	if err != nil {
		return fmt.Errorf("clear %s: %w", m.table, err)
	}
	return nil
}

// Export implements readmodel.Exporter.
func (m *ReadModel) Export(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := m.store.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT collection, id, doc FROM %s WHERE NOT starts_with(collection, $1)`, pq.QuoteIdentifier(m.table)),
		readmodel.ReservedPrefix)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", m.table, err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var collection, id, doc string
		if err := rows.Scan(&collection, &id, &doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if out[collection] == nil {
			out[collection] = make(map[string]string)
		}
		out[collection][id] = doc
	}
	return out, rows.Err()
}

// scopeClause matches rows that Clear and Promote act on. It takes the
// reserved prefix and the scope array; an empty array means every
// non-reserved collection.
const scopeClause = `NOT starts_with(collection, $1)
	AND (coalesce(cardinality($2::text[]), 0) = 0 OR collection = ANY($2::text[]))`

type shadow struct {
	ReadModel
	live  *ReadModel
	scope []string

	mu     sync.Mutex
	closed bool
}

func (s *shadow) Begin(ctx context.Context) (readmodel.Tx, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, readmodel.ErrShadowClosed
	}
	return s.ReadModel.Begin(ctx)
}

func (s *shadow) Shadow(context.Context, ...string) (readmodel.Shadow, error) {
	return nil, readmodel.ErrSwapUnsupported
}

// Promote carries the live collections outside the scope over and renames
// the shadow table over the live one. DDL is transactional, so readers see
// either model whole.
func (s *shadow) Promote(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return readmodel.ErrShadowClosed
	}

	live := pq.QuoteIdentifier(s.live.table)
	next := pq.QuoteIdentifier(s.table)
	retired := s.live.table + "_retired_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	err := s.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (collection, id, doc)
			 SELECT collection, id, doc FROM %s WHERE NOT (%s)
			 ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc`, next, live, scopeClause),
			readmodel.ReservedPrefix, pq.Array(s.scope),
		); err != nil {
			return fmt.Errorf("carry unscoped collections: %w", err)
		}
		for _, stmt := range []string{
			fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, live, pq.QuoteIdentifier(retired)),
			fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, next, live),
			fmt.Sprintf(`DROP TABLE %s`, pq.QuoteIdentifier(retired)),
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("swap tables: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.closed = true
	return nil
}

func (s *shadow) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, err := s.store.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pq.QuoteIdentifier(s.table)); err != nil {
		return fmt.Errorf("drop shadow %s: %w", s.table, err)
	}
	s.closed = true
	return nil
}

// readTx holds a quoted table name.
type readTx struct {
	tx    *sql.Tx
	table string
	done  bool
}

func (t *readTx) Get(ctx context.Context, collection, id string) (readmodel.Document, error) {
	if t.done {
		return nil, readmodel.ErrTxDone
	}
	var data string
	err := t.tx.QueryRowContext(ctx,
		`SELECT doc FROM `+t.table+` WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", readmodel.ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return readmodel.ParseDocument([]byte(data))
}

func (t *readTx) Put(ctx context.Context, collection, id string, doc readmodel.Document) error {
	if t.done {
		return readmodel.ErrTxDone
	}
	data, err := doc.Canonical()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO `+t.table+` (collection, id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc`,
		collection, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *readTx) Delete(ctx context.Context, collection, id string) error {
	if t.done {
		return readmodel.ErrTxDone
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM `+t.table+` WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Find runs IDs, Equals and All of those as SQL. Other predicates are
// evaluated in process over the collection.
func (t *readTx) Find(ctx context.Context, collection string, pred readmodel.Predicate) ([]string, error) {
	if t.done {
		return nil, readmodel.ErrTxDone
	}
	q := &query{args: []any{collection}}
	where, ok := q.translate(pred)
	if !ok {
		return t.scan(ctx, collection, pred)
	}

	stmt := `SELECT id FROM ` + t.table + ` WHERE collection = $1`
	if where != "" {
		stmt += " AND " + where
	}
	rows, err := t.tx.QueryContext(ctx, stmt+" ORDER BY id", q.args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *readTx) scan(ctx context.Context, collection string, pred readmodel.Predicate) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, doc FROM `+t.table+` WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := readmodel.ParseDocument([]byte(data))
		if err != nil {
			return nil, err
		}
		if pred.Match(id, doc) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (t *readTx) Commit() error {
	if t.done {
		return readmodel.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit read-model tx: %w", err)
	}
	return nil
}

func (t *readTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// query accumulates positional arguments while a predicate is translated.
type query struct {
	args []any
}

func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// translate returns a condition equivalent to pred, or false when pred has
// no SQL form. On false the bound arguments are unusable.
func (q *query) translate(pred readmodel.Predicate) (string, bool) {
	switch p := pred.(type) {
	case readmodel.IDs:
		if len(p) == 0 {
			return "FALSE", true
		}
		ids := append([]string(nil), p...)
		sort.Strings(ids)
		return "id = ANY(" + q.bind(pq.Array(ids)) + ")", true
	case readmodel.Equals:
		return q.equals(p)
	case readmodel.All:
		var clauses []string
		for _, sub := range p {
			where, ok := q.translate(sub)
			if !ok {
				return "", false
			}
			if where == "" {
				continue
			}
			clauses = append(clauses, "("+where+")")
		}
		return strings.Join(clauses, " AND "), true
	}
	return "", false
}

// equals compares jsonb values, so types must agree and numbers compare
// numerically. A missing field matches only nil.
func (q *query) equals(p readmodel.Equals) (string, bool) {
	path := q.bind(pq.Array(strings.Split(p.Path, ".")))
	field := "(doc::jsonb #> " + path + "::text[])"
	switch p.Value.(type) {
	case nil:
		return "(" + field + " IS NULL OR jsonb_typeof" + field + " = 'null')", true
	case bool, string, float64:
		data, err := json.Marshal(p.Value)
		if err != nil {
			return "", false
		}
		return field + " = " + q.bind(string(data)) + "::jsonb", true
	}
	return "", false
}
