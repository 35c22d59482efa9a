package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/whizbang/internal/readmodel"
)

const documentsTable = "documents"

// ReadModel is a readmodel.Store keeping documents as canonical JSON in one
// table. Shadows are sibling tables swapped in by renaming.
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
	return &readTx{tx: tx, table: m.table}, nil
}

// Shadow implements readmodel.Store.
func (m *ReadModel) Shadow(ctx context.Context, scope ...string) (readmodel.Shadow, error) {
	table := m.table + "_shadow_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createDocumentsTable(ctx, m.store.db, table); err != nil {
		return nil, err
	}
	return &shadow{ReadModel: ReadModel{store: m.store, table: table}, live: m, scope: scope}, nil
}

// Clear implements readmodel.Store.
func (m *ReadModel) Clear(ctx context.Context, scope ...string) error {
	clause, args := scopeClause(scope)
	_, err := m.store.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE %s`, m.table, clause), args...)
	if err != nil {
		return fmt.Errorf("clear %s: %w", m.table, err)
	}
	return nil
}

// Export implements readmodel.Exporter.
func (m *ReadModel) Export(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := m.store.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT collection, id, doc FROM %q WHERE NOT %s`, m.table, reservedClause),
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

// reservedClause matches rows of reserved collections; it takes the prefix
// as its only argument.
const reservedClause = `substr(collection, 1, length(?1)) = ?1`

// scopeClause matches rows that Clear and Promote act on. The reserved
// prefix binds to ?1 and scope names follow from ?2.
func scopeClause(scope []string) (string, []any) {
	args := []any{readmodel.ReservedPrefix}
	clause := "NOT " + reservedClause
	if len(scope) == 0 {
		return clause, args
	}
	marks := make([]string, len(scope))
	for i, collection := range scope {
		marks[i] = fmt.Sprintf("?%d", i+2)
		args = append(args, collection)
	}
	return clause + " AND collection IN (" + strings.Join(marks, ", ") + ")", args
}

func createDocumentsTable(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %q (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    doc TEXT NOT NULL,
    PRIMARY KEY (collection, id)
)`, table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

type shadow struct {
	ReadModel
	live  *ReadModel
	scope []string

	mu     sync.Mutex
	closed bool
}

func (s *shadow) Begin(ctx context.Context) (readmodel.Tx, error) {
	if s.isClosed() {
		return nil, readmodel.ErrShadowClosed
	}
	return s.ReadModel.Begin(ctx)
}

func (s *shadow) Shadow(context.Context, ...string) (readmodel.Shadow, error) {
	return nil, readmodel.ErrSwapUnsupported
}

// Promote copies the live collections outside the scope into the shadow
// table and renames it over the live one, in one transaction.
func (s *shadow) Promote(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return readmodel.ErrShadowClosed
	}

	retired := s.live.table + "_retired_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	clause, args := scopeClause(s.scope)
	err := s.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT OR REPLACE INTO %q (collection, id, doc)
			 SELECT collection, id, doc FROM %q WHERE NOT (%s)`, s.table, s.live.table, clause),
			args...,
		); err != nil {
			return fmt.Errorf("carry unscoped collections: %w", err)
		}
		for _, stmt := range []string{
			fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, s.live.table, retired),
			fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, s.table, s.live.table),
			fmt.Sprintf(`DROP TABLE %q`, retired),
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
	if _, err := s.store.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, s.table)); err != nil {
		return fmt.Errorf("drop shadow %s: %w", s.table, err)
	}
	s.closed = true
	return nil
}

func (s *shadow) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type readTx struct {
	tx    *sql.Tx
	table string
	done  bool
}

// SQLTx exposes the transaction so checkpoints can join it.
func (t *readTx) SQLTx() *sql.Tx {
	return t.tx
}

func (t *readTx) Get(ctx context.Context, collection, id string) (readmodel.Document, error) {
	if t.done {
		return nil, readmodel.ErrTxDone
	}
	var data string
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %q WHERE collection = ? AND id = ?`, t.table), collection, id,
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
		fmt.Sprintf(`INSERT INTO %q (collection, id, doc) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc`, t.table),
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
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE collection = ? AND id = ?`, t.table), collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Find translates IDs, Equals and All of those into SQL. Other predicates
// are evaluated in process over the collection.
func (t *readTx) Find(ctx context.Context, collection string, pred readmodel.Predicate) ([]string, error) {
	if t.done {
		return nil, readmodel.ErrTxDone
	}
	where, args, ok := translate(pred)
	if ok {
		query := fmt.Sprintf(`SELECT id FROM %q WHERE collection = ?`, t.table)
		if where != "" {
			query += " AND " + where
		}
		query += " ORDER BY id"
		rows, err := t.tx.QueryContext(ctx, query, append([]any{collection}, args...)...)
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

	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, doc FROM %q WHERE collection = ? ORDER BY id`, t.table), collection)
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

// translate returns a SQL condition equivalent to pred, or false when pred
// has no SQL form.
func translate(pred readmodel.Predicate) (string, []any, bool) {
	switch p := pred.(type) {
	case readmodel.IDs:
		if len(p) == 0 {
			return "0", nil, true
		}
		ids := append([]string(nil), p...)
		sort.Strings(ids)
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		return "id IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args, true
	case readmodel.Equals:
		return translateEquals(p)
	case readmodel.All:
		var (
			clauses []string
			args    []any
		)
		for _, sub := range p {
			where, subArgs, ok := translate(sub)
			if !ok {
				return "", nil, false
			}
			if where == "" {
				continue
			}
			clauses = append(clauses, "("+where+")")
			args = append(args, subArgs...)
		}
		if len(clauses) == 0 {
			return "", nil, true
		}
		return strings.Join(clauses, " AND "), args, true
	}
	return "", nil, false
}

// translateEquals compares by JSON type as well as value, so true does not
// match 1 and a missing field matches only nil.
func translateEquals(p readmodel.Equals) (string, []any, bool) {
	path := jsonPath(p.Path)
	switch v := p.Value.(type) {
	case nil:
		return "(json_type(doc, ?) IS NULL OR json_type(doc, ?) = 'null')", []any{path, path}, true
	case bool:
		want := "false"
		if v {
			want = "true"
		}
		return "json_type(doc, ?) = ?", []any{path, want}, true
	case string:
		return "json_type(doc, ?) = 'text' AND json_extract(doc, ?) = ?", []any{path, path, v}, true
	case float64:
		return "json_type(doc, ?) IN ('integer', 'real') AND json_extract(doc, ?) = ?", []any{path, path, v}, true
	}
	return "", nil, false
}

// jsonPath converts a dotted path into a quoted SQLite JSON path.
func jsonPath(dotted string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, part := range strings.Split(dotted, ".") {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(part, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}
