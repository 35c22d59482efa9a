package projection

import (
	"context"
	"fmt"

	"github.com/example/whizbang/internal/readmodel"
)

// Result is the declarative outcome of applying one event. The set of
// variants is closed: Upsert, Update, Delete, Batch, Custom and None.
type Result interface {
	result()
}

// Upsert inserts or replaces the document with ID.
type Upsert struct {
	Collection string
	ID         string
	Doc        readmodel.Document
}

// Mutator derives the new state of a matched document. It receives a copy and
// must be deterministic.
type Mutator func(id string, doc readmodel.Document) (readmodel.Document, error)

// Update mutates every document matching Where. Matching IDs are resolved
// once when the result is applied; the mutator then runs per ID. When nothing
// matches and CreateIfMissing is set, its document is inserted instead.
type Update struct {
	Collection      string
	Where           readmodel.Predicate
	Mutate          Mutator
	CreateIfMissing func() (id string, doc readmodel.Document)
}

// Delete removes every document matching Where.
type Delete struct {
	Collection string
	Where      readmodel.Predicate
}

// Batch applies its results in order within one transaction.
type Batch []Result

// Custom hands the transaction to caller code. The engine cannot check that
// Op is deterministic or idempotent; that is the caller's responsibility.
type Custom struct {
	Name string
	Op   func(ctx context.Context, tx readmodel.Tx) error
}

// None changes nothing.
type None struct{}

func (Upsert) result() {}
func (Update) result() {}
func (Delete) result() {}
func (Batch) result()  {}
func (Custom) result() {}
func (None) result()   {}

// UpsertOf converts v to a document and returns an Upsert of it.
func UpsertOf(collection, id string, v any) (Upsert, error) {
	doc, err := readmodel.DocumentFrom(v)
	if err != nil {
		return Upsert{}, err
	}
	return Upsert{Collection: collection, ID: id, Doc: doc}, nil
}

// Set returns a Mutator that assigns top-level fields.
func Set(fields map[string]any) Mutator {
	patch, err := readmodel.DocumentFrom(fields)
	return func(_ string, doc readmodel.Document) (readmodel.Document, error) {
		if err != nil {
			return nil, err
		}
		for k, v := range patch {
			doc[k] = v
		}
		return doc, nil
	}
}

// Combine flattens results into a single Result, dropping None.
func Combine(results ...Result) Result {
	var out Batch
	for _, r := range results {
		switch v := r.(type) {
		case nil, None:
		case Batch:
			if inner := Combine(v...); !isNone(inner) {
				out = append(out, inner)
			}
		default:
			out = append(out, v)
		}
	}
	switch len(out) {
	case 0:
		return None{}
	case 1:
		return out[0]
	}
	return out
}

func isNone(r Result) bool {
	_, ok := r.(None)
	return ok
}

// Apply executes r against tx.
func Apply(ctx context.Context, tx readmodel.Tx, r Result) error {
	switch v := r.(type) {
	case nil, None:
		return nil
	case Upsert:
		return tx.Put(ctx, v.Collection, v.ID, v.Doc)
	case Update:
		return applyUpdate(ctx, tx, v)
	case Delete:
		if v.Where == nil {
			return fmt.Errorf("delete %s: predicate is required", v.Collection)
		}
		ids, err := tx.Find(ctx, v.Collection, v.Where)
		if err != nil {
			return fmt.Errorf("resolve %s for delete: %w", v.Collection, err)
		}
		for _, id := range ids {
			if err := tx.Delete(ctx, v.Collection, id); err != nil {
				return fmt.Errorf("delete %s/%s: %w", v.Collection, id, err)
			}
		}
		return nil
	case Batch:
		for i, sub := range v {
			if err := Apply(ctx, tx, sub); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
		}
		return nil
	case Custom:
		if v.Op == nil {
			return nil
		}
		if err := v.Op(ctx, tx); err != nil {
			return fmt.Errorf("custom %s: %w", v.Name, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported result %T", r)
}

func applyUpdate(ctx context.Context, tx readmodel.Tx, u Update) error {
	if u.Where == nil || u.Mutate == nil {
		return fmt.Errorf("update %s: predicate and mutator are required", u.Collection)
	}
	ids, err := tx.Find(ctx, u.Collection, u.Where)
	if err != nil {
		return fmt.Errorf("resolve %s for update: %w", u.Collection, err)
	}
	if len(ids) == 0 {
		if u.CreateIfMissing == nil {
			return nil
		}
		id, doc := u.CreateIfMissing()
		return tx.Put(ctx, u.Collection, id, doc)
	}
	for _, id := range ids {
		doc, err := tx.Get(ctx, u.Collection, id)
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", u.Collection, id, err)
		}
		next, err := u.Mutate(id, doc)
		if err != nil {
			return fmt.Errorf("mutate %s/%s: %w", u.Collection, id, err)
		}
		if err := tx.Put(ctx, u.Collection, id, next); err != nil {
			return fmt.Errorf("put %s/%s: %w", u.Collection, id, err)
		}
	}
	return nil
}

// ApplyTo executes r against s in its own transaction.
func ApplyTo(ctx context.Context, s readmodel.Store, r Result) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := Apply(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}
