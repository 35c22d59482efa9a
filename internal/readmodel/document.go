// Package readmodel defines the transactional document store projections
// write to, and an in-memory implementation of it.
package readmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Document is a JSON object. Stores persist its canonical encoding, so two
// documents with equal fields are stored byte-for-byte identically.
type Document map[string]any

// DocumentFrom converts a JSON-serializable value into a Document.
func DocumentFrom(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes a JSON object. Numbers decode as float64.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Canonical returns the stored form: JSON with object keys sorted.
func (d Document) Canonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	data, err := d.Canonical()
	if err != nil {
		panic(err)
	}
	out, err := ParseDocument(data)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	data, err := d.Canonical()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Lookup returns the value at a dotted path such as "customer.id".
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
