// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// Result is one projected document.
type Result struct {
	ID        string
	Type      string
	TxID      uint64
	TxTime    time.Time
	ValidTime time.Time
	Attrs     map[string]any
}

// Str returns a string attribute, or "" when absent or not a string.
func (r Result) Str(attr string) string {
	s, _ := r.Attrs[attr].(string)
	return s
}

// Execute runs q and returns the matching documents in order. An empty
// result is not an error.
func (s *Store) Execute(ctx context.Context, q *Query) ([]Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	asOf := q.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	asOf = asOf.UTC()

	// The visible version of each document is its latest transaction known
	// at asOf. Tombstones hide the document.
	visible := s.db.Model(&Document{}).
		Select("MAX(tx_id)").
		Where("tx_time <= ? AND valid_time <= ?", asOf, asOf).
		Group("doc_id")

	tx := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("tx_id IN (?)", visible).
		Where("deleted = ?", false)

	for _, c := range q.Where {
		if expr := render(c); expr != nil {
			tx = tx.Where(expr)
		}
	}

	sortInMemory := len(q.OrderBy) > 0
	tx = tx.Order("tx_id")
	if !sortInMemory {
		if q.Offset > 0 {
			tx = tx.Offset(q.Offset)
		}
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		}
	}

	var docs []Document
	if err := tx.Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		body, err := decodeBody(d.Body)
		if err != nil {
			return nil, fmt.Errorf("document %s (tx %d) has a corrupt body: %w", d.DocID, d.TxID, err)
		}
		results = append(results, Result{
			ID:        d.DocID,
			Type:      d.Type,
			TxID:      d.TxID,
			TxTime:    d.TxTime.UTC(),
			ValidTime: d.ValidTime.UTC(),
			Attrs:     body,
		})
	}

	if sortInMemory {
		sortResults(results, q.OrderBy)
		results = window(results, q.Offset, q.Limit)
	}

	for i := range results {
		results[i].Attrs = project(results[i], q.Find)
	}
	return results, nil
}

// render turns a clause into a SQL expression. Reserved attributes map to
// columns; anything else is a top-level key of the JSON body.
func render(c Clause) clause.Expression {
	if col, ok := columnFor(c.Attr); ok {
		column := clause.Column{Name: col}
		switch c.Op {
		case OpEq:
			return clause.Eq{Column: column, Value: sqlValue(c.Value)}
		case OpNeq:
			return clause.Neq{Column: column, Value: sqlValue(c.Value)}
		case OpIn:
			vs := c.Value.([]any)
			values := make([]any, len(vs))
			for i, v := range vs {
				values[i] = sqlValue(v)
			}
			return clause.IN{Column: column, Values: values}
		default:
			// Every document has an id and a type.
			return nil
		}
	}

	body := func() *datatypes.JSONQueryExpression { return datatypes.JSONQuery("body") }
	switch c.Op {
	case OpEq:
		return body().Equals(sqlValue(c.Value), c.Attr)
	case OpNeq:
		return clause.And(body().HasKey(c.Attr), clause.Not(body().Equals(sqlValue(c.Value), c.Attr)))
	case OpIn:
		vs := c.Value.([]any)
		if len(vs) == 1 {
			// A lone OR condition would be joined to its neighbours with OR.
			return body().Equals(sqlValue(vs[0]), c.Attr)
		}
		exprs := make([]clause.Expression, len(vs))
		for i, v := range vs {
			exprs[i] = body().Equals(sqlValue(v), c.Attr)
		}
		return clause.Or(exprs...)
	case OpExists:
		return body().HasKey(c.Attr)
	default:
		return nil
	}
}

func columnFor(attr string) (string, bool) {
	switch attr {
	case AttrID:
		return "doc_id", true
	case AttrType:
		return "type", true
	default:
		return "", false
	}
}

// sqlValue narrows decoded JSON numbers so drivers bind them as numbers.
func sqlValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func decodeBody(raw datatypes.JSON) (map[string]any, error) {
	body := map[string]any{}
	if len(raw) == 0 {
		return body, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// project keeps the requested attributes. Reserved attributes come from the
// document metadata.
func project(r Result, find []string) map[string]any {
	if len(find) == 0 {
		return r.Attrs
	}
	out := make(map[string]any, len(find))
	for _, attr := range find {
		switch attr {
		case AttrID:
			out[attr] = r.ID
		case AttrType:
			out[attr] = r.Type
		default:
			if v, ok := r.Attrs[attr]; ok {
				out[attr] = v
			}
		}
	}
	return out
}

func attrOf(r Result, attr string) any {
	switch attr {
	case AttrID:
		return r.ID
	case AttrType:
		return r.Type
	default:
		return r.Attrs[attr]
	}
}

// sortResults orders by the given attributes, then by transaction id so
// that equal keys keep insertion order.
func sortResults(results []Result, orders []Order) {
	sort.SliceStable(results, func(i, j int) bool {
		for _, o := range orders {
			c := compare(attrOf(results[i], o.Attr), attrOf(results[j], o.Attr))
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return results[i].TxID < results[j].TxID
	})
}

// compare orders missing values first, then numbers, timestamps and strings
// by their natural order.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}

	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
		if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(sa, sb)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func window(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return []Result{}
	}
	results = results[offset:]
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results
}

// Lookup returns the visible version of one document. found is false when
// it does not exist or was deleted.
func (s *Store) Lookup(ctx context.Context, docID string, at time.Time) (r Result, found bool, err error) {
	results, err := s.Execute(ctx, Find().Matching(Eq(AttrID, docID)).At(at))
	if err != nil {
		return Result{}, false, err
	}
	if len(results) == 0 {
		return Result{}, false, nil
	}
	return results[0], true, nil
}
