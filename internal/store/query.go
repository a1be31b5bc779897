// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuery is returned for a query that cannot be executed.
var ErrInvalidQuery = errors.New("invalid query")

// Op is a predicate operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpIn     Op = "in"
	OpExists Op = "exists"
)

// Reserved attributes address document metadata rather than body keys.
const (
	AttrID   = "id"
	AttrType = "type"
)

// Clause is one predicate. Clauses in a query are ANDed.
type Clause struct {
	Attr  string `json:"attr"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Order sorts results by an attribute.
type Order struct {
	Attr string `json:"attr"`
	Desc bool   `json:"desc,omitempty"`
}

// Query selects the documents matching every clause as of a point in time
// and projects the listed attributes. It is plain data: building one has no
// side effects and it can be rendered against any store.
type Query struct {
	Find    []string  `json:"find,omitempty"`
	Where   []Clause  `json:"where,omitempty"`
	OrderBy []Order   `json:"order_by,omitempty"`
	Offset  int       `json:"offset,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	AsOf    time.Time `json:"-"`
}

// Find starts a query projecting attrs. No attrs projects the whole body.
func Find(attrs ...string) *Query {
	return &Query{Find: attrs}
}

// Matching adds predicate clauses.
func (q *Query) Matching(clauses ...Clause) *Query {
	q.Where = append(q.Where, clauses...)
	return q
}

// Sorted adds an ordering. Later orderings break ties of earlier ones.
func (q *Query) Sorted(attr string, desc bool) *Query {
	q.OrderBy = append(q.OrderBy, Order{Attr: attr, Desc: desc})
	return q
}

// Page limits the result window. A zero limit means no limit.
func (q *Query) Page(offset, limit int) *Query {
	q.Offset = offset
	q.Limit = limit
	return q
}

// At reads the store as it was at t. A zero t reads the latest state.
func (q *Query) At(t time.Time) *Query {
	q.AsOf = t
	return q
}

// Eq matches documents whose attr equals v.
func Eq(attr string, v any) Clause {
	return Clause{Attr: attr, Op: OpEq, Value: v}
}

// Neq matches documents that have attr with a value other than v.
func Neq(attr string, v any) Clause {
	return Clause{Attr: attr, Op: OpNeq, Value: v}
}

// In matches documents whose attr equals any of vs.
func In(attr string, vs ...any) Clause {
	return Clause{Attr: attr, Op: OpIn, Value: vs}
}

// Exists matches documents that carry attr.
func Exists(attr string) Clause {
	return Clause{Attr: attr, Op: OpExists}
}

// OfType is shorthand for Eq(AttrType, t).
func OfType(t string) Clause {
	return Eq(AttrType, t)
}

// Validate reports the first problem that would stop q from executing.
func (q *Query) Validate() error {
	for _, attr := range q.Find {
		if attr == "" {
			return fmt.Errorf("%w: empty attribute in find", ErrInvalidQuery)
		}
	}
	for i, c := range q.Where {
		if c.Attr == "" {
			return fmt.Errorf("%w: clause %d has no attribute", ErrInvalidQuery, i)
		}
		switch c.Op {
		case OpEq, OpNeq:
			if c.Value == nil {
				return fmt.Errorf("%w: clause %d (%s %s) needs a value", ErrInvalidQuery, i, c.Attr, c.Op)
			}
			if !scalar(c.Value) {
				return fmt.Errorf("%w: clause %d (%s %s) value must be a scalar", ErrInvalidQuery, i, c.Attr, c.Op)
			}
		case OpIn:
			vs, ok := c.Value.([]any)
			if !ok || len(vs) == 0 {
				return fmt.Errorf("%w: clause %d (%s in) needs a non-empty list", ErrInvalidQuery, i, c.Attr)
			}
			for _, v := range vs {
				if !scalar(v) {
					return fmt.Errorf("%w: clause %d (%s in) values must be scalars", ErrInvalidQuery, i, c.Attr)
				}
			}
		case OpExists:
		default:
			return fmt.Errorf("%w: clause %d has unknown operator %q", ErrInvalidQuery, i, c.Op)
		}
	}
	for _, o := range q.OrderBy {
		if o.Attr == "" {
			return fmt.Errorf("%w: empty attribute in order_by", ErrInvalidQuery)
		}
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidQuery, q.Offset)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, q.Limit)
	}
	return nil
}

func scalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, fmt.Stringer:
		return true
	default:
		return false
	}
}
