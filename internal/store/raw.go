// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseRaw decodes an ad-hoc query and an optional RFC3339 as-of time.
//
//	{"find":["group","name"],
//	 "where":[{"attr":"type","op":"eq","value":"pipeline"}],
//	 "order_by":[{"attr":"name"}],
//	 "offset":0,"limit":10}
func ParseRaw(q, at string) (*Query, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(q)))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var query Query
	if err := dec.Decode(&query); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after query", ErrInvalidQuery)
	}

	asOf, err := ParseAsOf(at)
	if err != nil {
		return nil, err
	}
	query.AsOf = asOf

	if err := query.Validate(); err != nil {
		return nil, err
	}
	return &query, nil
}

// ParseAsOf parses an RFC3339 as-of time. An empty string is the zero time,
// which reads the latest state.
func ParseAsOf(at string) (time.Time, error) {
	if at == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q: %v", ErrInvalidQuery, at, err)
	}
	return t.UTC(), nil
}
