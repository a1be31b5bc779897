// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

// ErrMalformedBody is returned when a payload is not a JSON object.
var ErrMalformedBody = errors.New("malformed body")

// Payload is the JSON object carried in a message body.
type Payload map[string]any

// Envelope is one broker message: a type tag and its payload.
type Envelope struct {
	Type    CommandType
	Payload Payload
}

// Body encodes the payload as a JSON object. A nil payload encodes as {}.
func (e Envelope) Body() ([]byte, error) {
	if e.Payload == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Type, err)
	}
	return b, nil
}

// DecodePayload reads a JSON object. An empty input yields an empty payload;
// anything other than a single object is ErrMalformedBody. Numbers are kept
// as json.Number so they round-trip unchanged.
func DecodePayload(r io.Reader) (Payload, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return Payload{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedBody)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedBody)
	}
	return Payload(obj), nil
}

// merge returns a copy of p with fields set on top.
func (p Payload) merge(fields Payload) Payload {
	out := make(Payload, len(p)+len(fields))
	maps.Copy(out, p)
	maps.Copy(out, fields)
	return out
}
