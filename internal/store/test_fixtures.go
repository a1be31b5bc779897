// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bob-cd/apiserver/internal/config"

	"github.com/stretchr/testify/require"
)

// StoreFixture represents a store setup with cleanup
type StoreFixture struct {
	Store   *Store
	Cleanup func()
}

// UseFreshDatabase creates a SQLite store in the test's temp dir with
// AutoMigrate applied. Each call gets its own file so tests never share state.
func UseFreshDatabase(t *testing.T) *StoreFixture {
	t.Helper()

	sc := config.StorageConfig{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "bob.db"),
	}
	cc := config.ConnectionConfig{RetryAttempts: 1, RetryDelay: time.Millisecond}

	s, err := Open(context.Background(), sc, cc)
	require.NoError(t, err, "Failed to open test store")

	err = s.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on test store")

	return &StoreFixture{
		Store: s,
		Cleanup: func() {
			s.Close()
		},
	}
}

// Seed writes a document version at the given time, failing the test on error.
func (f *StoreFixture) Seed(t *testing.T, docID, docType string, body map[string]any, at time.Time) Document {
	t.Helper()
	doc, err := f.Store.Put(context.Background(), docID, docType, body, at)
	require.NoError(t, err, "Failed to seed %s", docID)
	return doc
}

// Tombstone deletes a document at the given time, failing the test on error.
func (f *StoreFixture) Tombstone(t *testing.T, docID string, at time.Time) {
	t.Helper()
	require.NoError(t, f.Store.Delete(context.Background(), docID, at), "Failed to delete %s", docID)
}

// Freeze pins the store clock so reads at "now" are deterministic.
func (f *StoreFixture) Freeze(now time.Time) {
	f.Store.now = func() time.Time { return now }
}
