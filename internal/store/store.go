// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bob-cd/apiserver/internal/config"
	"github.com/bob-cd/apiserver/internal/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrStoreUnavailable is returned when the store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a write targets a document with no live version.
	ErrNotFound = errors.New("document not found")
)

var (
	storeLog     *zerolog.Logger
	storeLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	storeLogOnce.Do(func() {
		l := logger.GetStoreLogger()
		storeLog = &l
	})
	return storeLog
}

// syncPollInterval is how often Sync re-reads the transaction log head.
const syncPollInterval = 100 * time.Millisecond

// Store is the bitemporal document store. The gateway only reads from it;
// Put and Delete exist for the worker-side tooling and for tests.
type Store struct {
	db     *gorm.DB
	driver string
	now    func() time.Time

	// lastTx is the highest transaction this process wrote.
	lastTx atomic.Uint64
}

func dialector(sc config.StorageConfig) (gorm.Dialector, error) {
	switch sc.Driver {
	case "postgres":
		return postgres.Open(sc.GetDSN()), nil
	case "sqlite":
		return sqlite.Open(sc.GetDSN()), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", sc.Driver)
	}
}

// Open connects to the store, retrying up to the configured number of
// attempts with a fixed delay between them. Exhausting the attempts returns
// ErrStoreUnavailable.
func Open(ctx context.Context, sc config.StorageConfig, cc config.ConnectionConfig) (*Store, error) {
	if _, err := dialector(sc); err != nil {
		return nil, err
	}

	attempt := 0
	db, err := backoff.Retry(ctx, func() (*gorm.DB, error) {
		attempt++
		d, _ := dialector(sc)
		db, err := gorm.Open(d, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			getLog().Warn().Err(err).Int("attempt", attempt).Int("max_attempts", cc.RetryAttempts).Msg("Store connection failed, retrying")
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			getLog().Warn().Err(err).Int("attempt", attempt).Int("max_attempts", cc.RetryAttempts).Msg("Store ping failed, retrying")
			return nil, err
		}
		return db, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cc.RetryDelay)),
		backoff.WithMaxTries(uint(cc.RetryAttempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect after %d attempts: %v", ErrStoreUnavailable, attempt, err)
	}

	getLog().Info().Str("driver", sc.Driver).Int("attempts", attempt).Msg("Connected to store")
	return &Store{db: db, driver: sc.Driver, now: time.Now}, nil
}

// AutoMigrate creates the documents table and its indexes.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Document{}); err != nil {
		return fmt.Errorf("failed to migrate documents: %w", err)
	}
	return nil
}

// Sync blocks until a read observes every transaction this process has
// written, or timeout elapses. It also fails when the store stops answering.
func (s *Store) Sync(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	want := s.lastTx.Load()
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		head, err := s.head(ctx)
		if err == nil && head >= want {
			getLog().Debug().Uint64("tx_id", head).Msg("Store in sync")
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = fmt.Errorf("head at %d, waiting for %d", head, want)
			}
			return fmt.Errorf("%w: sync did not complete within %s: %v", ErrStoreUnavailable, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (s *Store) head(ctx context.Context) (uint64, error) {
	var head uint64
	err := s.db.WithContext(ctx).Model(&Document{}).
		Select("COALESCE(MAX(tx_id), 0)").
		Scan(&head).Error
	return head, err
}

// Status reports whether the store currently answers.
func (s *Store) Status(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put appends a new version of docID. A zero at uses the current time for
// both the transaction and valid time.
func (s *Store) Put(ctx context.Context, docID, docType string, body map[string]any, at time.Time) (Document, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("failed to encode %s: %w", docID, err)
	}
	doc := Document{
		DocID: docID,
		Type:  docType,
		Body:  datatypes.JSON(raw),
	}
	return s.append(ctx, doc, at)
}

// Delete appends a tombstone for docID. Earlier versions stay visible to
// as-of reads before the deletion.
func (s *Store) Delete(ctx context.Context, docID string, at time.Time) error {
	var latest Document
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("tx_id DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", docID, err)
	}
	if latest.TxID == 0 || latest.Deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}

	_, err = s.append(ctx, Document{
		DocID:   docID,
		Type:    latest.Type,
		Deleted: true,
		Body:    datatypes.JSON("{}"),
	}, at)
	return err
}

func (s *Store) append(ctx context.Context, doc Document, at time.Time) (Document, error) {
	if at.IsZero() {
		at = s.now()
	}
	doc.TxTime = at.UTC()
	doc.ValidTime = at.UTC()

	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return Document{}, fmt.Errorf("failed to write %s: %w", doc.DocID, err)
	}

	for {
		prev := s.lastTx.Load()
		if doc.TxID <= prev || s.lastTx.CompareAndSwap(prev, doc.TxID) {
			break
		}
	}
	return doc, nil
}
