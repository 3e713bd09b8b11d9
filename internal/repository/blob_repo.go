// Package repository provides SQLite-backed data access.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/session-hub/backend/internal/model"
)

// BlobRepository stores opaque blobs keyed by name in the hub_blobs table.
// It satisfies store.Store.
type BlobRepository struct {
	db *sql.DB
}

// NewBlobRepository creates a new BlobRepository.
func NewBlobRepository(db *sql.DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// Get retrieves the blob stored under key.
func (r *BlobRepository) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM hub_blobs WHERE key = ?`

	var blob []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}

	return blob, nil
}

// Put inserts or replaces the blob stored under key.
func (r *BlobRepository) Put(ctx context.Context, key string, blob []byte) error {
	query := `
		INSERT INTO hub_blobs (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if blob == nil {
		blob = []byte{}
	}
	if _, err := r.db.ExecContext(ctx, query, key, blob, time.Now()); err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}

	return nil
}
