package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

// GetCert reads opaque ACME material by key.
func (r *Repository) GetCert(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT data FROM acme_cache WHERE key = $1`
	var data []byte
	if err := r.pool.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// PutCert stores opaque ACME material by key.
func (r *Repository) PutCert(ctx context.Context, key string, data []byte) error {
	const query = `INSERT INTO acme_cache (key, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, key, data, time.Now().UTC())
	return err
}

// DeleteCert removes ACME material by key.
func (r *Repository) DeleteCert(ctx context.Context, key string) error {
	const query = `DELETE FROM acme_cache WHERE key = $1`
	_, err := r.pool.Exec(ctx, query, key)
	return err
}
