package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"bloodline/internal/domain"
)

// HashAPIKey returns the hex sha256 of a raw key. Only hashes are stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r *Repo) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO api_keys (id, actor_id, name, key_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func (r *Repo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, actor_id, name, key_hash, created_at FROM api_keys WHERE key_hash = ?`, keyHash)
	var k domain.APIKey
	var name sql.NullString
	if err := row.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.Name = name.String
	return &k, nil
}

func (r *Repo) ListAPIKeysByActor(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, actor_id, name, key_hash, created_at
		FROM api_keys WHERE actor_id = ? ORDER BY created_at, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.ActorID, &name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.Name = name.String
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
