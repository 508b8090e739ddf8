package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type APIClientsRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.APIClient, error)
	Upsert(ctx context.Context, c model.APIClient) error
}

type APIClientsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAPIClientsRepository(db *sqlx.DB) *APIClientsRepositoryImpl {
	return &APIClientsRepositoryImpl{db: db}
}

var _ APIClientsRepository = (*APIClientsRepositoryImpl)(nil)

// GetByAPIKey returns nil, nil when the key is unknown.
func (r *APIClientsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.APIClient, error) {
	var c model.APIClient
	err := r.db.GetContext(ctx, &c, `
		SELECT id, name, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM api_clients
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert inserts a client or refreshes name/status/limit of an existing key.
func (r *APIClientsRepositoryImpl) Upsert(ctx context.Context, c model.APIClient) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_clients (name, api_key, status, rate_limit_rps, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
		    name = VALUES(name),
		    status = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps),
		    updated_at = NOW()
	`, c.Name, c.APIKey, c.Status, c.RateLimitRPS)
	return err
}
