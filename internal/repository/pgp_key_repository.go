package repository

import (
	"context"

	"github.com/deskworks/support-desk/internal/domain"
)

// PGPKeyRepository stores customer OpenPGP public keys.
type PGPKeyRepository interface {
	Create(ctx context.Context, key *domain.CustomerPGPKey) error
	ListByCustomer(ctx context.Context, customerID string) ([]domain.CustomerPGPKey, error)
}

type pgpKeyRepository struct {
	db DBTX
}

func (r *pgpKeyRepository) Create(ctx context.Context, key *domain.CustomerPGPKey) error {
	const query = `
        INSERT INTO customer_pgp_keys (customer_id, fingerprint, armored_key, is_primary)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		key.CustomerID,
		key.Fingerprint,
		key.ArmoredKey,
		key.IsPrimary,
	).Scan(&key.ID, &key.CreatedAt)
	return mapError(err)
}

func (r *pgpKeyRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.CustomerPGPKey, error) {
	const query = `
        SELECT id, customer_id, fingerprint, armored_key, is_primary, created_at
        FROM customer_pgp_keys WHERE customer_id=$1
        ORDER BY is_primary DESC, created_at ASC`
	rows, err := r.db.Query(ctx, query, customerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []domain.CustomerPGPKey
	for rows.Next() {
		var key domain.CustomerPGPKey
		if err := rows.Scan(
			&key.ID,
			&key.CustomerID,
			&key.Fingerprint,
			&key.ArmoredKey,
			&key.IsPrimary,
			&key.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}
