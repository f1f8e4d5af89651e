package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/deskworks/support-desk/internal/domain"
)

// CustomerRepository persists customers keyed by email.
type CustomerRepository interface {
	Create(ctx context.Context, customer *domain.Customer) error
	// GetOrCreate inserts customer unless its email exists and returns the
	// stored row. A concurrent insert of the same email never aborts the
	// surrounding transaction.
	GetOrCreate(ctx context.Context, customer *domain.Customer) (*domain.Customer, error)
	GetByID(ctx context.Context, id string) (*domain.Customer, error)
	GetByEmail(ctx context.Context, email string) (*domain.Customer, error)
	SetBlocked(ctx context.Context, id string, blocked bool) error
}

type customerRepository struct {
	db DBTX
}

const customerColumns = `id, email, full_name, phone, blocked, created_at, updated_at`

func (r *customerRepository) Create(ctx context.Context, customer *domain.Customer) error {
	const query = `
        INSERT INTO customers (email, full_name, phone, blocked)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		NormalizeEmail(customer.Email),
		customer.FullName,
		customer.Phone,
		customer.Blocked,
	).Scan(&customer.ID, &customer.CreatedAt, &customer.UpdatedAt)
	return mapError(err)
}

func (r *customerRepository) GetOrCreate(ctx context.Context, customer *domain.Customer) (*domain.Customer, error) {
	const query = `
        INSERT INTO customers (email, full_name, phone, blocked)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (email) DO NOTHING
        RETURNING ` + customerColumns
	created, err := r.fetch(ctx, query,
		NormalizeEmail(customer.Email),
		customer.FullName,
		customer.Phone,
		customer.Blocked,
	)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return created, err
	}
	// another writer owns the row; a fresh statement sees it once committed
	return r.GetByEmail(ctx, customer.Email)
}

func (r *customerRepository) GetByID(ctx context.Context, id string) (*domain.Customer, error) {
	return r.fetch(ctx, `SELECT `+customerColumns+` FROM customers WHERE id=$1`, id)
}

func (r *customerRepository) GetByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	return r.fetch(ctx, `SELECT `+customerColumns+` FROM customers WHERE email=$1`, NormalizeEmail(email))
}

func (r *customerRepository) SetBlocked(ctx context.Context, id string, blocked bool) error {
	cmd, err := r.db.Exec(ctx, `UPDATE customers SET blocked=$1, updated_at=NOW() WHERE id=$2`, blocked, id)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *customerRepository) fetch(ctx context.Context, query string, args ...any) (*domain.Customer, error) {
	var c domain.Customer
	if err := r.db.QueryRow(ctx, query, args...).Scan(
		&c.ID,
		&c.Email,
		&c.FullName,
		&c.Phone,
		&c.Blocked,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
