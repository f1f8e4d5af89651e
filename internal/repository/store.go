package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateMessageID signals that a message with the same email
	// Message-ID was already committed.
	ErrDuplicateMessageID = errors.New("repository: duplicate email message id")
	// ErrConflict covers every other uniqueness violation.
	ErrConflict = errors.New("repository: conflict")
)

const (
	uniqueViolation           = "23505"
	messageIDUniqueConstraint = "ticket_messages_email_message_id_key"
)

// DBTX is satisfied by both the pool and an open transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store groups the repositories the services work with. WithinTx runs fn
// against a Store whose repositories share one transaction.
type Store interface {
	Customers() CustomerRepository
	PGPKeys() PGPKeyRepository
	Tickets() TicketRepository
	Messages() TicketMessageRepository
	Attachments() AttachmentRepository
	Verifications() VerificationRepository
	History() TicketHistoryRepository
	WithinTx(ctx context.Context, fn func(Store) error) error
}

type pgStore struct {
	pool *pgxpool.Pool
	db   DBTX
	inTx bool
}

// NewPostgresStore returns a Store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool, db: pool}
}

func (s *pgStore) Customers() CustomerRepository         { return &customerRepository{db: s.db} }
func (s *pgStore) PGPKeys() PGPKeyRepository             { return &pgpKeyRepository{db: s.db} }
func (s *pgStore) Tickets() TicketRepository             { return &ticketRepository{db: s.db} }
func (s *pgStore) Messages() TicketMessageRepository     { return &ticketMessageRepository{db: s.db} }
func (s *pgStore) Attachments() AttachmentRepository     { return &attachmentRepository{db: s.db} }
func (s *pgStore) Verifications() VerificationRepository { return &verificationRepository{db: s.db} }
func (s *pgStore) History() TicketHistoryRepository      { return &ticketHistoryRepository{db: s.db} }

func (s *pgStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgStore{pool: s.pool, db: tx, inTx: true})
	})
	return mapError(err)
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == messageIDUniqueConstraint {
			return ErrDuplicateMessageID
		}
		return errors.Join(ErrConflict, err)
	}
	return err
}
