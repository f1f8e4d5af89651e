package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/deskworks/support-desk/internal/domain"
)

// TicketMessageRepository manages the append-only ticket timeline.
type TicketMessageRepository interface {
	// Create appends msg. A second message carrying the same email
	// Message-ID fails with ErrDuplicateMessageID.
	Create(ctx context.Context, msg *domain.TicketMessage) error
	GetByID(ctx context.Context, id string) (*domain.TicketMessage, error)
	ExistsByEmailMessageID(ctx context.Context, messageID string) (bool, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.TicketMessage, error)
	ListEmailMessageIDs(ctx context.Context, ticketID string) ([]string, error)
}

type ticketMessageRepository struct {
	db DBTX
}

func (r *ticketMessageRepository) Create(ctx context.Context, msg *domain.TicketMessage) error {
	const query = `
        INSERT INTO ticket_messages (ticket_id, type, body, date, email_message_id, author_id,
            pgp_signed, pgp_verified, pgp_key_fingerprint)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		msg.TicketID,
		msg.Type,
		msg.Body,
		msg.Date,
		msg.EmailMessageID,
		msg.AuthorID,
		msg.PGP.Signed,
		msg.PGP.Verified,
		msg.PGP.KeyFingerprint,
	).Scan(&msg.ID, &msg.CreatedAt)
	return mapError(err)
}

func (r *ticketMessageRepository) ExistsByEmailMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ticket_messages WHERE email_message_id=$1)`, messageID,
	).Scan(&exists)
	return exists, mapError(err)
}

const messageColumns = `id, ticket_id, type, body, date, email_message_id, author_id,
               pgp_signed, pgp_verified, pgp_key_fingerprint, created_at`

func (r *ticketMessageRepository) GetByID(ctx context.Context, id string) (*domain.TicketMessage, error) {
	msg, err := scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM ticket_messages WHERE id=$1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return msg, nil
}

func (r *ticketMessageRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM ticket_messages WHERE ticket_id=$1 ORDER BY date ASC, created_at ASC`,
		ticketID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []domain.TicketMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *msg)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (*domain.TicketMessage, error) {
	var msg domain.TicketMessage
	if err := row.Scan(
		&msg.ID,
		&msg.TicketID,
		&msg.Type,
		&msg.Body,
		&msg.Date,
		&msg.EmailMessageID,
		&msg.AuthorID,
		&msg.PGP.Signed,
		&msg.PGP.Verified,
		&msg.PGP.KeyFingerprint,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *ticketMessageRepository) ListEmailMessageIDs(ctx context.Context, ticketID string) ([]string, error) {
	const query = `
        SELECT email_message_id FROM ticket_messages
        WHERE ticket_id=$1 AND email_message_id IS NOT NULL
        ORDER BY date ASC`
	rows, err := r.db.Query(ctx, query, ticketID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
