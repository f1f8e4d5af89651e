package repository

import (
	"context"

	"github.com/deskworks/support-desk/internal/domain"
)

// AttachmentRepository persists attachment bindings. Rows are never updated.
type AttachmentRepository interface {
	Create(ctx context.Context, attachment *domain.TicketMessageAttachment) error
	ListByMessage(ctx context.Context, messageID string) ([]domain.TicketMessageAttachment, error)
}

type attachmentRepository struct {
	db DBTX
}

func (r *attachmentRepository) Create(ctx context.Context, attachment *domain.TicketMessageAttachment) error {
	const query = `
        INSERT INTO ticket_message_attachments (message_id, file_name, locator, content_type, size_bytes)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		attachment.MessageID,
		attachment.FileName,
		attachment.Locator,
		attachment.ContentType,
		attachment.SizeBytes,
	).Scan(&attachment.ID, &attachment.CreatedAt)
	return mapError(err)
}

func (r *attachmentRepository) ListByMessage(ctx context.Context, messageID string) ([]domain.TicketMessageAttachment, error) {
	const query = `
        SELECT id, message_id, file_name, locator, content_type, size_bytes, created_at
        FROM ticket_message_attachments WHERE message_id=$1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, messageID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []domain.TicketMessageAttachment
	for rows.Next() {
		var attachment domain.TicketMessageAttachment
		if err := rows.Scan(
			&attachment.ID,
			&attachment.MessageID,
			&attachment.FileName,
			&attachment.Locator,
			&attachment.ContentType,
			&attachment.SizeBytes,
			&attachment.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, attachment)
	}
	return result, rows.Err()
}
