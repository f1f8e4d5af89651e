package repository

import (
	"context"
	"time"

	"github.com/deskworks/support-desk/internal/domain"
)

// VerificationRepository tracks identity-verification sessions.
type VerificationRepository interface {
	Create(ctx context.Context, session *domain.VerificationSession) error
	GetBySessionID(ctx context.Context, sessionID string) (*domain.VerificationSession, error)
	Complete(ctx context.Context, id string, status domain.VerificationStatus, at time.Time) error
}

type verificationRepository struct {
	db DBTX
}

func (r *verificationRepository) Create(ctx context.Context, session *domain.VerificationSession) error {
	const query = `
        INSERT INTO verification_sessions (ticket_id, session_id, status)
        VALUES ($1,$2,$3)
        RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query, session.TicketID, session.SessionID, session.Status).
		Scan(&session.ID, &session.CreatedAt)
	return mapError(err)
}

func (r *verificationRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.VerificationSession, error) {
	const query = `
        SELECT id, ticket_id, session_id, status, created_at, completed_at
        FROM verification_sessions WHERE session_id=$1`
	var s domain.VerificationSession
	if err := r.db.QueryRow(ctx, query, sessionID).Scan(
		&s.ID,
		&s.TicketID,
		&s.SessionID,
		&s.Status,
		&s.CreatedAt,
		&s.CompletedAt,
	); err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (r *verificationRepository) Complete(ctx context.Context, id string, status domain.VerificationStatus, at time.Time) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE verification_sessions SET status=$1, completed_at=$2 WHERE id=$3`, status, at, id)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
