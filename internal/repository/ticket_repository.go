package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/deskworks/support-desk/internal/domain"
)

// TicketFilter captures agent search parameters.
type TicketFilter struct {
	State          *domain.TicketState
	AssignedTo     *string
	Unassigned     bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	Update(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetByRef(ctx context.Context, ref string) (*domain.Ticket, error)
	RefExists(ctx context.Context, ref string) (bool, error)
	GetByVerificationToken(ctx context.Context, token string) (*domain.Ticket, error)
	// FindOpenByEmailMessageIDs returns a non-closed ticket owning a message
	// whose stored Message-ID is one of ids.
	FindOpenByEmailMessageIDs(ctx context.Context, ids []string) (*domain.Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
}

type ticketRepository struct {
	db DBTX
}

const ticketColumns = `t.id, t.ref, t.customer_id, t.customer_verified, t.verification_token,
               t.state, t.source, t.priority, t.assigned_to, t.subject, t.deleted,
               t.created_at, t.updated_at, t.closed_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (ref, customer_id, customer_verified, verification_token, state, source, priority, assigned_to, subject)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		ticket.Ref,
		ticket.CustomerID,
		ticket.CustomerVerified,
		ticket.VerificationToken,
		ticket.State,
		ticket.Source,
		ticket.Priority,
		ticket.AssignedTo,
		ticket.Subject,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt)
	return mapError(err)
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        UPDATE tickets SET customer_verified=$1, verification_token=$2, state=$3, priority=$4,
            assigned_to=$5, subject=$6, deleted=$7, closed_at=$8, updated_at=NOW()
        WHERE id=$9
        RETURNING updated_at`
	err := r.db.QueryRow(ctx, query,
		ticket.CustomerVerified,
		ticket.VerificationToken,
		ticket.State,
		ticket.Priority,
		ticket.AssignedTo,
		ticket.Subject,
		ticket.Deleted,
		ticket.ClosedAt,
		ticket.ID,
	).Scan(&ticket.UpdatedAt)
	return mapError(err)
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets t WHERE t.id=$1`, id)
}

func (r *ticketRepository) GetByRef(ctx context.Context, ref string) (*domain.Ticket, error) {
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets t WHERE t.ref=$1`, strings.ToUpper(ref))
}

func (r *ticketRepository) GetByVerificationToken(ctx context.Context, token string) (*domain.Ticket, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return r.fetchSingle(ctx, `SELECT `+ticketColumns+` FROM tickets t WHERE t.verification_token=$1`, token)
}

func (r *ticketRepository) RefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ref=$1)`, ref).Scan(&exists)
	return exists, mapError(err)
}

func (r *ticketRepository) FindOpenByEmailMessageIDs(ctx context.Context, ids []string) (*domain.Ticket, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	query := `SELECT ` + ticketColumns + `
        FROM tickets t
        JOIN ticket_messages m ON m.ticket_id = t.id
        WHERE m.email_message_id = ANY($1) AND t.state <> $2 AND NOT t.deleted
        ORDER BY m.date DESC
        LIMIT 1`
	return r.fetchSingle(ctx, query, ids, domain.TicketStateClosed)
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return ticket, nil
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if !filter.IncludeDeleted {
		clauses = append(clauses, "NOT t.deleted")
	}
	if filter.State != nil {
		args = append(args, *filter.State)
		clauses = append(clauses, fmt.Sprintf("t.state=$%d", len(args)))
	}
	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		clauses = append(clauses, fmt.Sprintf("t.assigned_to=$%d", len(args)))
	} else if filter.Unassigned {
		clauses = append(clauses, "t.assigned_to IS NULL")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM tickets t WHERE %s ORDER BY t.updated_at DESC LIMIT %d OFFSET %d`,
		ticketColumns, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.Ref,
		&ticket.CustomerID,
		&ticket.CustomerVerified,
		&ticket.VerificationToken,
		&ticket.State,
		&ticket.Source,
		&ticket.Priority,
		&ticket.AssignedTo,
		&ticket.Subject,
		&ticket.Deleted,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ClosedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}
