package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/repository"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// AssignmentService handles ticket assignment operations.
type AssignmentService struct {
	store      repository.Store
	dispatcher events.Dispatcher
	now        func() time.Time
}

// NewAssignmentService creates the service.
func NewAssignmentService(store repository.Store, dispatcher events.Dispatcher) *AssignmentService {
	return &AssignmentService{store: store, dispatcher: dispatcher, now: time.Now}
}

// Claim assigns the ticket to the calling agent.
func (s *AssignmentService) Claim(ctx context.Context, agent *domain.Agent, ref string) (*domain.Ticket, error) {
	if agent == nil {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	return s.assign(ctx, agent, ref, &agent.ID, "Ticket claimed by "+agent.Name)
}

// Assign hands the ticket to another agent, or clears the assignment when
// assigneeID is empty. Admin only.
func (s *AssignmentService) Assign(ctx context.Context, actor *domain.Agent, ref, assigneeID, assigneeName string) (*domain.Ticket, error) {
	if actor == nil {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	if actor.Role != domain.AgentRoleAdmin {
		return nil, apperrors.NewForbidden("insufficient role for assignment")
	}
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return s.assign(ctx, actor, ref, nil, "Ticket unassigned by "+actor.Name)
	}
	label := assigneeName
	if strings.TrimSpace(label) == "" {
		label = assigneeID
	}
	return s.assign(ctx, actor, ref, &assigneeID, fmt.Sprintf("Ticket assigned to %s by %s", label, actor.Name))
}

func (s *AssignmentService) assign(ctx context.Context, actor *domain.Agent, ref string, assignee *string, note string) (*domain.Ticket, error) {
	ticket, err := s.store.Tickets().GetByRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	if ticket.Deleted {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ref": ref})
	}
	if sameAssignee(ticket.AssignedTo, assignee) {
		return ticket, nil
	}

	previous := ticket.AssignedTo
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		ticket.AssignedTo = assignee
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		if err := recordChange(ctx, tx, ticket.ID, actor, domain.ChangeTypeAssignee,
			map[string]any{"assigned_to": previous}, map[string]any{"assigned_to": assignee}); err != nil {
			return err
		}
		return tx.Messages().Create(ctx, &domain.TicketMessage{
			TicketID: ticket.ID,
			Type:     domain.MessageTypeNote,
			Body:     "<p>" + html.EscapeString(note) + "</p>",
			Date:     s.now(),
			AuthorID: &actor.ID,
		})
	})
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	publish(ctx, s.dispatcher, events.Event{
		Type:      events.EventTicketAssigned,
		TicketID:  ticket.ID,
		TicketRef: ticket.Ref,
		Actor:     agentActor(actor.ID),
		Payload:   events.TicketAssignedPayload{AssigneeID: ticket.AssignedTo},
	}, s.now)
	return ticket, nil
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
