package service

import (
	"context"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
)

// History returns the audit trail of a ticket, oldest first.
func (s *TicketService) History(ctx context.Context, ref string) ([]domain.TicketHistory, error) {
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.History().ListByTicket(ctx, ticket.ID)
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	if entries == nil {
		entries = []domain.TicketHistory{}
	}
	return entries, nil
}

// recordChange writes an audit entry on tx. A nil agent records a system change.
func recordChange(ctx context.Context, tx repository.Store, ticketID string, agent *domain.Agent, change domain.TicketChangeType, oldValue, newValue map[string]any) error {
	entry := &domain.TicketHistory{
		TicketID:      ticketID,
		ChangedByType: domain.ChangeActorSystem,
		ChangeType:    change,
		OldValue:      oldValue,
		NewValue:      newValue,
	}
	if agent != nil {
		id := agent.ID
		entry.ChangedByType = domain.ChangeActorAgent
		entry.ChangedByID = &id
	}
	return tx.History().Create(ctx, entry)
}
