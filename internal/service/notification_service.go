package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/queue"
)

// NotificationService turns domain events into queued delivery jobs. It never
// talks to the network itself.
type NotificationService struct {
	dispatcher events.Dispatcher
	jobs       queue.Enqueuer
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, jobs queue.Enqueuer, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		jobs:       jobs,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketOpened, n.handleTicketOpened)
	n.dispatcher.Subscribe(events.EventTicketMessageAdded, n.handleTicketMessageAdded)
	n.dispatcher.Subscribe(events.EventTicketClosed, n.handleTicketClosed)
	n.dispatcher.Subscribe(events.EventTicketAssigned, n.handleTicketAssigned)
}

func (n *NotificationService) handleTicketOpened(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketOpened", zap.String("ticket_id", event.TicketID), zap.String("ticket_ref", event.TicketRef))
	payload, _ := event.Payload.(events.TicketOpenedPayload)
	if err := n.enqueue(ctx, queue.KindMailTicketOpened, queue.TicketMailPayload{TicketID: event.TicketID}); err != nil {
		return err
	}
	return n.enqueue(ctx, queue.KindNotifyAgents, queue.NotifyAgentsPayload{
		TicketID:  event.TicketID,
		TicketRef: event.TicketRef,
		Subject:   payload.Subject,
		NewTicket: true,
	})
}

func (n *NotificationService) handleTicketMessageAdded(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketMessageAddedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	n.logger.Info("TicketMessageAdded",
		zap.String("ticket_id", event.TicketID),
		zap.String("message_id", payload.MessageID),
		zap.String("message_type", string(payload.MessageType)))

	switch payload.MessageType {
	case domain.MessageTypeCustomer:
		return n.enqueue(ctx, queue.KindNotifyAgents, queue.NotifyAgentsPayload{
			TicketID:  event.TicketID,
			TicketRef: event.TicketRef,
			MessageID: payload.MessageID,
			Preview:   payload.BodyPreview,
		})
	case domain.MessageTypeResponse:
		return n.enqueue(ctx, queue.KindMailReply, queue.ReplyMailPayload{MessageID: payload.MessageID})
	}
	return nil
}

func (n *NotificationService) handleTicketClosed(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketClosed", zap.String("ticket_id", event.TicketID))
	return n.enqueue(ctx, queue.KindMailTicketClosed, queue.TicketMailPayload{TicketID: event.TicketID})
}

func (n *NotificationService) handleTicketAssigned(_ context.Context, event events.Event) error {
	n.logger.Info("TicketAssigned", zap.String("ticket_id", event.TicketID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) enqueue(ctx context.Context, kind string, payload any) error {
	if n.jobs == nil {
		return nil
	}
	if err := n.jobs.Enqueue(ctx, kind, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}
