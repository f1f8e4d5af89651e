// Package identity links tickets to external identity-verification sessions
// and applies their results.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// Event types delivered by the verification provider.
const (
	EventRequiresInput = "identity.verification_session.requires_input"
	EventVerified      = "identity.verification_session.verified"
)

const (
	requestedNote     = "<p>Identity verification requested.</p>"
	verifiedNote      = "<p>Customer identity verified.</p>"
	requiresInputNote = "<p>Identity verification could not be completed; the customer must provide more information.</p>"
)

// Tickets is the slice of the ticket service this package drives.
type Tickets interface {
	AddSystemMessage(ctx context.Context, ticketID, body string) (*domain.TicketMessage, error)
	MarkVerified(ctx context.Context, ticketID, note string) (*domain.Ticket, error)
}

// Event is the subset of the provider's webhook body we read.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// Service records verification sessions and applies webhook results.
type Service struct {
	store   repository.Store
	tickets Tickets
	logger  *zap.Logger
	now     func() time.Time
}

// NewService constructs the service.
func NewService(store repository.Store, tickets Tickets, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tickets: tickets, logger: logger, now: time.Now}
}

// RequestVerification binds sessionID to the ticket identified by ref.
func (s *Service) RequestVerification(ctx context.Context, ref, sessionID string) (*domain.VerificationSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.NewValidationError("session id is required", map[string]any{"field": "session_id"})
	}
	ticket, err := s.store.Tickets().GetByRef(ctx, strings.ToUpper(strings.TrimSpace(ref)))
	if err != nil || ticket.Deleted {
		if err == nil || errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("ticket", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}
	if ticket.CustomerVerified {
		return nil, apperrors.NewConflict("customer already verified", nil)
	}

	session := &domain.VerificationSession{
		TicketID:  ticket.ID,
		SessionID: sessionID,
		Status:    domain.VerificationPending,
	}
	if err := s.store.Verifications().Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperrors.NewConflict("verification session already registered", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}
	if _, err := s.tickets.AddSystemMessage(ctx, ticket.ID, requestedNote); err != nil {
		return nil, err
	}
	return session, nil
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apperrors.NewBadRequest("invalid event payload")
	}
	return &event, nil
}

// HandleEvent applies a provider event. Events for sessions this service
// never registered, or that already reached a terminal state, are ignored.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	var status domain.VerificationStatus
	switch event.Type {
	case EventVerified:
		status = domain.VerificationVerified
	case EventRequiresInput:
		status = domain.VerificationRequiresInput
	default:
		return apperrors.NewBadRequest("unsupported event type")
	}

	sessionID := event.Data.Object.ID
	if sessionID == "" {
		return apperrors.NewBadRequest("event has no session id")
	}
	session, err := s.store.Verifications().GetBySessionID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("verification event for unknown session", zap.String("session_id", sessionID))
		return nil
	}
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if session.Status.Terminal() {
		s.logger.Debug("verification session already settled",
			zap.String("session_id", sessionID),
			zap.String("status", string(session.Status)))
		return nil
	}

	switch status {
	case domain.VerificationVerified:
		_, err = s.tickets.MarkVerified(ctx, session.TicketID, verifiedNote)
	default:
		_, err = s.tickets.AddSystemMessage(ctx, session.TicketID, requiresInputNote)
	}
	if err != nil {
		return err
	}

	if err := s.store.Verifications().Complete(ctx, session.ID, status, s.now()); err != nil {
		return apperrors.NewInternalError(err)
	}
	s.logger.Info("verification session settled",
		zap.String("session_id", sessionID),
		zap.String("ticket_id", session.TicketID),
		zap.String("status", string(status)))
	return nil
}
