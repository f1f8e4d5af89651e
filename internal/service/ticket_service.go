package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/repository"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

const (
	defaultSubject = "No subject"
	maxRefAttempts = 10
)

// TicketService coordinates ticket workflows.
type TicketService struct {
	store      repository.Store
	dispatcher events.Dispatcher
	sanitizer  *bluemonday.Policy
	mailDomain string
	now        func() time.Time
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	Store      repository.Store
	Dispatcher events.Dispatcher
	// MailDomain is the right-hand side of outbound Message-IDs.
	MailDomain string
}

// OpenTicketInput describes a new ticket and its first message.
type OpenTicketInput struct {
	Email    string
	Name     string
	Subject  string
	Body     string
	Source   domain.TicketSource
	Priority domain.TicketPriority
	Verified bool
}

// TicketListFilter describes agent listing filters.
type TicketListFilter struct {
	State      *domain.TicketState
	AssignedTo *string
	Unassigned bool
	Limit      int
	Offset     int
}

// TicketDetail is a ticket with its customer and timeline.
type TicketDetail struct {
	Ticket   *domain.Ticket
	Customer *domain.Customer
	Messages []domain.TicketMessage
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	return &TicketService{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		sanitizer:  bluemonday.UGCPolicy(),
		mailDomain: deps.MailDomain,
		now:        time.Now,
	}
}

// OpenTicket creates a ticket for a customer, creating the customer on first
// contact. Used by the web form and internal tooling.
func (s *TicketService) OpenTicket(ctx context.Context, input OpenTicketInput) (*domain.Ticket, *domain.TicketMessage, error) {
	email := repository.NormalizeEmail(input.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, apperrors.NewValidationError("valid email required", map[string]any{"email": input.Email})
	}
	if strings.TrimSpace(input.Body) == "" {
		return nil, nil, apperrors.NewValidationError("message body required", nil)
	}
	if input.Source == "" {
		input.Source = domain.TicketSourceWeb
	}
	if input.Priority == "" {
		input.Priority = domain.TicketPriorityNormal
	}
	if !input.Source.Valid() || !input.Priority.Valid() {
		return nil, nil, apperrors.NewValidationError("invalid source or priority", nil)
	}

	var (
		ticket *domain.Ticket
		msg    *domain.TicketMessage
	)
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		customer, err := getOrCreateCustomer(ctx, tx, email, input.Name)
		if err != nil {
			return err
		}
		ticket, err = createTicket(ctx, tx, newTicket{
			customerID: customer.ID,
			subject:    input.Subject,
			source:     input.Source,
			priority:   input.Priority,
			verified:   input.Verified,
		})
		if err != nil {
			return err
		}
		msg = &domain.TicketMessage{
			TicketID: ticket.ID,
			Type:     domain.MessageTypeCustomer,
			Body:     input.Body,
			Date:     s.now(),
		}
		return tx.Messages().Create(ctx, msg)
	})
	if err != nil {
		return nil, nil, mapRepoError(err, "ticket")
	}
	s.publishOpened(ctx, ticket)
	return ticket, msg, nil
}

// PostCustomerMessage appends a customer message to an open ticket.
func (s *TicketService) PostCustomerMessage(ctx context.Context, ref, body string) (*domain.TicketMessage, error) {
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ticket.IsOpen() {
		return nil, apperrors.NewConflict("ticket is closed", map[string]any{"ref": ticket.Ref})
	}
	msg := &domain.TicketMessage{
		TicketID: ticket.ID,
		Type:     domain.MessageTypeCustomer,
		Body:     body,
		Date:     s.now(),
	}
	if err := s.store.Messages().Create(ctx, msg); err != nil {
		return nil, mapRepoError(err, "message")
	}
	s.publishMessage(ctx, ticket, msg, customerActor())
	return msg, nil
}

// PostReply records an agent response and schedules it for delivery to the
// customer. The reply carries its own Message-ID so customer answers thread.
func (s *TicketService) PostReply(ctx context.Context, agent *domain.Agent, ref, body string) (*domain.TicketMessage, error) {
	if agent == nil {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.NewValidationError("body required", nil)
	}
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	customer, err := s.store.Customers().GetByID(ctx, ticket.CustomerID)
	if err != nil {
		return nil, mapRepoError(err, "customer")
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.mailDomain)
	msg := &domain.TicketMessage{
		TicketID:       ticket.ID,
		Type:           domain.MessageTypeResponse,
		Body:           replyBody(customer.FullName, agent.Name, body),
		Date:           s.now(),
		EmailMessageID: &messageID,
		AuthorID:       &agent.ID,
	}
	if err := s.store.Messages().Create(ctx, msg); err != nil {
		return nil, mapRepoError(err, "message")
	}
	s.publishMessage(ctx, ticket, msg, agentActor(agent.ID))
	return msg, nil
}

// PostNote adds an internal note invisible to the customer.
func (s *TicketService) PostNote(ctx context.Context, agent *domain.Agent, ref, body string) (*domain.TicketMessage, error) {
	if agent == nil {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.NewValidationError("body required", nil)
	}
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	msg := s.note(ticket, agent, body)
	if err := s.store.Messages().Create(ctx, msg); err != nil {
		return nil, mapRepoError(err, "message")
	}
	s.publishMessage(ctx, ticket, msg, agentActor(agent.ID))
	return msg, nil
}

// Close closes a ticket. Further inbound replies open a new ticket.
func (s *TicketService) Close(ctx context.Context, agent *domain.Agent, ref, message string) (*domain.Ticket, error) {
	return s.transition(ctx, agent, ref, domain.TicketStateClosed, "<p>Ticket closed.</p>"+message, events.EventTicketClosed)
}

// Reopen puts a closed ticket back into the open queue.
func (s *TicketService) Reopen(ctx context.Context, agent *domain.Agent, ref, message string) (*domain.Ticket, error) {
	return s.transition(ctx, agent, ref, domain.TicketStateOpen, "<p>Ticket reopened.</p>"+message, events.EventTicketReopened)
}

func (s *TicketService) transition(ctx context.Context, agent *domain.Agent, ref string, to domain.TicketState, note string, eventType events.EventType) (*domain.Ticket, error) {
	if agent == nil {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ticket.State == to {
		return nil, apperrors.NewConflict("ticket already "+strings.ToLower(string(to)), map[string]any{"ref": ticket.Ref})
	}

	from := ticket.State
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		ticket.State = to
		if to == domain.TicketStateClosed {
			now := s.now()
			ticket.ClosedAt = &now
		} else {
			ticket.ClosedAt = nil
		}
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		if err := recordChange(ctx, tx, ticket.ID, agent, domain.ChangeTypeState,
			map[string]any{"state": from}, map[string]any{"state": to}); err != nil {
			return err
		}
		return tx.Messages().Create(ctx, s.note(ticket, agent, note))
	})
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	s.publishEvent(ctx, events.Event{
		Type:      eventType,
		TicketID:  ticket.ID,
		TicketRef: ticket.Ref,
		Actor:     agentActor(agent.ID),
	})
	return ticket, nil
}

// AddSystemMessage posts a message authored by the service itself.
func (s *TicketService) AddSystemMessage(ctx context.Context, ticketID, body string) (*domain.TicketMessage, error) {
	ticket, err := s.store.Tickets().GetByID(ctx, ticketID)
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	msg := &domain.TicketMessage{
		TicketID: ticket.ID,
		Type:     domain.MessageTypeSystem,
		Body:     body,
		Date:     s.now(),
	}
	if err := s.store.Messages().Create(ctx, msg); err != nil {
		return nil, mapRepoError(err, "message")
	}
	s.publishMessage(ctx, ticket, msg, systemActor())
	return msg, nil
}

// MarkVerified records that the ticket's customer proved their identity.
// note is posted as a system message in the same transaction.
func (s *TicketService) MarkVerified(ctx context.Context, ticketID, note string) (*domain.Ticket, error) {
	ticket, err := s.store.Tickets().GetByID(ctx, ticketID)
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	return s.markVerified(ctx, ticket, note)
}

// VerifyByToken handles the link mailed when a ticket is opened by an
// unverified sender. Tokens are single use.
func (s *TicketService) VerifyByToken(ctx context.Context, token string) (*domain.Ticket, error) {
	ticket, err := s.store.Tickets().GetByVerificationToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	return s.markVerified(ctx, ticket, "<p>Customer confirmed their email address.</p>")
}

func (s *TicketService) markVerified(ctx context.Context, ticket *domain.Ticket, note string) (*domain.Ticket, error) {
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		ticket.CustomerVerified = true
		ticket.VerificationToken = ""
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		if err := recordChange(ctx, tx, ticket.ID, nil, domain.ChangeTypeVerified,
			map[string]any{"customer_verified": false}, map[string]any{"customer_verified": true}); err != nil {
			return err
		}
		if note == "" {
			return nil
		}
		return tx.Messages().Create(ctx, &domain.TicketMessage{
			TicketID: ticket.ID,
			Type:     domain.MessageTypeSystem,
			Body:     note,
			Date:     s.now(),
		})
	})
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	s.publishEvent(ctx, events.Event{
		Type:      events.EventCustomerVerified,
		TicketID:  ticket.ID,
		TicketRef: ticket.Ref,
		Actor:     systemActor(),
	})
	return ticket, nil
}

// SoftDelete hides a ticket from listings. Tickets are never removed.
func (s *TicketService) SoftDelete(ctx context.Context, agent *domain.Agent, ref string) error {
	if agent == nil || agent.Role != domain.AgentRoleAdmin {
		return apperrors.NewForbidden("admin role required")
	}
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return err
	}
	if ticket.Deleted {
		return nil
	}
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		ticket.Deleted = true
		if err := tx.Tickets().Update(ctx, ticket); err != nil {
			return err
		}
		return recordChange(ctx, tx, ticket.ID, agent, domain.ChangeTypeDeleted, nil, map[string]any{"deleted": true})
	})
	if err != nil {
		return mapRepoError(err, "ticket")
	}
	return nil
}

// ListTickets returns tickets for the agent queue.
func (s *TicketService) ListTickets(ctx context.Context, filter TicketListFilter) ([]domain.Ticket, error) {
	tickets, err := s.store.Tickets().List(ctx, repository.TicketFilter{
		State:      filter.State,
		AssignedTo: filter.AssignedTo,
		Unassigned: filter.Unassigned,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return tickets, nil
}

// GetTicket returns a ticket with its customer and timeline. Message bodies
// are sanitized here, on read; stored HTML is kept as received.
func (s *TicketService) GetTicket(ctx context.Context, ref string) (*TicketDetail, error) {
	ticket, err := s.loadTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	customer, err := s.store.Customers().GetByID(ctx, ticket.CustomerID)
	if err != nil {
		return nil, mapRepoError(err, "customer")
	}
	msgs, err := s.messagesWithAttachments(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Body = s.sanitizer.Sanitize(msgs[i].Body)
	}
	return &TicketDetail{Ticket: ticket, Customer: customer, Messages: msgs}, nil
}

func (s *TicketService) loadTicket(ctx context.Context, ref string) (*domain.Ticket, error) {
	ticket, err := s.store.Tickets().GetByRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, mapRepoError(err, "ticket")
	}
	if ticket.Deleted {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ref": ref})
	}
	return ticket, nil
}

func (s *TicketService) messagesWithAttachments(ctx context.Context, ticketID string) ([]domain.TicketMessage, error) {
	msgs, err := s.store.Messages().ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	for i := range msgs {
		attachments, err := s.store.Attachments().ListByMessage(ctx, msgs[i].ID)
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		msgs[i].Attachments = attachments
	}
	return msgs, nil
}

func (s *TicketService) note(ticket *domain.Ticket, agent *domain.Agent, body string) *domain.TicketMessage {
	return &domain.TicketMessage{
		TicketID: ticket.ID,
		Type:     domain.MessageTypeNote,
		Body:     body,
		Date:     s.now(),
		AuthorID: &agent.ID,
	}
}

func (s *TicketService) publishOpened(ctx context.Context, ticket *domain.Ticket) {
	s.publishEvent(ctx, openedEvent(ticket))
}

func (s *TicketService) publishMessage(ctx context.Context, ticket *domain.Ticket, msg *domain.TicketMessage, actor events.Actor) {
	s.publishEvent(ctx, messageEvent(ticket, msg, actor))
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	publish(ctx, s.dispatcher, event, s.now)
}

// newTicket holds the fields a caller chooses for a fresh ticket.
type newTicket struct {
	customerID string
	subject    string
	source     domain.TicketSource
	priority   domain.TicketPriority
	verified   bool
}

// createTicket allocates a reference code and inserts the ticket through st.
func createTicket(ctx context.Context, st repository.Store, in newTicket) (*domain.Ticket, error) {
	ref, err := uniqueRef(ctx, st.Tickets())
	if err != nil {
		return nil, err
	}
	ticket := &domain.Ticket{
		Ref:              ref,
		CustomerID:       in.customerID,
		CustomerVerified: in.verified,
		State:            domain.TicketStateOpen,
		Source:           in.source,
		Priority:         in.priority,
		Subject:          subjectOrDefault(in.subject),
	}
	if !in.verified {
		if ticket.VerificationToken, err = verificationToken(); err != nil {
			return nil, err
		}
	}
	if err := st.Tickets().Create(ctx, ticket); err != nil {
		return nil, err
	}
	return ticket, nil
}

func uniqueRef(ctx context.Context, tickets repository.TicketRepository) (string, error) {
	for i := 0; i < maxRefAttempts; i++ {
		ref, err := generateRef()
		if err != nil {
			return "", err
		}
		exists, err := tickets.RefExists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			return ref, nil
		}
	}
	return "", errors.New("could not allocate a unique ticket reference")
}

// generateRef returns 8 uppercase hex characters.
func generateRef() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b[:])), nil
}

func verificationToken() (string, error) {
	var b [48]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func subjectOrDefault(subject string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	return defaultSubject
}

func replyBody(customerName, agentName, body string) string {
	greeting := "Hi"
	if name := strings.TrimSpace(customerName); name != "" {
		greeting += " " + html.EscapeString(name)
	}
	return fmt.Sprintf("<p>%s,</p>\r\n%s\r\n<p>Thanks,<br/>%s</p>", greeting, body, html.EscapeString(agentName))
}

func messageEvent(ticket *domain.Ticket, msg *domain.TicketMessage, actor events.Actor) events.Event {
	return events.Event{
		Type:      events.EventTicketMessageAdded,
		TicketID:  ticket.ID,
		TicketRef: ticket.Ref,
		Actor:     actor,
		Payload: events.TicketMessageAddedPayload{
			MessageID:   msg.ID,
			MessageType: msg.Type,
			AuthorID:    msg.AuthorID,
			BodyPreview: stringPreview(textPolicy.Sanitize(msg.Body), 120),
			Signed:      msg.PGP.Signed,
			Verified:    msg.PGP.Verified,
		},
	}
}

func publish(ctx context.Context, dispatcher events.Dispatcher, event events.Event, now func() time.Time) {
	if dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}
	_ = dispatcher.Publish(ctx, event)
}

var textPolicy = bluemonday.StrictPolicy()

func customerActor() events.Actor {
	return events.Actor{Type: events.ActorCustomer}
}

func agentActor(agentID string) events.Actor {
	return events.Actor{Type: events.ActorAgent, AgentID: &agentID}
}

func systemActor() events.Actor {
	return events.Actor{Type: events.ActorSystem}
}

func stringPreview(body string, max int) string {
	body = strings.Join(strings.Fields(html.UnescapeString(body)), " ")
	if len(body) <= max {
		return body
	}
	if max <= 3 {
		return body[:max]
	}
	return body[:max-3] + "..."
}

// mapRepoError turns repository sentinels into transport-facing errors.
func mapRepoError(err error, resource string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound(resource, nil)
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrDuplicateMessageID):
		return apperrors.NewConflict(resource+" already exists", nil)
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewInternalError(err)
}
