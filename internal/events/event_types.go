package events

import (
	"time"

	"github.com/deskworks/support-desk/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketOpened       EventType = "ticket_opened"
	EventTicketMessageAdded EventType = "ticket_message_added"
	EventTicketAssigned     EventType = "ticket_assigned"
	EventTicketClosed       EventType = "ticket_closed"
	EventTicketReopened     EventType = "ticket_reopened"
	EventCustomerVerified   EventType = "customer_verified"
)

// AllEventTypes lists every event a sink may subscribe to.
var AllEventTypes = []EventType{
	EventTicketOpened,
	EventTicketMessageAdded,
	EventTicketAssigned,
	EventTicketClosed,
	EventTicketReopened,
	EventCustomerVerified,
}

// ActorType says who caused an event.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorAgent    ActorType = "agent"
	ActorSystem   ActorType = "system"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type    ActorType `json:"type"`
	AgentID *string   `json:"agent_id,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id"`
	TicketRef string      `json:"ticket_ref"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TicketOpenedPayload payload.
type TicketOpenedPayload struct {
	CustomerID string                `json:"customer_id"`
	Source     domain.TicketSource   `json:"source"`
	Priority   domain.TicketPriority `json:"priority"`
	Subject    string                `json:"subject"`
	Verified   bool                  `json:"verified"`
}

// TicketMessageAddedPayload payload.
type TicketMessageAddedPayload struct {
	MessageID   string             `json:"message_id"`
	MessageType domain.MessageType `json:"message_type"`
	AuthorID    *string            `json:"author_id,omitempty"`
	BodyPreview string             `json:"body_preview"`
	Signed      bool               `json:"signed"`
	Verified    bool               `json:"verified"`
}

// TicketAssignedPayload payload.
type TicketAssignedPayload struct {
	AssigneeID *string `json:"assignee_id,omitempty"`
}
