package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeState    TicketChangeType = "STATE_CHANGE"
	ChangeTypeAssignee TicketChangeType = "ASSIGNEE_CHANGE"
	ChangeTypeDeleted  TicketChangeType = "DELETED"
	ChangeTypeVerified TicketChangeType = "CUSTOMER_VERIFIED"
)

// ChangeActorType says who made a change.
type ChangeActorType string

const (
	ChangeActorAgent  ChangeActorType = "AGENT"
	ChangeActorSystem ChangeActorType = "SYSTEM"
)

// TicketHistory is an immutable audit trail entry. Unlike messages it is
// never shown to the customer.
type TicketHistory struct {
	ID            string
	TicketID      string
	ChangedByType ChangeActorType
	ChangedByID   *string
	ChangeType    TicketChangeType
	OldValue      map[string]any
	NewValue      map[string]any
	CreatedAt     time.Time
}
