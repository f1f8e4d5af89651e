package domain

import (
	"fmt"
	"strings"
	"time"
)

// TicketState enumerates lifecycle states for tickets.
type TicketState string

const (
	TicketStateOpen   TicketState = "OPEN"
	TicketStateClosed TicketState = "CLOSED"
)

// Valid reports whether s is a known state.
func (s TicketState) Valid() bool {
	switch s {
	case TicketStateOpen, TicketStateClosed:
		return true
	}
	return false
}

// TicketSource is the channel a ticket was opened through.
type TicketSource string

const (
	TicketSourcePhone    TicketSource = "PHONE"
	TicketSourceWeb      TicketSource = "WEB"
	TicketSourceEmail    TicketSource = "EMAIL"
	TicketSourceOther    TicketSource = "OTHER"
	TicketSourceInternal TicketSource = "INTERNAL"
)

// Valid reports whether s is a known source.
func (s TicketSource) Valid() bool {
	switch s {
	case TicketSourcePhone, TicketSourceWeb, TicketSourceEmail, TicketSourceOther, TicketSourceInternal:
		return true
	}
	return false
}

// TicketPriority enumerates urgency.
type TicketPriority string

const (
	TicketPriorityLow       TicketPriority = "LOW"
	TicketPriorityNormal    TicketPriority = "NORMAL"
	TicketPriorityHigh      TicketPriority = "HIGH"
	TicketPriorityEmergency TicketPriority = "EMERGENCY"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityNormal, TicketPriorityHigh, TicketPriorityEmergency:
		return true
	}
	return false
}

// ParseTicketState converts user input into a TicketState.
func ParseTicketState(raw string) (TicketState, error) {
	s := TicketState(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown ticket state %q", raw)
	}
	return s, nil
}

// ParseTicketSource converts user input into a TicketSource.
func ParseTicketSource(raw string) (TicketSource, error) {
	s := TicketSource(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown ticket source %q", raw)
	}
	return s, nil
}

// ParseTicketPriority converts user input into a TicketPriority.
func ParseTicketPriority(raw string) (TicketPriority, error) {
	p := TicketPriority(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown ticket priority %q", raw)
	}
	return p, nil
}

// Ticket is the aggregate for a support conversation.
type Ticket struct {
	ID                string
	Ref               string
	CustomerID        string
	CustomerVerified  bool
	VerificationToken string
	State             TicketState
	Source            TicketSource
	Priority          TicketPriority
	AssignedTo        *string
	Subject           string
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClosedAt          *time.Time
}

// IsOpen reports whether inbound replies may thread onto the ticket.
func (t *Ticket) IsOpen() bool {
	return t.State == TicketStateOpen && !t.Deleted
}
