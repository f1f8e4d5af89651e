package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageType differentiates entries on a ticket timeline.
type MessageType string

const (
	MessageTypeCustomer       MessageType = "CUSTOMER"
	MessageTypeResponse       MessageType = "RESPONSE"
	MessageTypeNote           MessageType = "NOTE"
	MessageTypeSystem         MessageType = "SYSTEM"
	MessageTypeSystemResponse MessageType = "SYSTEM_RESPONSE"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeCustomer, MessageTypeResponse, MessageTypeNote, MessageTypeSystem, MessageTypeSystemResponse:
		return true
	}
	return false
}

// CustomerVisible reports whether the customer sees messages of this type.
func (t MessageType) CustomerVisible() bool {
	switch t {
	case MessageTypeCustomer, MessageTypeResponse, MessageTypeSystemResponse:
		return true
	case MessageTypeNote, MessageTypeSystem:
		return false
	}
	return false
}

// ParseMessageType converts user input into a MessageType.
func ParseMessageType(raw string) (MessageType, error) {
	t := MessageType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown message type %q", raw)
	}
	return t, nil
}

// PGPProvenance records how a message was signed.
type PGPProvenance struct {
	Signed         bool
	Verified       bool
	KeyFingerprint *string
}

// TicketMessage is an immutable entry on a ticket timeline.
type TicketMessage struct {
	ID             string
	TicketID       string
	Type           MessageType
	Body           string
	Date           time.Time
	EmailMessageID *string
	AuthorID       *string
	PGP            PGPProvenance
	Attachments    []TicketMessageAttachment
	CreatedAt      time.Time
}

// TicketMessageAttachment binds a stored object to a message.
type TicketMessageAttachment struct {
	ID          string
	MessageID   string
	FileName    string
	Locator     string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}
