package queue

// NotifyAgentsPayload announces new customer activity to agents.
type NotifyAgentsPayload struct {
	TicketID   string  `json:"ticket_id"`
	TicketRef  string  `json:"ticket_ref"`
	MessageID  string  `json:"message_id"`
	Subject    string  `json:"subject"`
	Preview    string  `json:"preview"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	NewTicket  bool    `json:"new_ticket"`
}

// TicketMailPayload drives the ticket opened and closed mails.
type TicketMailPayload struct {
	TicketID string `json:"ticket_id"`
}

// ReplyMailPayload sends an agent response to the customer.
type ReplyMailPayload struct {
	MessageID string `json:"message_id"`
}

// Reasons carried by KindMailRejected.
const (
	RejectDecryptionFailed = "decryption_failed"
	RejectNoBody           = "no_body"
)

// BounceMailPayload answers an inbound message that was not ingested. It is
// used by KindMailBlocked and KindMailRejected, which never have a ticket.
type BounceMailPayload struct {
	To        string `json:"to"`
	Name      string `json:"name,omitempty"`
	Subject   string `json:"subject"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
