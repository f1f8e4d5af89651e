package dto

import (
	"time"

	"github.com/deskworks/support-desk/internal/domain"
)

// ErrorBody is the payload of every failed response. RequestID echoes the
// X-Request-ID header so a report can be matched to the server log.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// InboundMailRequest is the relay's webhook body. Message is the raw RFC 5322
// message, base64 encoded.
type InboundMailRequest struct {
	MailFrom string `json:"mail_from"`
	RcptTo   string `json:"rcpt_to"`
	Message  string `json:"message"`
}

// OpenTicketRequest is the public web form payload.
type OpenTicketRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MessageRequest carries a reply or note body (HTML).
type MessageRequest struct {
	Body string `json:"body"`
}

// TransitionRequest carries an optional close/reopen message.
type TransitionRequest struct {
	Message string `json:"message"`
}

// AssignRequest names the new assignee. An empty AgentID unassigns.
type AssignRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// VerificationRequest binds an identity-verification session to a ticket.
type VerificationRequest struct {
	SessionID string `json:"session_id"`
}

// BlockCustomerRequest toggles the blocklist flag.
type BlockCustomerRequest struct {
	Email   string `json:"email"`
	Blocked bool   `json:"blocked"`
}

// TicketSummary response.
type TicketSummary struct {
	ID               string                `json:"id"`
	Ref              string                `json:"ref"`
	Subject          string                `json:"subject"`
	State            domain.TicketState    `json:"state"`
	Source           domain.TicketSource   `json:"source"`
	Priority         domain.TicketPriority `json:"priority"`
	CustomerVerified bool                  `json:"customer_verified"`
	AssignedTo       *string               `json:"assigned_to"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	ClosedAt         *time.Time            `json:"closed_at,omitempty"`
}

// CustomerResponse describes the ticket owner.
type CustomerResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Blocked  bool   `json:"blocked"`
}

// TicketDetailResponse provides full ticket info.
type TicketDetailResponse struct {
	TicketSummary
	Customer *CustomerResponse       `json:"customer,omitempty"`
	Messages []TicketMessageResponse `json:"messages"`
}

// PGPResponse reports how a message was protected.
type PGPResponse struct {
	Signed         bool    `json:"signed"`
	Verified       bool    `json:"verified"`
	KeyFingerprint *string `json:"key_fingerprint,omitempty"`
}

// TicketMessageResponse represents one timeline entry.
type TicketMessageResponse struct {
	ID             string               `json:"id"`
	Type           domain.MessageType   `json:"type"`
	Body           string               `json:"body"`
	Date           time.Time            `json:"date"`
	EmailMessageID *string              `json:"email_message_id,omitempty"`
	AuthorID       *string              `json:"author_id,omitempty"`
	PGP            PGPResponse          `json:"pgp"`
	Attachments    []AttachmentResponse `json:"attachments"`
}

// AttachmentResponse metadata.
type AttachmentResponse struct {
	ID          string `json:"id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	URL         string `json:"url,omitempty"`
}

// PGPKeyResponse describes a stored customer key.
type PGPKeyResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Primary     bool      `json:"primary"`
	CreatedAt   time.Time `json:"created_at"`
}

// VerificationSessionResponse describes a registered session.
type VerificationSessionResponse struct {
	SessionID string                    `json:"session_id"`
	TicketID  string                    `json:"ticket_id"`
	Status    domain.VerificationStatus `json:"status"`
	CreatedAt time.Time                 `json:"created_at"`
}

// TicketHistoryResponse is one audit trail entry.
type TicketHistoryResponse struct {
	ID            string                  `json:"id"`
	ChangeType    domain.TicketChangeType `json:"change_type"`
	ChangedByType domain.ChangeActorType  `json:"changed_by_type"`
	ChangedByID   *string                 `json:"changed_by_id,omitempty"`
	OldValue      map[string]any          `json:"old_value,omitempty"`
	NewValue      map[string]any          `json:"new_value,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}
