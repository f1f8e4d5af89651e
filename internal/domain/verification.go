package domain

import "time"

// VerificationStatus tracks an identity-verification session.
type VerificationStatus string

const (
	VerificationPending       VerificationStatus = "PENDING"
	VerificationVerified      VerificationStatus = "VERIFIED"
	VerificationRequiresInput VerificationStatus = "REQUIRES_INPUT"
)

// Terminal reports whether no further result is expected.
func (s VerificationStatus) Terminal() bool {
	switch s {
	case VerificationVerified, VerificationRequiresInput:
		return true
	case VerificationPending:
		return false
	}
	return false
}

// VerificationSession binds a ticket to an external identity-verification session.
type VerificationSession struct {
	ID          string
	TicketID    string
	SessionID   string
	Status      VerificationStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}
