package domain

import "time"

// Customer is the identity record for whoever contacts support, keyed by email.
type Customer struct {
	ID        string
	Email     string
	FullName  string
	Phone     *string
	Blocked   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomerPGPKey is an OpenPGP public key associated with a customer.
// At most one key per customer is primary.
type CustomerPGPKey struct {
	ID          string
	CustomerID  string
	Fingerprint string
	ArmoredKey  string
	IsPrimary   bool
	CreatedAt   time.Time
}
