package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
)

func seedTicket(t *testing.T, s *Store, ref string, messageID string) *domain.Ticket {
	t.Helper()
	ctx := context.Background()
	customer := &domain.Customer{Email: ref + "@example.com"}
	require.NoError(t, s.Customers().Create(ctx, customer))
	ticket := &domain.Ticket{
		Ref:        ref,
		CustomerID: customer.ID,
		State:      domain.TicketStateOpen,
		Source:     domain.TicketSourceEmail,
		Priority:   domain.TicketPriorityNormal,
	}
	require.NoError(t, s.Tickets().Create(ctx, ticket))
	msg := &domain.TicketMessage{
		TicketID:       ticket.ID,
		Type:           domain.MessageTypeCustomer,
		Body:           "<p>hi</p>",
		Date:           time.Now(),
		EmailMessageID: &messageID,
	}
	require.NoError(t, s.Messages().Create(ctx, msg))
	return ticket
}

func TestMessageIDUniqueness(t *testing.T) {
	s := NewStore()
	ticket := seedTicket(t, s, "AAAA0001", "<m1@example.com>")

	id := "<m1@example.com>"
	err := s.Messages().Create(context.Background(), &domain.TicketMessage{
		TicketID:       ticket.ID,
		Type:           domain.MessageTypeCustomer,
		EmailMessageID: &id,
	})
	require.ErrorIs(t, err, repository.ErrDuplicateMessageID)
	assert.Equal(t, 1, s.MessageCount())
}

func TestFindOpenByEmailMessageIDsSkipsClosed(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	ticket := seedTicket(t, s, "AAAA0002", "<m2@example.com>")

	found, err := s.Tickets().FindOpenByEmailMessageIDs(ctx, []string{"<other@x>", "<m2@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, found.ID)

	ticket.State = domain.TicketStateClosed
	require.NoError(t, s.Tickets().Update(ctx, ticket))

	_, err = s.Tickets().FindOpenByEmailMessageIDs(ctx, []string{"<m2@example.com>"})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx repository.Store) error {
		require.NoError(t, tx.Customers().Create(ctx, &domain.Customer{Email: "a@example.com"}))
		return tx.WithinTx(ctx, func(inner repository.Store) error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Customers().GetByEmail(ctx, "A@example.com")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRollbackKeepsWritesOutsideTx(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	customer := &domain.Customer{Email: "c@example.com", FullName: "Carol"}
	require.NoError(t, s.Customers().Create(ctx, customer))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx repository.Store) error {
		require.NoError(t, tx.Customers().Create(ctx, &domain.Customer{Email: "d@example.com"}))
		require.NoError(t, s.Customers().SetBlocked(ctx, customer.ID, true))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Customers().GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, got.Blocked)
	_, err = s.Customers().GetByEmail(ctx, "d@example.com")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	first, err := s.Customers().GetOrCreate(ctx, &domain.Customer{Email: "E@example.com", FullName: "Eve"})
	require.NoError(t, err)
	second, err := s.Customers().GetOrCreate(ctx, &domain.Customer{Email: "e@example.com", FullName: "Other"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Eve", second.FullName)
}

func TestSinglePrimaryKeyPerCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	customer := &domain.Customer{Email: "k@example.com"}
	require.NoError(t, s.Customers().Create(ctx, customer))

	require.NoError(t, s.PGPKeys().Create(ctx, &domain.CustomerPGPKey{CustomerID: customer.ID, Fingerprint: "AA", IsPrimary: true}))
	err := s.PGPKeys().Create(ctx, &domain.CustomerPGPKey{CustomerID: customer.ID, Fingerprint: "BB", IsPrimary: true})
	require.ErrorIs(t, err, repository.ErrConflict)
	require.NoError(t, s.PGPKeys().Create(ctx, &domain.CustomerPGPKey{CustomerID: customer.ID, Fingerprint: "BB"}))

	keys, err := s.PGPKeys().ListByCustomer(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.True(t, keys[0].IsPrimary)
}
