// Package memory provides an in-process repository.Store. It backs the
// service when no database is configured and is used throughout the tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
)

type state struct {
	customers   map[string]domain.Customer
	keys        map[string]domain.CustomerPGPKey
	tickets     map[string]domain.Ticket
	messages    map[string]domain.TicketMessage
	attachments map[string]domain.TicketMessageAttachment
	sessions    map[string]domain.VerificationSession
	history     []domain.TicketHistory
}

func newState() *state {
	return &state{
		customers:   make(map[string]domain.Customer),
		keys:        make(map[string]domain.CustomerPGPKey),
		tickets:     make(map[string]domain.Ticket),
		messages:    make(map[string]domain.TicketMessage),
		attachments: make(map[string]domain.TicketMessageAttachment),
		sessions:    make(map[string]domain.VerificationSession),
	}
}

// Store is an in-memory repository.Store. Transactions are serialized and
// rolled back by undoing their own writes in reverse order.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *state
	now  func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

func (s *Store) Customers() repository.CustomerRepository         { return customerRepo{handle{Store: s}} }
func (s *Store) PGPKeys() repository.PGPKeyRepository             { return pgpKeyRepo{handle{Store: s}} }
func (s *Store) Tickets() repository.TicketRepository             { return ticketRepo{handle{Store: s}} }
func (s *Store) Messages() repository.TicketMessageRepository     { return messageRepo{handle{Store: s}} }
func (s *Store) Attachments() repository.AttachmentRepository     { return attachmentRepo{handle{Store: s}} }
func (s *Store) Verifications() repository.VerificationRepository { return verificationRepo{handle{Store: s}} }
func (s *Store) History() repository.TicketHistoryRepository      { return historyRepo{handle{Store: s}} }

// WithinTx runs fn and reverts every write it made when it returns an error.
// Writes made outside the transaction meanwhile are kept.
func (s *Store) WithinTx(ctx context.Context, fn func(repository.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := txView{handle{Store: s, log: &undoLog{}}}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		tx.h.log.rollback()
		s.mu.Unlock()
		return err
	}
	return nil
}

// undoLog collects inverse operations for the writes of one transaction.
type undoLog struct {
	steps []func()
}

func (l *undoLog) rollback() {
	for i := len(l.steps) - 1; i >= 0; i-- {
		l.steps[i]()
	}
	l.steps = nil
}

// handle is what repositories write through. log is nil outside a transaction.
type handle struct {
	*Store
	log *undoLog
}

// put stores v under k, recording the previous entry when inside a transaction.
// Callers hold s.mu.
func put[K comparable, V any](h handle, m map[K]V, k K, v V) {
	if h.log != nil {
		old, existed := m[k]
		h.log.steps = append(h.log.steps, func() {
			if existed {
				m[k] = old
			} else {
				delete(m, k)
			}
		})
	}
	m[k] = v
}

// txView is handed to WithinTx callbacks so nested calls join the outer transaction.
type txView struct {
	h handle
}

func (v txView) Customers() repository.CustomerRepository         { return customerRepo{v.h} }
func (v txView) PGPKeys() repository.PGPKeyRepository             { return pgpKeyRepo{v.h} }
func (v txView) Tickets() repository.TicketRepository             { return ticketRepo{v.h} }
func (v txView) Messages() repository.TicketMessageRepository     { return messageRepo{v.h} }
func (v txView) Attachments() repository.AttachmentRepository     { return attachmentRepo{v.h} }
func (v txView) Verifications() repository.VerificationRepository { return verificationRepo{v.h} }
func (v txView) History() repository.TicketHistoryRepository      { return historyRepo{v.h} }

func (v txView) WithinTx(_ context.Context, fn func(repository.Store) error) error {
	return fn(v)
}

// TicketCount reports how many tickets are stored.
func (s *Store) TicketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.tickets)
}

// MessageCount reports how many ticket messages are stored.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.messages)
}

type customerRepo struct{ s handle }

func (r customerRepo) Create(_ context.Context, c *domain.Customer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email := repository.NormalizeEmail(c.Email)
	for _, existing := range r.s.data.customers {
		if existing.Email == email {
			return repository.ErrConflict
		}
	}
	c.ID = uuid.NewString()
	c.Email = email
	c.CreatedAt = r.s.now()
	c.UpdatedAt = c.CreatedAt
	put(r.s, r.s.data.customers, c.ID, *c)
	return nil
}

func (r customerRepo) GetOrCreate(ctx context.Context, c *domain.Customer) (*domain.Customer, error) {
	err := r.Create(ctx, c)
	if errors.Is(err, repository.ErrConflict) {
		return r.GetByEmail(ctx, c.Email)
	}
	if err != nil {
		return nil, err
	}
	out := *c
	return &out, nil
}

func (r customerRepo) GetByID(_ context.Context, id string) (*domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.data.customers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r customerRepo) GetByEmail(_ context.Context, email string) (*domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	email = repository.NormalizeEmail(email)
	for _, c := range r.s.data.customers {
		if c.Email == email {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r customerRepo) SetBlocked(_ context.Context, id string, blocked bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.data.customers[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Blocked = blocked
	c.UpdatedAt = r.s.now()
	put(r.s, r.s.data.customers, id, c)
	return nil
}

type pgpKeyRepo struct{ s handle }

func (r pgpKeyRepo) Create(_ context.Context, key *domain.CustomerPGPKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.data.keys {
		if existing.CustomerID != key.CustomerID {
			continue
		}
		if existing.Fingerprint == key.Fingerprint || (existing.IsPrimary && key.IsPrimary) {
			return repository.ErrConflict
		}
	}
	key.ID = uuid.NewString()
	key.CreatedAt = r.s.now()
	put(r.s, r.s.data.keys, key.ID, *key)
	return nil
}

func (r pgpKeyRepo) ListByCustomer(_ context.Context, customerID string) ([]domain.CustomerPGPKey, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.CustomerPGPKey
	for _, key := range r.s.data.keys {
		if key.CustomerID == customerID {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type ticketRepo struct{ s handle }

func (r ticketRepo) Create(_ context.Context, t *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.data.tickets {
		if existing.Ref == t.Ref {
			return repository.ErrConflict
		}
	}
	t.ID = uuid.NewString()
	t.CreatedAt = r.s.now()
	t.UpdatedAt = t.CreatedAt
	put(r.s, r.s.data.tickets, t.ID, *t)
	return nil
}

func (r ticketRepo) Update(_ context.Context, t *domain.Ticket) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.data.tickets[t.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.CustomerVerified = t.CustomerVerified
	existing.VerificationToken = t.VerificationToken
	existing.State = t.State
	existing.Priority = t.Priority
	existing.AssignedTo = t.AssignedTo
	existing.Subject = t.Subject
	existing.Deleted = t.Deleted
	existing.ClosedAt = t.ClosedAt
	existing.UpdatedAt = r.s.now()
	t.UpdatedAt = existing.UpdatedAt
	put(r.s, r.s.data.tickets, t.ID, existing)
	return nil
}

func (r ticketRepo) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.data.tickets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r ticketRepo) GetByRef(_ context.Context, ref string) (*domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ref = strings.ToUpper(ref)
	for _, t := range r.s.data.tickets {
		if t.Ref == ref {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r ticketRepo) GetByVerificationToken(_ context.Context, token string) (*domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, t := range r.s.data.tickets {
		if token != "" && t.VerificationToken == token {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r ticketRepo) RefExists(ctx context.Context, ref string) (bool, error) {
	_, err := r.GetByRef(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r ticketRepo) FindOpenByEmailMessageIDs(_ context.Context, ids []string) (*domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var (
		match  *domain.Ticket
		latest time.Time
	)
	for _, m := range r.s.data.messages {
		if m.EmailMessageID == nil {
			continue
		}
		if _, ok := wanted[*m.EmailMessageID]; !ok {
			continue
		}
		t := r.s.data.tickets[m.TicketID]
		if !t.IsOpen() {
			continue
		}
		if match == nil || m.Date.After(latest) {
			tc := t
			match, latest = &tc, m.Date
		}
	}
	if match == nil {
		return nil, repository.ErrNotFound
	}
	return match, nil
}

func (r ticketRepo) List(_ context.Context, f repository.TicketFilter) ([]domain.Ticket, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Ticket
	for _, t := range r.s.data.tickets {
		if t.Deleted && !f.IncludeDeleted {
			continue
		}
		if f.State != nil && t.State != *f.State {
			continue
		}
		if f.AssignedTo != nil && (t.AssignedTo == nil || *t.AssignedTo != *f.AssignedTo) {
			continue
		}
		if f.AssignedTo == nil && f.Unassigned && t.AssignedTo != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(f.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	end := min(offset+limit, len(out))
	return out[offset:end], nil
}

type messageRepo struct{ s handle }

func (r messageRepo) Create(_ context.Context, m *domain.TicketMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.tickets[m.TicketID]; !ok {
		return repository.ErrNotFound
	}
	if m.EmailMessageID != nil {
		for _, existing := range r.s.data.messages {
			if existing.EmailMessageID != nil && *existing.EmailMessageID == *m.EmailMessageID {
				return repository.ErrDuplicateMessageID
			}
		}
	}
	m.ID = uuid.NewString()
	m.CreatedAt = r.s.now()
	stored := *m
	stored.Attachments = nil
	put(r.s, r.s.data.messages, m.ID, stored)
	return nil
}

func (r messageRepo) ExistsByEmailMessageID(_ context.Context, id string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, m := range r.s.data.messages {
		if m.EmailMessageID != nil && *m.EmailMessageID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r messageRepo) GetByID(_ context.Context, id string) (*domain.TicketMessage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.data.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r messageRepo) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketMessage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.TicketMessage
	for _, m := range r.s.data.messages {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r messageRepo) ListEmailMessageIDs(ctx context.Context, ticketID string) ([]string, error) {
	msgs, err := r.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range msgs {
		if m.EmailMessageID != nil {
			ids = append(ids, *m.EmailMessageID)
		}
	}
	return ids, nil
}

type attachmentRepo struct{ s handle }

func (r attachmentRepo) Create(_ context.Context, a *domain.TicketMessageAttachment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.messages[a.MessageID]; !ok {
		return repository.ErrNotFound
	}
	a.ID = uuid.NewString()
	a.CreatedAt = r.s.now()
	put(r.s, r.s.data.attachments, a.ID, *a)
	return nil
}

func (r attachmentRepo) ListByMessage(_ context.Context, messageID string) ([]domain.TicketMessageAttachment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.TicketMessageAttachment
	for _, a := range r.s.data.attachments {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type verificationRepo struct{ s handle }

func (r verificationRepo) Create(_ context.Context, v *domain.VerificationSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.data.sessions {
		if existing.SessionID == v.SessionID {
			return repository.ErrConflict
		}
	}
	v.ID = uuid.NewString()
	v.CreatedAt = r.s.now()
	put(r.s, r.s.data.sessions, v.ID, *v)
	return nil
}

func (r verificationRepo) GetBySessionID(_ context.Context, sessionID string) (*domain.VerificationSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, v := range r.s.data.sessions {
		if v.SessionID == sessionID {
			return &v, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r verificationRepo) Complete(_ context.Context, id string, status domain.VerificationStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.data.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	v.Status = status
	v.CompletedAt = &at
	put(r.s, r.s.data.sessions, id, v)
	return nil
}

var _ repository.Store = (*Store)(nil)

type historyRepo struct{ s handle }

func (r historyRepo) Create(_ context.Context, h *domain.TicketHistory) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.tickets[h.TicketID]; !ok {
		return repository.ErrNotFound
	}
	h.ID = uuid.NewString()
	h.CreatedAt = r.s.now()
	r.s.data.history = append(r.s.data.history, *h)
	if r.s.log != nil {
		id := h.ID
		r.s.log.steps = append(r.s.log.steps, func() {
			r.s.data.history = slices.DeleteFunc(r.s.data.history, func(x domain.TicketHistory) bool { return x.ID == id })
		})
	}
	return nil
}

func (r historyRepo) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketHistory, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.TicketHistory
	for _, h := range r.s.data.history {
		if h.TicketID == ticketID {
			out = append(out, h)
		}
	}
	return out, nil
}
