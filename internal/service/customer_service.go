package service

import (
	"context"
	"errors"
	"strings"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// CustomerService manages customer records.
type CustomerService struct {
	store repository.Store
}

// NewCustomerService creates the service.
func NewCustomerService(store repository.Store) *CustomerService {
	return &CustomerService{store: store}
}

// GetOrCreateByEmail returns the customer owning email, creating it on first
// contact.
func (s *CustomerService) GetOrCreateByEmail(ctx context.Context, email, name string) (*domain.Customer, error) {
	customer, err := getOrCreateCustomer(ctx, s.store, email, name)
	if err != nil {
		return nil, mapRepoError(err, "customer")
	}
	return customer, nil
}

// SetBlocked toggles the blocklist flag. Mail from a blocked customer is
// answered with a notice and never reaches a ticket.
func (s *CustomerService) SetBlocked(ctx context.Context, agent *domain.Agent, email string, blocked bool) (*domain.Customer, error) {
	if agent == nil || agent.Role != domain.AgentRoleAdmin {
		return nil, apperrors.NewForbidden("admin role required")
	}
	customer, err := s.GetOrCreateByEmail(ctx, email, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.Customers().SetBlocked(ctx, customer.ID, blocked); err != nil {
		return nil, mapRepoError(err, "customer")
	}
	customer.Blocked = blocked
	return customer, nil
}

// Keys lists a customer's stored OpenPGP keys, primary first.
func (s *CustomerService) Keys(ctx context.Context, email string) ([]domain.CustomerPGPKey, error) {
	customer, err := s.store.Customers().GetByEmail(ctx, email)
	if err != nil {
		return nil, mapRepoError(err, "customer")
	}
	keys, err := s.store.PGPKeys().ListByCustomer(ctx, customer.ID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return keys, nil
}

func getOrCreateCustomer(ctx context.Context, st repository.Store, email, name string) (*domain.Customer, error) {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return nil, apperrors.NewValidationError("email required", nil)
	}
	customer, err := st.Customers().GetByEmail(ctx, email)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return st.Customers().GetOrCreate(ctx, &domain.Customer{Email: email, FullName: strings.TrimSpace(name)})
}
