package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/service"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// CustomersHandler exposes customer administration to agents.
type CustomersHandler struct {
	customers *service.CustomerService
}

// NewCustomersHandler constructs handler.
func NewCustomersHandler(customers *service.CustomerService) *CustomersHandler {
	return &CustomersHandler{customers: customers}
}

// SetBlocked POST /agent/customers/block.
func (h *CustomersHandler) SetBlocked(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	var req dto.BlockCustomerRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" {
		return apperrors.NewValidationError("email required", map[string]any{"field": "email"})
	}
	customer, err := h.customers.SetBlocked(c.UserContext(), agent, req.Email, req.Blocked)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.CustomerResponse{
		ID:       customer.ID,
		Email:    customer.Email,
		FullName: customer.FullName,
		Blocked:  customer.Blocked,
	}})
}

// Keys GET /agent/customers/:email/keys.
func (h *CustomersHandler) Keys(c *fiber.Ctx) error {
	keys, err := h.customers.Keys(c.UserContext(), c.Params("email"))
	if err != nil {
		return err
	}
	items := make([]dto.PGPKeyResponse, 0, len(keys))
	for _, k := range keys {
		items = append(items, dto.PGPKeyResponse{Fingerprint: k.Fingerprint, Primary: k.IsPrimary, CreatedAt: k.CreatedAt})
	}
	return c.JSON(fiber.Map{"data": items})
}
