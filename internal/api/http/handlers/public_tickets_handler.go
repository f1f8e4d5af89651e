package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/service"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// PublicTicketsHandler serves unauthenticated customer endpoints.
type PublicTicketsHandler struct {
	tickets *service.TicketService
}

// NewPublicTicketsHandler constructs handler.
func NewPublicTicketsHandler(tickets *service.TicketService) *PublicTicketsHandler {
	return &PublicTicketsHandler{tickets: tickets}
}

// Open POST /tickets. Web form tickets start unverified; the opened mail
// carries the verification link.
func (h *PublicTicketsHandler) Open(c *fiber.Ctx) error {
	var req dto.OpenTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, _, err := h.tickets.OpenTicket(c.UserContext(), service.OpenTicketInput{
		Email:   req.Email,
		Name:    req.Name,
		Subject: req.Subject,
		Body:    req.Body,
		Source:  domain.TicketSourceWeb,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": fiber.Map{"ref": ticket.Ref}})
}

// Verify GET /tickets/verify/:token.
func (h *PublicTicketsHandler) Verify(c *fiber.Ctx) error {
	ticket, err := h.tickets.VerifyByToken(c.UserContext(), c.Params("token"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"ref": ticket.Ref, "verified": ticket.CustomerVerified}})
}
