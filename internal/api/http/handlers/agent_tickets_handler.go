package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/auth"
	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/service"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

// AgentTicketsHandler serves the agent ticket API.
type AgentTicketsHandler struct {
	tickets     *service.TicketService
	assignments *service.AssignmentService
	urls        URLResolver
}

// URLResolver maps a content-store locator to its public URL.
type URLResolver interface {
	URL(locator string) string
}

// NewAgentTicketsHandler constructs handler.
func NewAgentTicketsHandler(tickets *service.TicketService, assignments *service.AssignmentService, urls URLResolver) *AgentTicketsHandler {
	return &AgentTicketsHandler{tickets: tickets, assignments: assignments, urls: urls}
}

// List GET /agent/tickets?state=OPEN&assigned=me|none|<agent id>&page=1&page_size=20.
func (h *AgentTicketsHandler) List(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	filter, err := parseTicketFilter(c, agent)
	if err != nil {
		return err
	}
	tickets, err := h.tickets.ListTickets(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.TicketSummary, 0, len(tickets))
	for i := range tickets {
		items = append(items, ticketSummary(&tickets[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /agent/tickets/:ref.
func (h *AgentTicketsHandler) Get(c *fiber.Ctx) error {
	detail, err := h.tickets.GetTicket(c.UserContext(), c.Params("ref"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketDetail(detail, h.urls)})
}

// History GET /agent/tickets/:ref/history.
func (h *AgentTicketsHandler) History(c *fiber.Ctx) error {
	entries, err := h.tickets.History(c.UserContext(), c.Params("ref"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": historyResponses(entries)})
}

// Reply POST /agent/tickets/:ref/replies.
func (h *AgentTicketsHandler) Reply(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	body, err := messageBody(c)
	if err != nil {
		return err
	}
	msg, err := h.tickets.PostReply(c.UserContext(), agent, c.Params("ref"), body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": messageResponse(msg, h.urls)})
}

// Note POST /agent/tickets/:ref/notes.
func (h *AgentTicketsHandler) Note(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	body, err := messageBody(c)
	if err != nil {
		return err
	}
	msg, err := h.tickets.PostNote(c.UserContext(), agent, c.Params("ref"), body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": messageResponse(msg, h.urls)})
}

// Claim POST /agent/tickets/:ref/claim.
func (h *AgentTicketsHandler) Claim(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	ticket, err := h.assignments.Claim(c.UserContext(), agent, c.Params("ref"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketSummary(ticket)})
}

// Assign POST /agent/tickets/:ref/assign.
func (h *AgentTicketsHandler) Assign(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.assignments.Assign(c.UserContext(), agent, c.Params("ref"), req.AgentID, req.AgentName)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketSummary(ticket)})
}

// Close POST /agent/tickets/:ref/close.
func (h *AgentTicketsHandler) Close(c *fiber.Ctx) error {
	return h.transition(c, h.tickets.Close)
}

// Reopen POST /agent/tickets/:ref/reopen.
func (h *AgentTicketsHandler) Reopen(c *fiber.Ctx) error {
	return h.transition(c, h.tickets.Reopen)
}

func (h *AgentTicketsHandler) transition(c *fiber.Ctx, fn func(context.Context, *domain.Agent, string, string) (*domain.Ticket, error)) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	ticket, err := fn(c.UserContext(), agent, c.Params("ref"), req.Message)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketSummary(ticket)})
}

// Delete DELETE /agent/tickets/:ref. Admin only.
func (h *AgentTicketsHandler) Delete(c *fiber.Ctx) error {
	agent, err := currentAgent(c)
	if err != nil {
		return err
	}
	if err := h.tickets.SoftDelete(c.UserContext(), agent, c.Params("ref")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func currentAgent(c *fiber.Ctx) (*domain.Agent, error) {
	agent, ok := auth.AgentFromContext(c)
	if !ok {
		return nil, apperrors.NewUnauthorized("agent required")
	}
	return agent, nil
}

func messageBody(c *fiber.Ctx) (string, error) {
	var req dto.MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return "", apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", apperrors.NewValidationError("body required", map[string]any{"field": "body"})
	}
	return req.Body, nil
}

func parseTicketFilter(c *fiber.Ctx, agent *domain.Agent) (service.TicketListFilter, error) {
	var filter service.TicketListFilter
	if raw := c.Query("state"); raw != "" {
		state, err := domain.ParseTicketState(raw)
		if err != nil {
			return filter, apperrors.NewValidationError(err.Error(), map[string]any{"field": "state"})
		}
		filter.State = &state
	}
	switch assigned := strings.TrimSpace(c.Query("assigned")); assigned {
	case "":
	case "none":
		filter.Unassigned = true
	case "me":
		filter.AssignedTo = &agent.ID
	default:
		filter.AssignedTo = &assigned
	}
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	filter.Offset = (page - 1) * pageSize
	filter.Limit = pageSize
	return filter, nil
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
