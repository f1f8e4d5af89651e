package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/identity"
	"github.com/deskworks/support-desk/internal/observability"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

const (
	identityEndpoint        = "identity"
	identitySignatureHeader = "Stripe-Signature"
)

// IdentityHandler serves the identity-verification webhook and the agent
// endpoint that registers sessions.
type IdentityHandler struct {
	verifier *identity.SignatureVerifier
	service  *identity.Service
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewIdentityHandler constructs handler.
func NewIdentityHandler(verifier *identity.SignatureVerifier, svc *identity.Service, metrics *observability.Metrics, logger *zap.Logger) *IdentityHandler {
	return &IdentityHandler{verifier: verifier, service: svc, metrics: metrics, logger: logger}
}

// Webhook handles POST /webhooks/identity.
func (h *IdentityHandler) Webhook(c *fiber.Ctx) error {
	if err := h.verifier.Verify(c.Body(), c.Get(identitySignatureHeader)); err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, identity.ErrInvalidSignature) || errors.Is(err, identity.ErrStaleSignature) {
			status = fiber.StatusUnauthorized
		}
		h.metrics.RecordWebhook(identityEndpoint, "bad_signature")
		h.logger.Warn("identity webhook rejected", zap.Error(err))
		return c.SendStatus(status)
	}

	event, err := identity.ParseEvent(c.Body())
	if err != nil {
		h.metrics.RecordWebhook(identityEndpoint, "malformed")
		return err
	}
	if err := h.service.HandleEvent(c.UserContext(), event); err != nil {
		h.metrics.RecordWebhook(identityEndpoint, apperrors.ToDomainError(err).Code)
		return err
	}
	h.metrics.RecordWebhook(identityEndpoint, event.Type)
	return c.SendStatus(fiber.StatusNoContent)
}

// RequestVerification POST /agent/tickets/:ref/verification.
func (h *IdentityHandler) RequestVerification(c *fiber.Ctx) error {
	var req dto.VerificationRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	session, err := h.service.RequestVerification(c.UserContext(), c.Params("ref"), req.SessionID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.VerificationSessionResponse{
		SessionID: session.SessionID,
		TicketID:  session.TicketID,
		Status:    session.Status,
		CreatedAt: session.CreatedAt,
	}})
}
