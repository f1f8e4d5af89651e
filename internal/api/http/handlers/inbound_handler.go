package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/inbound/signature"
	"github.com/deskworks/support-desk/internal/observability"
	"github.com/deskworks/support-desk/internal/service"
)

const inboundEndpoint = "inbound"

// Ingester commits a raw inbound message.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (*service.IngestResult, error)
}

// InboundHandler receives mail from the relay.
type InboundHandler struct {
	verifier  *signature.Verifier
	header    string
	ingestion Ingester
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewInboundHandler constructs handler. header names the signature header
// the relay sends (for example X-Postal-Signature).
func NewInboundHandler(verifier *signature.Verifier, header string, ingestion Ingester, metrics *observability.Metrics, logger *zap.Logger) *InboundHandler {
	return &InboundHandler{
		verifier:  verifier,
		header:    header,
		ingestion: ingestion,
		metrics:   metrics,
		logger:    logger,
	}
}

// Receive handles POST /webhooks/inbound.
//
// The relay redelivers on any 5xx, so only infrastructure failures return
// one. Every content problem past the signature check answers 204.
func (h *InboundHandler) Receive(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		return h.reject(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	if err := h.verifier.Verify(c.Body(), c.Get(h.header)); err != nil {
		if errors.Is(err, signature.ErrInvalidSignature) {
			return h.reject(c, fiber.StatusUnauthorized, "invalid_signature")
		}
		return h.reject(c, fiber.StatusBadRequest, "malformed_signature")
	}

	var req dto.InboundMailRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return h.reject(c, fiber.StatusBadRequest, "malformed_json")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(req.Message), ""))
	if err != nil || len(raw) == 0 {
		return h.reject(c, fiber.StatusBadRequest, "malformed_message")
	}

	h.logger.Info("inbound mail received",
		zap.String("mail_from", req.MailFrom),
		zap.String("rcpt_to", req.RcptTo),
		zap.Int("bytes", len(raw)))

	result, err := h.ingestion.Ingest(c.UserContext(), raw)
	if err != nil {
		h.metrics.RecordWebhook(inboundEndpoint, "error")
		return err
	}
	h.metrics.RecordWebhook(inboundEndpoint, string(result.Outcome))
	if result.Outcome == service.OutcomeIngested {
		h.metrics.RecordIngested(result.NewTicket)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *InboundHandler) reject(c *fiber.Ctx, status int, outcome string) error {
	h.metrics.RecordWebhook(inboundEndpoint, outcome)
	h.logger.Warn("inbound webhook rejected", zap.String("reason", outcome), zap.String("ip", c.IP()))
	return c.SendStatus(status)
}
