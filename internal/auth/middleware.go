package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/domain"
	apperrors "github.com/deskworks/support-desk/pkg/util/errorutil"
)

const agentKey = "auth_agent"

// AuthMiddleware validates bearer tokens. Agents live in the identity
// provider, so the token claims are the whole principal.
type AuthMiddleware struct {
	tokens *TokenManager
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(strings.TrimSpace(parts[1]))
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(agentKey, claims.Agent())
	return c.Next()
}

// AgentFromContext retrieves the authenticated agent.
func AgentFromContext(c *fiber.Ctx) (*domain.Agent, bool) {
	agent, ok := c.Locals(agentKey).(*domain.Agent)
	return agent, ok && agent != nil
}
