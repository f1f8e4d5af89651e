package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/api/http/handlers"
	"github.com/deskworks/support-desk/internal/auth"
	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Inbound        *handlers.InboundHandler
	Identity       *handlers.IdentityHandler
	PublicTickets  *handlers.PublicTicketsHandler
	AgentTickets   *handlers.AgentTicketsHandler
	Customers      *handlers.CustomersHandler
	Media          *handlers.MediaHandler
	Metrics        *observability.Metrics
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Metrics.Handler())

	// The relay expects 405 rather than a routing 404 for other methods.
	app.All("/webhooks/inbound", cfg.Inbound.Receive)
	app.Post("/webhooks/identity", cfg.Identity.Webhook)

	app.Post("/tickets", cfg.PublicTickets.Open)
	app.Get("/tickets/verify/:token", cfg.PublicTickets.Verify)
	app.Get("/media/*", cfg.Media.Get)

	agent := app.Group("/agent", cfg.AuthMiddleware.Handle, auth.RequireRole())
	admin := auth.RequireRole(domain.AgentRoleAdmin)

	agent.Get("/tickets", cfg.AgentTickets.List)
	agent.Get("/tickets/:ref", cfg.AgentTickets.Get)
	agent.Get("/tickets/:ref/history", cfg.AgentTickets.History)
	agent.Post("/tickets/:ref/replies", cfg.AgentTickets.Reply)
	agent.Post("/tickets/:ref/notes", cfg.AgentTickets.Note)
	agent.Post("/tickets/:ref/claim", cfg.AgentTickets.Claim)
	agent.Post("/tickets/:ref/assign", admin, cfg.AgentTickets.Assign)
	agent.Post("/tickets/:ref/close", cfg.AgentTickets.Close)
	agent.Post("/tickets/:ref/reopen", cfg.AgentTickets.Reopen)
	agent.Delete("/tickets/:ref", admin, cfg.AgentTickets.Delete)
	agent.Post("/tickets/:ref/verification", cfg.Identity.RequestVerification)

	agent.Post("/customers/block", admin, cfg.Customers.SetBlocked)
	agent.Get("/customers/:email/keys", cfg.Customers.Keys)
}
