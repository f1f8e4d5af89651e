package http

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/api/http/handlers"
	"github.com/deskworks/support-desk/internal/auth"
	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/identity"
	"github.com/deskworks/support-desk/internal/inbound/normalize"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv/pgptest"
	"github.com/deskworks/support-desk/internal/inbound/signature"
	"github.com/deskworks/support-desk/internal/observability"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/repository/memory"
	"github.com/deskworks/support-desk/internal/service"
	"github.com/deskworks/support-desk/internal/storage"
)

const (
	relayHeader    = "X-Postal-Signature"
	identitySecret = "whsec_test"
)

type testServer struct {
	app     *fiber.App
	store   *memory.Store
	broker  *queue.MemoryBroker
	files   *storage.FilesystemStore
	tickets *service.TicketService
	tokens  *auth.TokenManager
	relay   *rsa.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	relay, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	files, err := storage.NewFilesystemStore(t.TempDir(), "https://desk.example.com/media")
	require.NoError(t, err)

	logger := zap.NewNop()
	store := memory.NewStore()
	broker := queue.NewMemoryBroker()
	jobs := queue.New(broker)
	dispatcher := events.NewInMemoryDispatcher(logger)
	service.NewNotificationService(dispatcher, jobs, logger).RegisterHandlers()

	ingestion := service.NewIngestionService(service.IngestionDependencies{
		Store:      store,
		Resolver:   pgpenv.NewResolver(nil),
		Normalizer: normalize.New(files),
		Jobs:       jobs,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	tickets := service.NewTicketService(service.TicketDependencies{
		Store:      store,
		Dispatcher: dispatcher,
		MailDomain: "desk.example.com",
	})
	tokens := auth.NewTokenManager("jwt-secret", 30)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	app := fiber.New()
	RegisterMiddlewares(app, logger, metrics, 0)
	RegisterRoutes(app, RouteConfig{
		Health:  handlers.NewHealthHandler("support-desk", "test", nil),
		Inbound: handlers.NewInboundHandler(signature.NewVerifier(&relay.PublicKey), relayHeader, ingestion, metrics, logger),
		Identity: handlers.NewIdentityHandler(
			identity.NewSignatureVerifier(identitySecret, 5*time.Minute),
			identity.NewService(store, tickets, logger),
			metrics, logger),
		PublicTickets:  handlers.NewPublicTicketsHandler(tickets),
		AgentTickets:   handlers.NewAgentTicketsHandler(tickets, service.NewAssignmentService(store, dispatcher), files),
		Customers:      handlers.NewCustomersHandler(service.NewCustomerService(store)),
		Media:          handlers.NewMediaHandler(files),
		Metrics:        metrics,
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	return &testServer{app: app, store: store, broker: broker, files: files, tickets: tickets, tokens: tokens, relay: relay}
}

func (s *testServer) do(t *testing.T, req *nethttp.Request) (*nethttp.Response, string) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (s *testServer) sign(t *testing.T, body []byte) string {
	t.Helper()
	digest := sha1.Sum(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.relay, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (s *testServer) token(t *testing.T, role domain.AgentRole) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken(&domain.Agent{ID: "agent-" + strings.ToLower(string(role)), Name: "Sam", Role: role})
	require.NoError(t, err)
	return token
}

func (s *testServer) openTicket(t *testing.T) *domain.Ticket {
	t.Helper()
	ticket, _, err := s.tickets.OpenTicket(context.Background(), service.OpenTicketInput{
		Email:   "bob@example.com",
		Name:    "Bob",
		Subject: "Broken login",
		Body:    "<p>help</p>",
		Source:  domain.TicketSourceWeb,
	})
	require.NoError(t, err)
	return ticket
}

func inboundPayload(raw []byte) []byte {
	body, _ := json.Marshal(map[string]string{
		"mail_from": "ada@example.com",
		"rcpt_to":   "support@example.net",
		"message":   base64.StdEncoding.EncodeToString(raw),
	})
	return body
}

func agentRequest(method, target, token, body string) *nethttp.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestInboundWebhookStatuses(t *testing.T) {
	srv := newTestServer(t)
	mail := []byte(pgptest.Headers("Ada <ada@example.com>", "<hook-1@mail.example.com>") +
		"Content-Type: text/plain; charset=utf-8\r\n\r\nThe dashboard is blank\r\n")
	valid := inboundPayload(mail)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	digest := sha1.Sum(valid)
	forged, err := rsa.SignPKCS1v15(rand.Reader, other, crypto.SHA1, digest[:])
	require.NoError(t, err)

	notJSON := []byte("{not json")
	badBase64 := []byte(`{"mail_from":"a@b","rcpt_to":"c@d","message":"%%%"}`)

	tests := []struct {
		name   string
		method string
		body   []byte
		sig    string
		status int
	}{
		{name: "wrong method", method: fiber.MethodGet, status: fiber.StatusMethodNotAllowed},
		{name: "missing signature", method: fiber.MethodPost, body: valid, status: fiber.StatusBadRequest},
		{name: "signature not base64", method: fiber.MethodPost, body: valid, sig: "***", status: fiber.StatusBadRequest},
		{name: "forged signature", method: fiber.MethodPost, body: valid, sig: base64.StdEncoding.EncodeToString(forged), status: fiber.StatusUnauthorized},
		{name: "malformed json", method: fiber.MethodPost, body: notJSON, sig: srv.sign(t, notJSON), status: fiber.StatusBadRequest},
		{name: "malformed base64", method: fiber.MethodPost, body: badBase64, sig: srv.sign(t, badBase64), status: fiber.StatusBadRequest},
		{name: "accepted", method: fiber.MethodPost, body: valid, sig: srv.sign(t, valid), status: fiber.StatusNoContent},
		{name: "redelivery", method: fiber.MethodPost, body: valid, sig: srv.sign(t, valid), status: fiber.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if tc.body != nil {
				body = strings.NewReader(string(tc.body))
			}
			req := httptest.NewRequest(tc.method, "/webhooks/inbound", body)
			req.Header.Set("Content-Type", "application/json")
			if tc.sig != "" {
				req.Header.Set(relayHeader, tc.sig)
			}
			resp, _ := srv.do(t, req)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	exists, err := srv.store.Messages().ExistsByEmailMessageID(context.Background(), "<hook-1@mail.example.com>")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Len(t, srv.broker.JobsOfKind(queue.KindMailTicketOpened), 1, "redelivery must not enqueue twice")

	_, metrics := srv.do(t, httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	assert.Contains(t, metrics, `webhook_outcomes_total{endpoint="inbound",outcome="duplicate"} 1`)
	assert.Contains(t, metrics, `webhook_outcomes_total{endpoint="inbound",outcome="invalid_signature"} 1`)
}

func TestInboundWebhookDiscardsUnparseableMail(t *testing.T) {
	srv := newTestServer(t)
	body := inboundPayload([]byte("this is not a mail message"))
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/inbound", strings.NewReader(string(body)))
	req.Header.Set(relayHeader, srv.sign(t, body))

	resp, _ := srv.do(t, req)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Empty(t, srv.broker.JobsOfKind(queue.KindMailTicketOpened))
}

func TestIdentityWebhook(t *testing.T) {
	srv := newTestServer(t)
	ticket := srv.openTicket(t)

	req := agentRequest(fiber.MethodPost, "/agent/tickets/"+ticket.Ref+"/verification", srv.token(t, domain.AgentRoleAgent), `{"session_id":"vs_123"}`)
	resp, _ := srv.do(t, req)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	event := func(kind, session string) []byte {
		return []byte(`{"id":"evt_1","type":"` + kind + `","data":{"object":{"id":"` + session + `","status":"x"}}}`)
	}
	send := func(body []byte, header string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/webhooks/identity", strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		if header != "" {
			req.Header.Set("Stripe-Signature", header)
		}
		resp, _ := srv.do(t, req)
		return resp.StatusCode
	}
	signed := func(body []byte) string {
		return identity.SignatureHeader(identitySecret, time.Now(), body)
	}

	unknownType := event("identity.verification_session.canceled", "vs_123")
	assert.Equal(t, fiber.StatusBadRequest, send(unknownType, signed(unknownType)))

	unmatched := event(identity.EventVerified, "vs_other")
	assert.Equal(t, fiber.StatusNoContent, send(unmatched, signed(unmatched)))

	verified := event(identity.EventVerified, "vs_123")
	assert.Equal(t, fiber.StatusBadRequest, send(verified, ""))
	assert.Equal(t, fiber.StatusUnauthorized, send(verified, identity.SignatureHeader("wrong", time.Now(), verified)))
	assert.Equal(t, fiber.StatusUnauthorized, send(verified, identity.SignatureHeader(identitySecret, time.Now().Add(-time.Hour), verified)))
	assert.Equal(t, fiber.StatusNoContent, send(verified, signed(verified)))

	stored, err := srv.store.Tickets().GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.True(t, stored.CustomerVerified)
}

func TestAgentRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, agentRequest(fiber.MethodGet, "/agent/tickets", "", ""))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, `"error"`)

	resp, _ = srv.do(t, agentRequest(fiber.MethodGet, "/agent/tickets", "garbage", ""))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAgentTicketFlow(t *testing.T) {
	srv := newTestServer(t)
	ticket := srv.openTicket(t)
	agentToken := srv.token(t, domain.AgentRoleAgent)
	adminToken := srv.token(t, domain.AgentRoleAdmin)
	base := "/agent/tickets/" + ticket.Ref

	resp, body := srv.do(t, agentRequest(fiber.MethodGet, "/agent/tickets?state=open", agentToken, ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ticket.Ref)

	resp, _ = srv.do(t, agentRequest(fiber.MethodGet, "/agent/tickets?state=pending", agentToken, ""))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, agentRequest(fiber.MethodPost, base+"/replies", agentToken, `{"body":"   "}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = srv.do(t, agentRequest(fiber.MethodPost, base+"/replies", agentToken, `{"body":"Try clearing cookies"}`))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, `"type":"RESPONSE"`)
	assert.Contains(t, body, "@desk.example.com")
	assert.Len(t, srv.broker.JobsOfKind(queue.KindMailReply), 1)

	resp, _ = srv.do(t, agentRequest(fiber.MethodPost, base+"/notes", agentToken, `{"body":"customer is on the legacy plan"}`))
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body = srv.do(t, agentRequest(fiber.MethodPost, base+"/claim", agentToken, ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"assigned_to":"agent-agent"`)

	resp, _ = srv.do(t, agentRequest(fiber.MethodPost, base+"/assign", agentToken, `{"agent_id":"agent-2"}`))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body = srv.do(t, agentRequest(fiber.MethodPost, base+"/close", agentToken, ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"CLOSED"`)
	assert.Len(t, srv.broker.JobsOfKind(queue.KindMailTicketClosed), 1)

	resp, body = srv.do(t, agentRequest(fiber.MethodPost, base+"/reopen", agentToken, `{"message":"customer wrote back"}`))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"OPEN"`)

	resp, body = srv.do(t, agentRequest(fiber.MethodGet, base, agentToken, ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var detail struct {
		Data struct {
			Ref      string `json:"ref"`
			Customer struct {
				Email string `json:"email"`
			} `json:"customer"`
			Messages []struct {
				Type string `json:"type"`
			} `json:"messages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &detail))
	assert.Equal(t, ticket.Ref, detail.Data.Ref)
	assert.Equal(t, "bob@example.com", detail.Data.Customer.Email)
	assert.GreaterOrEqual(t, len(detail.Data.Messages), 3)

	resp, body = srv.do(t, agentRequest(fiber.MethodGet, base+"/history", agentToken, ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var history struct {
		Data []struct {
			ChangeType string `json:"change_type"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	var changes []string
	for _, entry := range history.Data {
		changes = append(changes, entry.ChangeType)
	}
	assert.Equal(t, []string{"ASSIGNEE_CHANGE", "STATE_CHANGE", "STATE_CHANGE"}, changes)

	resp, _ = srv.do(t, agentRequest(fiber.MethodDelete, base, agentToken, ""))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	resp, _ = srv.do(t, agentRequest(fiber.MethodDelete, base, adminToken, ""))
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, body = srv.do(t, agentRequest(fiber.MethodGet, "/agent/tickets/NOPE0000", agentToken, ""))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	var notFound dto.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &notFound))
	assert.Equal(t, "NOT_FOUND", notFound.Error.Code)
	assert.NotEmpty(t, notFound.Error.RequestID)
	assert.Equal(t, resp.Header.Get(fiber.HeaderXRequestID), notFound.Error.RequestID)
}

func TestCustomerBlocking(t *testing.T) {
	srv := newTestServer(t)
	srv.openTicket(t)

	resp, _ := srv.do(t, agentRequest(fiber.MethodPost, "/agent/customers/block", srv.token(t, domain.AgentRoleAgent), `{"email":"bob@example.com","blocked":true}`))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body := srv.do(t, agentRequest(fiber.MethodPost, "/agent/customers/block", srv.token(t, domain.AgentRoleAdmin), `{"email":"bob@example.com","blocked":true}`))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"blocked":true`)

	customer, err := srv.store.Customers().GetByEmail(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.True(t, customer.Blocked)

	resp, body = srv.do(t, agentRequest(fiber.MethodGet, "/agent/customers/bob@example.com/keys", srv.token(t, domain.AgentRoleAgent), ""))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":[]}`, body)
}

func TestPublicTicketAndVerification(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, agentRequest(fiber.MethodPost, "/tickets", "", `{"email":"eve@example.com","name":"Eve","subject":"Invoice","body":"Where is my invoice?"}`))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var created struct {
		Data struct {
			Ref string `json:"ref"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))

	ticket, err := srv.store.Tickets().GetByRef(context.Background(), created.Data.Ref)
	require.NoError(t, err)
	require.False(t, ticket.CustomerVerified)

	resp, _ = srv.do(t, httptest.NewRequest(fiber.MethodGet, "/tickets/verify/not-a-token", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body = srv.do(t, httptest.NewRequest(fiber.MethodGet, "/tickets/verify/"+ticket.VerificationToken, nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"verified":true`)
}

func TestMediaServesStoredObjects(t *testing.T) {
	srv := newTestServer(t)
	locator, err := srv.files.Save(context.Background(), "notes.txt", "text/plain", []byte("attachment bytes"))
	require.NoError(t, err)

	resp, body := srv.do(t, httptest.NewRequest(fiber.MethodGet, "/media/"+locator, nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment bytes", body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp, _ = srv.do(t, httptest.NewRequest(fiber.MethodGet, "/media/2020/01/missing.txt", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.do(t, httptest.NewRequest(fiber.MethodGet, "/health/live", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "alive")

	resp, _ = srv.do(t, httptest.NewRequest(fiber.MethodGet, "/health/ready", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
