package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/repository/memory"
	"github.com/deskworks/support-desk/internal/service"
)

type sentMail struct {
	from string
	to   []string
	raw  []byte
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (c *captureSender) Send(_ context.Context, from string, to []string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentMail{from: from, to: to, raw: msg})
	return nil
}

type capturePusher struct {
	bodies []any
}

func (c *capturePusher) Push(_ context.Context, body any) error {
	c.bodies = append(c.bodies, body)
	return nil
}

type parsedMail struct {
	header mail.Header
	text   string
	html   string
}

func parseMail(t *testing.T, raw []byte) parsedMail {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	out := parsedMail{header: mr.Header}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		h, ok := p.Header.(*mail.InlineHeader)
		require.True(t, ok)
		ct, _, err := h.ContentType()
		require.NoError(t, err)
		switch ct {
		case "text/plain":
			out.text = strings.ReplaceAll(string(body), "\r\n", "\n")
		case "text/html":
			out.html = string(body)
		}
	}
	return out
}

type fixture struct {
	store    *memory.Store
	tickets  *service.TicketService
	sender   *captureSender
	pusher   *capturePusher
	notifier *Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	composer, err := NewComposer("Support <support@desk.example.com>", "desk.example.com")
	require.NoError(t, err)
	store := memory.NewStore()
	f := &fixture{
		store:   store,
		tickets: service.NewTicketService(service.TicketDependencies{Store: store, MailDomain: "desk.example.com"}),
		sender:  &captureSender{},
		pusher:  &capturePusher{},
	}
	f.notifier = NewNotifier(Dependencies{
		Store:       store,
		Sender:      f.sender,
		Pusher:      f.pusher,
		Composer:    composer,
		ExternalURL: "https://desk.example.com/",
	})
	return f
}

func (f *fixture) openTicket(t *testing.T, verified bool) *domain.Ticket {
	t.Helper()
	ticket, _, err := f.tickets.OpenTicket(context.Background(), service.OpenTicketInput{
		Email:    "bob@example.com",
		Name:     "Bob Smith",
		Subject:  "Printer on fire",
		Body:     "<p>help</p>",
		Source:   domain.TicketSourceEmail,
		Verified: verified,
	})
	require.NoError(t, err)
	return ticket
}

func (f *fixture) addEmailMessage(t *testing.T, ticketID, messageID string) {
	t.Helper()
	require.NoError(t, f.store.Messages().Create(context.Background(), &domain.TicketMessage{
		TicketID:       ticketID,
		Type:           domain.MessageTypeCustomer,
		Body:           "<p>more</p>",
		Date:           time.Now(),
		EmailMessageID: &messageID,
	}))
}

func job(t *testing.T, kind string, payload any) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{ID: "job-1", Kind: kind, Payload: raw}
}

func TestTicketOpenedMail(t *testing.T) {
	f := newFixture(t)
	ticket := f.openTicket(t, false)
	f.addEmailMessage(t, ticket.ID, "<first@example.com>")

	err := f.notifier.TicketOpened(context.Background(),
		job(t, queue.KindMailTicketOpened, queue.TicketMailPayload{TicketID: ticket.ID}))
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)

	sent := f.sender.sent[0]
	assert.Equal(t, "support@desk.example.com", sent.from)
	assert.Equal(t, []string{"bob@example.com"}, sent.to)

	m := parseMail(t, sent.raw)
	subject, err := m.header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Ticket opened", subject)
	inReplyTo, err := m.header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"first@example.com"}, inReplyTo)

	verifyURL := "https://desk.example.com/tickets/verify/" + ticket.VerificationToken
	assert.Contains(t, m.html, `href="`+verifyURL+`"`)
	assert.Contains(t, m.text, verifyURL)
	assert.Contains(t, m.text, ticket.Ref)
	assert.Contains(t, m.text, "Hi Bob Smith,")
}

func TestTicketOpenedMailVerifiedHasNoLink(t *testing.T) {
	f := newFixture(t)
	ticket := f.openTicket(t, true)

	require.NoError(t, f.notifier.TicketOpened(context.Background(),
		job(t, queue.KindMailTicketOpened, queue.TicketMailPayload{TicketID: ticket.ID})))
	require.Len(t, f.sender.sent, 1)

	m := parseMail(t, f.sender.sent[0].raw)
	assert.NotContains(t, m.html, "/tickets/verify/")
	assert.Empty(t, m.header.Get("In-Reply-To"))
}

func TestReplyMailThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.openTicket(t, true)
	f.addEmailMessage(t, ticket.ID, "<a@example.com>")
	f.addEmailMessage(t, ticket.ID, "<b@example.com>")

	agent := &domain.Agent{ID: "agent-1", Name: "Sam", Role: domain.AgentRoleAgent}
	reply, err := f.tickets.PostReply(ctx, agent, ticket.Ref, "<p>Try turning it off.</p>")
	require.NoError(t, err)

	require.NoError(t, f.notifier.Reply(ctx, job(t, queue.KindMailReply, queue.ReplyMailPayload{MessageID: reply.ID})))
	require.Len(t, f.sender.sent, 1)

	m := parseMail(t, f.sender.sent[0].raw)
	id, err := m.header.MessageID()
	require.NoError(t, err)
	assert.Equal(t, strings.Trim(*reply.EmailMessageID, "<>"), id)

	refs, err := m.header.MsgIDList("References")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, refs)
	inReplyTo, err := m.header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"b@example.com"}, inReplyTo)

	subject, err := m.header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Printer on fire", subject)
	assert.Contains(t, m.html, "<p>Try turning it off.</p>")
	assert.Contains(t, m.text, "Thanks,\nSam")
	assert.Empty(t, m.header.Get("Auto-Submitted"))
}

func TestTicketClosedMail(t *testing.T) {
	f := newFixture(t)
	ticket := f.openTicket(t, true)

	require.NoError(t, f.notifier.TicketClosed(context.Background(),
		job(t, queue.KindMailTicketClosed, queue.TicketMailPayload{TicketID: ticket.ID})))
	require.Len(t, f.sender.sent, 1)

	m := parseMail(t, f.sender.sent[0].raw)
	subject, err := m.header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Ticket closed - Printer on fire", subject)
}

func TestBounceMails(t *testing.T) {
	tests := []struct {
		name   string
		run    func(*Notifier, context.Context, queue.Job) error
		reason string
		want   string
	}{
		{"blocked", (*Notifier).Blocked, "", "was not accepted"},
		{"undecryptable", (*Notifier).Rejected, queue.RejectDecryptionFailed, "could not decrypt"},
		{"empty", (*Notifier).Rejected, queue.RejectNoBody, "no readable content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := tt.run(f.notifier, context.Background(), job(t, queue.KindMailRejected, queue.BounceMailPayload{
				To:        "eve@example.com",
				Subject:   "Hello",
				InReplyTo: "<orig@example.com>",
				Reason:    tt.reason,
			}))
			require.NoError(t, err)
			require.Len(t, f.sender.sent, 1)

			m := parseMail(t, f.sender.sent[0].raw)
			assert.Equal(t, "auto-replied", m.header.Get("Auto-Submitted"))
			inReplyTo, err := m.header.MsgIDList("In-Reply-To")
			require.NoError(t, err)
			assert.Equal(t, []string{"orig@example.com"}, inReplyTo)
			assert.Contains(t, m.text, tt.want)
			assert.Contains(t, m.text, "Hi there,")
		})
	}
}

func TestMissingRowsAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.notifier.TicketOpened(ctx, job(t, queue.KindMailTicketOpened, queue.TicketMailPayload{TicketID: "gone"})))
	assert.NoError(t, f.notifier.Reply(ctx, job(t, queue.KindMailReply, queue.ReplyMailPayload{MessageID: "gone"})))
	assert.NoError(t, f.notifier.TicketClosed(ctx, queue.Job{Kind: queue.KindMailTicketClosed, Payload: []byte("{")}))
	assert.Empty(t, f.sender.sent)
}

func TestSendFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ticket := f.openTicket(t, true)
	f.sender.err = errors.New("relay down")

	err := f.notifier.TicketClosed(context.Background(),
		job(t, queue.KindMailTicketClosed, queue.TicketMailPayload{TicketID: ticket.ID}))
	assert.ErrorContains(t, err, "relay down")
}

func TestNotifyAgents(t *testing.T) {
	f := newFixture(t)
	err := f.notifier.NotifyAgents(context.Background(), job(t, queue.KindNotifyAgents, queue.NotifyAgentsPayload{
		TicketRef: "ABCD1234",
		Subject:   "Printer on fire",
		NewTicket: true,
	}))
	require.NoError(t, err)
	require.Len(t, f.pusher.bodies, 1)

	push := f.pusher.bodies[0].(agentPush)
	assert.Equal(t, "ticket.opened", push.Event)
	assert.Equal(t, "https://desk.example.com/agent/tickets/ABCD1234", push.URL)

	f.notifier.pusher = nil
	assert.NoError(t, f.notifier.NotifyAgents(context.Background(),
		job(t, queue.KindNotifyAgents, queue.NotifyAgentsPayload{TicketRef: "ABCD1234"})))
}

func TestWebhookPusher(t *testing.T) {
	var (
		got    map[string]any
		status = http.StatusNoContent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := NewWebhookPusher(srv.URL + "/push")
	require.NoError(t, p.Push(context.Background(), agentPush{Event: "ticket.opened", TicketRef: "ABCD1234"}))
	assert.Equal(t, "ABCD1234", got["ticket_ref"])

	status = http.StatusBadGateway
	assert.ErrorContains(t, p.Push(context.Background(), agentPush{}), "502")
}

type smtpBackend struct {
	mu       sync.Mutex
	received []sentMail
}

func (b *smtpBackend) Login(*smtp.ConnectionState, string, string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (b *smtpBackend) AnonymousLogin(*smtp.ConnectionState) (smtp.Session, error) {
	return &smtpSession{backend: b}, nil
}

type smtpSession struct {
	backend *smtpBackend
	current sentMail
}

func (s *smtpSession) Reset()        { s.current = sentMail{} }
func (s *smtpSession) Logout() error { return nil }

func (s *smtpSession) Mail(from string, _ smtp.MailOptions) error {
	s.current.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string) error {
	s.current.to = append(s.current.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.raw = raw
	s.backend.mu.Lock()
	s.backend.received = append(s.backend.received, s.current)
	s.backend.mu.Unlock()
	return nil
}

func TestSMTPSender(t *testing.T) {
	backend := &smtpBackend{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AuthDisabled = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	composer, err := NewComposer("Support <support@desk.example.com>", "desk.example.com")
	require.NoError(t, err)
	raw, err := composer.Compose(Mail{
		To:      &mail.Address{Address: "bob@example.com"},
		Subject: "Ticket opened",
		HTML:    "<p>hello</p>",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sender := NewSMTPSender(ln.Addr().String(), "desk.example.com")
	require.NoError(t, sender.Send(ctx, composer.Sender(), []string{"bob@example.com"}, raw))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.received, 1)
	assert.Equal(t, "support@desk.example.com", backend.received[0].from)
	assert.Equal(t, []string{"bob@example.com"}, backend.received[0].to)

	m := parseMail(t, backend.received[0].raw)
	assert.Equal(t, "hello", m.text)
	id, err := m.header.MessageID()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@desk.example.com"))

	assert.Error(t, sender.Send(ctx, "a@b", nil, raw))
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs and links", "<p>Hi Bob,</p>\r\n<p>See <a href=\"https://x.example\">docs</a></p><p>Thanks,<br/>Sam</p>",
			"Hi Bob,\n\nSee docs (https://x.example)\n\nThanks,\nSam"},
		{"list", "<ul><li>one</li><li>two</li></ul>", "* one\n* two"},
		{"inline spacing", "a <b>bold</b> move", "a bold move"},
		{"scripts dropped", "<script>alert(1)</script><p>ok</p>", "ok"},
		{"plain text", "just text", "just text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}
