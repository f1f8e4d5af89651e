// Package worker executes queued notification jobs: agent push webhooks and
// customer mail.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/flosch/pongo2/v6"
	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/repository"
)

// Dependencies bundles the notifier's collaborators. A nil Pusher disables
// agent push notifications.
type Dependencies struct {
	Store       repository.Store
	Sender      Sender
	Pusher      Pusher
	Composer    *Composer
	Renderer    *Renderer
	ExternalURL string
	Logger      *zap.Logger
}

// Notifier turns jobs into deliveries.
type Notifier struct {
	store       repository.Store
	sender      Sender
	pusher      Pusher
	composer    *Composer
	renderer    *Renderer
	externalURL string
	logger      *zap.Logger
}

// NewNotifier builds a notifier.
func NewNotifier(deps Dependencies) *Notifier {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Notifier{
		store:       deps.Store,
		sender:      deps.Sender,
		pusher:      deps.Pusher,
		composer:    deps.Composer,
		renderer:    renderer,
		externalURL: strings.TrimRight(deps.ExternalURL, "/"),
		logger:      logger,
	}
}

// Register binds a handler for every job kind.
func (n *Notifier) Register(w *queue.Worker) {
	w.Register(queue.KindNotifyAgents, n.NotifyAgents)
	w.Register(queue.KindMailTicketOpened, n.TicketOpened)
	w.Register(queue.KindMailReply, n.Reply)
	w.Register(queue.KindMailTicketClosed, n.TicketClosed)
	w.Register(queue.KindMailBlocked, n.Blocked)
	w.Register(queue.KindMailRejected, n.Rejected)
}

type agentPush struct {
	Event      string  `json:"event"`
	TicketRef  string  `json:"ticket_ref"`
	Subject    string  `json:"subject,omitempty"`
	Preview    string  `json:"preview,omitempty"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	URL        string  `json:"url"`
}

// NotifyAgents posts new customer activity to the push webhook.
func (n *Notifier) NotifyAgents(ctx context.Context, job queue.Job) error {
	var p queue.NotifyAgentsPayload
	if err := job.Decode(&p); err != nil {
		return n.drop(job, err)
	}
	if n.pusher == nil {
		n.logger.Debug("push disabled; skipping agent notification", zap.String("ticket_ref", p.TicketRef))
		return nil
	}
	event := "ticket.message"
	if p.NewTicket {
		event = "ticket.opened"
	}
	return n.pusher.Push(ctx, agentPush{
		Event:      event,
		TicketRef:  p.TicketRef,
		Subject:    p.Subject,
		Preview:    p.Preview,
		AssignedTo: p.AssignedTo,
		URL:        n.externalURL + "/agent/tickets/" + p.TicketRef,
	})
}

// TicketOpened acknowledges a new ticket. Unverified tickets carry the
// verification link.
func (n *Notifier) TicketOpened(ctx context.Context, job queue.Job) error {
	var p queue.TicketMailPayload
	if err := job.Decode(&p); err != nil {
		return n.drop(job, err)
	}
	ticket, customer, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return n.missing(job, err)
	}

	data := pongo2.Context{
		"name":       customer.FullName,
		"ticket_ref": ticket.Ref,
	}
	if !ticket.CustomerVerified && ticket.VerificationToken != "" {
		data["verification_url"] = n.externalURL + "/tickets/verify/" + ticket.VerificationToken
	}
	return n.sendTicketMail(ctx, ticket, customer, "", "Ticket opened", "ticket_opened", data)
}

// Reply mails an agent response. The stored Message-ID is reused so customer
// replies thread back onto the ticket.
func (n *Notifier) Reply(ctx context.Context, job queue.Job) error {
	var p queue.ReplyMailPayload
	if err := job.Decode(&p); err != nil {
		return n.drop(job, err)
	}
	msg, err := n.store.Messages().GetByID(ctx, p.MessageID)
	if err != nil {
		return n.missing(job, err)
	}
	ticket, customer, err := n.loadTicket(ctx, msg.TicketID)
	if err != nil {
		return n.missing(job, err)
	}

	var ownID string
	if msg.EmailMessageID != nil {
		ownID = *msg.EmailMessageID
	}
	return n.sendTicketMail(ctx, ticket, customer, ownID, "Re: "+ticket.Subject, "ticket_reply", pongo2.Context{
		"message_html": msg.Body,
		"ticket_ref":   ticket.Ref,
	})
}

// TicketClosed tells the customer the ticket was closed.
func (n *Notifier) TicketClosed(ctx context.Context, job queue.Job) error {
	var p queue.TicketMailPayload
	if err := job.Decode(&p); err != nil {
		return n.drop(job, err)
	}
	ticket, customer, err := n.loadTicket(ctx, p.TicketID)
	if err != nil {
		return n.missing(job, err)
	}
	return n.sendTicketMail(ctx, ticket, customer, "", "Ticket closed - "+ticket.Subject, "ticket_closed", pongo2.Context{
		"name":       customer.FullName,
		"ticket_ref": ticket.Ref,
		"subject":    ticket.Subject,
	})
}

// Blocked answers mail from a blocked sender.
func (n *Notifier) Blocked(ctx context.Context, job queue.Job) error {
	return n.bounce(ctx, job, "blocked")
}

// Rejected answers mail that could not be ingested.
func (n *Notifier) Rejected(ctx context.Context, job queue.Job) error {
	return n.bounce(ctx, job, "rejected")
}

func (n *Notifier) bounce(ctx context.Context, job queue.Job, template string) error {
	var p queue.BounceMailPayload
	if err := job.Decode(&p); err != nil {
		return n.drop(job, err)
	}
	if p.To == "" {
		return n.drop(job, errors.New("bounce without recipient"))
	}
	body, err := n.renderer.Render(template, pongo2.Context{
		"name":    p.Name,
		"subject": p.Subject,
		"reason":  p.Reason,
	})
	if err != nil {
		return err
	}
	m := Mail{
		To:        &mail.Address{Name: p.Name, Address: p.To},
		Subject:   "Re: " + p.Subject,
		InReplyTo: p.InReplyTo,
		Automated: true,
		HTML:      body,
	}
	if p.InReplyTo != "" {
		m.References = []string{p.InReplyTo}
	}
	return n.send(ctx, m)
}

func (n *Notifier) sendTicketMail(
	ctx context.Context,
	ticket *domain.Ticket,
	customer *domain.Customer,
	ownID, subject, template string,
	data pongo2.Context,
) error {
	refs, err := n.threadIDs(ctx, ticket.ID, ownID)
	if err != nil {
		return err
	}
	body, err := n.renderer.Render(template, data)
	if err != nil {
		return err
	}
	m := Mail{
		To:         &mail.Address{Name: customer.FullName, Address: customer.Email},
		Subject:    subject,
		MessageID:  ownID,
		References: refs,
		HTML:       body,
	}
	if len(refs) > 0 {
		m.InReplyTo = refs[len(refs)-1]
	}
	return n.send(ctx, m)
}

func (n *Notifier) send(ctx context.Context, m Mail) error {
	raw, err := n.composer.Compose(m)
	if err != nil {
		return fmt.Errorf("compose mail: %w", err)
	}
	if err := n.sender.Send(ctx, n.composer.Sender(), []string{m.To.Address}, raw); err != nil {
		return err
	}
	n.logger.Info("mail sent", zap.String("to", m.To.Address), zap.String("subject", m.Subject))
	return nil
}

// threadIDs lists the ticket's Message-IDs oldest first, without exclude.
func (n *Notifier) threadIDs(ctx context.Context, ticketID, exclude string) ([]string, error) {
	ids, err := n.store.Messages().ListEmailMessageIDs(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out, nil
}

func (n *Notifier) loadTicket(ctx context.Context, ticketID string) (*domain.Ticket, *domain.Customer, error) {
	ticket, err := n.store.Tickets().GetByID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	customer, err := n.store.Customers().GetByID(ctx, ticket.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, customer, nil
}

// missing acks jobs whose rows are gone; anything else is retried.
func (n *Notifier) missing(job queue.Job, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return n.drop(job, err)
	}
	return err
}

// drop acknowledges a job that can never succeed.
func (n *Notifier) drop(job queue.Job, err error) error {
	n.logger.Warn("dropping job",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Error(err))
	return nil
}
