package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
	"github.com/deskworks/support-desk/internal/inbound/normalize"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv"
	"github.com/deskworks/support-desk/internal/inbound/thread"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/repository"
)

// Outcome says what happened to an inbound message. Every outcome is a
// success from the relay's point of view.
type Outcome string

const (
	OutcomeIngested         Outcome = "ingested"
	OutcomeUnparseable      Outcome = "unparseable"
	OutcomeMissingHeaders   Outcome = "missing_headers"
	OutcomeAutomated        Outcome = "automated"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeDecryptionFailed Outcome = "decryption_failed"
	OutcomeNoBody           Outcome = "no_body"
)

// IngestResult describes a processed message.
type IngestResult struct {
	Outcome   Outcome
	TicketID  string
	TicketRef string
	MessageID string
	NewTicket bool
}

// IngestionService turns raw inbound mail into ticket messages.
type IngestionService struct {
	store      repository.Store
	resolver   *pgpenv.Resolver
	normalizer *normalize.Normalizer
	jobs       queue.Enqueuer
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// IngestionDependencies bundles collaborators for the ingestion service.
type IngestionDependencies struct {
	Store      repository.Store
	Resolver   *pgpenv.Resolver
	Normalizer *normalize.Normalizer
	Jobs       queue.Enqueuer
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewIngestionService constructs the service.
func NewIngestionService(deps IngestionDependencies) *IngestionService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = pgpenv.NewResolver(nil)
	}
	return &IngestionService{
		store:      deps.Store,
		resolver:   resolver,
		normalizer: deps.Normalizer,
		jobs:       deps.Jobs,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest processes one raw message. Content problems end in a discard
// outcome with a nil error; only infrastructure failures return an error.
func (s *IngestionService) Ingest(ctx context.Context, raw []byte) (*IngestResult, error) {
	msg, err := mimemsg.Parse(raw)
	if err != nil {
		s.logger.Warn("discarding unparseable message", zap.String("reason", string(OutcomeUnparseable)), zap.Error(err))
		return &IngestResult{Outcome: OutcomeUnparseable}, nil
	}

	messageID := msg.MessageID()
	from := msg.From()
	date, hasDate := msg.Date()
	if messageID == "" || from == nil || !hasDate {
		s.logger.Warn("discarding message with missing headers",
			zap.String("reason", string(OutcomeMissingHeaders)),
			zap.String("message_id", messageID),
			zap.Bool("has_from", from != nil),
			zap.Bool("has_date", hasDate))
		return &IngestResult{Outcome: OutcomeMissingHeaders}, nil
	}
	if date.IsZero() {
		date = s.now()
	}
	log := s.logger.With(zap.String("message_id", messageID), zap.String("from", from.Address))

	if isAutomated(msg.AutoSubmitted()) {
		log.Warn("discarding automated message", zap.String("reason", string(OutcomeAutomated)))
		return &IngestResult{Outcome: OutcomeAutomated, MessageID: messageID}, nil
	}

	exists, err := s.store.Messages().ExistsByEmailMessageID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		log.Warn("discarding duplicate message", zap.String("reason", string(OutcomeDuplicate)))
		return &IngestResult{Outcome: OutcomeDuplicate, MessageID: messageID}, nil
	}

	customer, err := s.store.Customers().GetByEmail(ctx, from.Address)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	bounce := queue.BounceMailPayload{
		To:        from.Address,
		Name:      from.Name,
		Subject:   subjectOrDefault(msg.Subject()),
		InReplyTo: messageID,
	}
	if customer != nil && customer.Blocked {
		log.Warn("discarding message from blocked customer", zap.String("reason", string(OutcomeBlocked)))
		s.enqueue(ctx, log, queue.KindMailBlocked, bounce)
		return &IngestResult{Outcome: OutcomeBlocked, MessageID: messageID}, nil
	}

	var known []domain.CustomerPGPKey
	if customer != nil {
		if known, err = s.store.PGPKeys().ListByCustomer(ctx, customer.ID); err != nil {
			return nil, fmt.Errorf("list customer keys: %w", err)
		}
	}
	resolved, err := s.resolver.Resolve(msg, known)
	if errors.Is(err, pgpenv.ErrDecryptionFailed) {
		log.Warn("discarding undecryptable message", zap.String("reason", string(OutcomeDecryptionFailed)), zap.Error(err))
		bounce.Reason = queue.RejectDecryptionFailed
		s.enqueue(ctx, log, queue.KindMailRejected, bounce)
		return &IngestResult{Outcome: OutcomeDecryptionFailed, MessageID: messageID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve envelope: %w", err)
	}

	body, err := s.normalizer.Normalize(ctx, resolved.Message)
	if errors.Is(err, normalize.ErrNoBody) {
		log.Warn("discarding message without body", zap.String("reason", string(OutcomeNoBody)))
		bounce.Reason = queue.RejectNoBody
		s.enqueue(ctx, log, queue.KindMailRejected, bounce)
		return &IngestResult{Outcome: OutcomeNoBody, MessageID: messageID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("normalize body: %w", err)
	}

	c := commit{
		messageID: messageID,
		fromAddr:  from.Address,
		fromName:  from.Name,
		subject:   resolved.Message.Subject(),
		date:      date,
		resolved:  resolved,
		body:      body,
	}
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		return c.run(ctx, tx)
	})
	if errors.Is(err, repository.ErrDuplicateMessageID) {
		s.normalizer.Discard(ctx, body)
		log.Warn("discarding duplicate message", zap.String("reason", string(OutcomeDuplicate)), zap.Bool("raced", true))
		return &IngestResult{Outcome: OutcomeDuplicate, MessageID: messageID}, nil
	}
	if err != nil {
		s.normalizer.Discard(ctx, body)
		return nil, fmt.Errorf("commit message: %w", err)
	}

	if c.newTicket {
		publish(ctx, s.dispatcher, openedEvent(c.ticket), s.now)
	} else {
		publish(ctx, s.dispatcher, messageEvent(c.ticket, c.message, customerActor()), s.now)
	}
	log.Info("ingested message",
		zap.String("ticket_ref", c.ticket.Ref),
		zap.Bool("new_ticket", c.newTicket),
		zap.Bool("pgp_signed", resolved.Signed),
		zap.Bool("pgp_verified", resolved.Verified),
		zap.Int("attachments", len(body.Attachments)))

	return &IngestResult{
		Outcome:   OutcomeIngested,
		TicketID:  c.ticket.ID,
		TicketRef: c.ticket.Ref,
		MessageID: messageID,
		NewTicket: c.newTicket,
	}, nil
}

func (s *IngestionService) enqueue(ctx context.Context, log *zap.Logger, kind string, payload any) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.Enqueue(ctx, kind, payload); err != nil {
		log.Error("failed to enqueue sender notice", zap.String("kind", kind), zap.Error(err))
	}
}

// isAutomated reports the Auto-Submitted keywords that would start a mail
// loop if answered.
func isAutomated(autoSubmitted string) bool {
	switch autoSubmitted {
	case "auto-generated", "auto-replied":
		return true
	}
	return false
}

// commit holds everything written in the ingestion transaction.
type commit struct {
	messageID string
	fromAddr  string
	fromName  string
	subject   string
	date      time.Time
	resolved  *pgpenv.Result
	body      *normalize.Result

	ticket    *domain.Ticket
	message   *domain.TicketMessage
	newTicket bool
}

func (c *commit) run(ctx context.Context, tx repository.Store) error {
	customer, err := getOrCreateCustomer(ctx, tx, c.fromAddr, c.fromName)
	if err != nil {
		return err
	}
	if c.resolved.Verified && c.resolved.Bootstrapped {
		if err := bootstrapKeys(ctx, tx, customer.ID, c.resolved.Discovered); err != nil {
			return err
		}
	}

	c.ticket, err = thread.Match(ctx, tx.Tickets(), thread.Headers{
		InReplyTo:  c.resolved.Message.InReplyTo(),
		References: c.resolved.Message.References(),
	})
	if err != nil {
		return err
	}
	if c.ticket == nil {
		c.ticket, err = createTicket(ctx, tx, newTicket{
			customerID: customer.ID,
			subject:    c.subject,
			source:     domain.TicketSourceEmail,
			priority:   domain.TicketPriorityNormal,
		})
		if err != nil {
			return err
		}
		c.newTicket = true
	}

	messageID := c.messageID
	c.message = &domain.TicketMessage{
		TicketID:       c.ticket.ID,
		Type:           domain.MessageTypeCustomer,
		Body:           c.body.HTML,
		Date:           c.date,
		EmailMessageID: &messageID,
		PGP: domain.PGPProvenance{
			Signed:   c.resolved.Signed,
			Verified: c.resolved.Verified,
		},
	}
	if c.resolved.Verified {
		fp := c.resolved.Fingerprint
		c.message.PGP.KeyFingerprint = &fp
	}
	if err := tx.Messages().Create(ctx, c.message); err != nil {
		return err
	}

	for _, a := range c.body.Attachments {
		att := &domain.TicketMessageAttachment{
			MessageID:   c.message.ID,
			FileName:    a.FileName,
			Locator:     a.Locator,
			ContentType: a.ContentType,
			SizeBytes:   a.Size,
		}
		if err := tx.Attachments().Create(ctx, att); err != nil {
			return err
		}
		c.message.Attachments = append(c.message.Attachments, *att)
	}
	return nil
}

// bootstrapKeys pins the keys a first signed message brought along. It is a
// no-op when the customer gained keys since the envelope was resolved.
func bootstrapKeys(ctx context.Context, tx repository.Store, customerID string, keys []pgpenv.DiscoveredKey) error {
	existing, err := tx.PGPKeys().ListByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i, k := range keys {
		err := tx.PGPKeys().Create(ctx, &domain.CustomerPGPKey{
			CustomerID:  customerID,
			Fingerprint: k.Fingerprint,
			ArmoredKey:  k.Armored,
			IsPrimary:   i == 0,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func openedEvent(ticket *domain.Ticket) events.Event {
	return events.Event{
		Type:      events.EventTicketOpened,
		TicketID:  ticket.ID,
		TicketRef: ticket.Ref,
		Actor:     customerActor(),
		Payload: events.TicketOpenedPayload{
			CustomerID: ticket.CustomerID,
			Source:     ticket.Source,
			Priority:   ticket.Priority,
			Subject:    ticket.Subject,
			Verified:   ticket.CustomerVerified,
		},
	}
}
