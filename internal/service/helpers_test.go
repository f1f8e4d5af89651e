package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/inbound/normalize"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv/pgptest"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/repository"
	"github.com/deskworks/support-desk/internal/repository/memory"
	"github.com/deskworks/support-desk/internal/storage"
)

var (
	keysOnce    sync.Once
	customerKey *openpgp.Entity
	strangerKey *openpgp.Entity
)

func pgpFixtures(t *testing.T) {
	keysOnce.Do(func() {
		customerKey = pgptest.NewEntity(t, "Customer", "customer@example.com")
		strangerKey = pgptest.NewEntity(t, "Stranger", "stranger@example.com")
	})
}

type harness struct {
	store       *memory.Store
	broker      *queue.MemoryBroker
	files       *storage.FilesystemStore
	ingestion   *IngestionService
	tickets     *TicketService
	assignments *AssignmentService
	customers   *CustomerService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewStore(), nil)
}

// newHarnessWithStore lets a test wrap the memory store; ingestStore is what
// the ingestion service sees and defaults to mem.
func newHarnessWithStore(t *testing.T, mem *memory.Store, ingestStore repository.Store) *harness {
	t.Helper()
	if ingestStore == nil {
		ingestStore = mem
	}
	files, err := storage.NewFilesystemStore(t.TempDir(), "https://desk.example.com/media")
	require.NoError(t, err)

	broker := queue.NewMemoryBroker()
	jobs := queue.New(broker)
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	NewNotificationService(dispatcher, jobs, zap.NewNop()).RegisterHandlers()

	return &harness{
		store:  mem,
		broker: broker,
		files:  files,
		ingestion: NewIngestionService(IngestionDependencies{
			Store:      ingestStore,
			Resolver:   pgpenv.NewResolver(nil),
			Normalizer: normalize.New(files),
			Jobs:       jobs,
			Dispatcher: dispatcher,
		}),
		tickets: NewTicketService(TicketDependencies{
			Store:      mem,
			Dispatcher: dispatcher,
			MailDomain: "desk.example.com",
		}),
		assignments: NewAssignmentService(mem, dispatcher),
		customers:   NewCustomerService(mem),
	}
}

func (h *harness) messages(t *testing.T, ticketID string) []domain.TicketMessage {
	t.Helper()
	msgs, err := h.store.Messages().ListByTicket(context.Background(), ticketID)
	require.NoError(t, err)
	return msgs
}

func agent() *domain.Agent {
	return &domain.Agent{ID: "agent-1", Name: "Sam", Email: "sam@desk.example.com", Role: domain.AgentRoleAgent}
}

func admin() *domain.Agent {
	return &domain.Agent{ID: "admin-1", Name: "Alex", Email: "alex@desk.example.com", Role: domain.AgentRoleAdmin}
}

func plainMail(from, messageID, extraHeaders, body string) []byte {
	return []byte(pgptest.Headers(from, messageID) + extraHeaders +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" + body + "\r\n")
}
