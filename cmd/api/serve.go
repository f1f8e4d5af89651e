package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/deskworks/support-desk/internal/api/http"
	"github.com/deskworks/support-desk/internal/api/http/handlers"
	"github.com/deskworks/support-desk/internal/auth"
	"github.com/deskworks/support-desk/internal/config"
	"github.com/deskworks/support-desk/internal/events"
	"github.com/deskworks/support-desk/internal/identity"
	"github.com/deskworks/support-desk/internal/inbound/normalize"
	"github.com/deskworks/support-desk/internal/inbound/pgpenv"
	"github.com/deskworks/support-desk/internal/inbound/signature"
	"github.com/deskworks/support-desk/internal/observability"
	"github.com/deskworks/support-desk/internal/persistence"
	"github.com/deskworks/support-desk/internal/queue"
	"github.com/deskworks/support-desk/internal/service"
	"github.com/deskworks/support-desk/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, rt.pg.PoolHandle(), logger); err != nil {
			return err
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	relayKey, err := signature.ParsePublicKey(cfg.Relay.PublicKey)
	if err != nil {
		return fmt.Errorf("relay public key: %w", err)
	}
	keyring, err := loadKeyring(cfg.PGP, logger)
	if err != nil {
		return err
	}
	contentStore, err := storage.NewFilesystemStore(cfg.Storage.Dir, cfg.Storage.PublicURL)
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}

	store := rt.pg.Store()
	jobs := queue.New(queue.NewRedisBroker(redis.Client, cfg.Queue.Prefix))

	dispatcher := events.NewInMemoryDispatcher(logger)
	service.NewNotificationService(dispatcher, jobs, logger).RegisterHandlers()
	kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	kafka.Register(dispatcher)
	defer kafka.Close() //nolint:errcheck

	normalizer := normalize.New(contentStore,
		normalize.WithLogger(logger),
		normalize.WithQuoteTrimming(cfg.Ingest.TrimQuotes),
	)
	ingestion := service.NewIngestionService(service.IngestionDependencies{
		Store:      store,
		Resolver:   pgpenv.NewResolver(keyring),
		Normalizer: normalizer,
		Jobs:       jobs,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	tickets := service.NewTicketService(service.TicketDependencies{
		Store:      store,
		Dispatcher: dispatcher,
		MailDomain: cfg.Mail.Domain,
	})
	assignments := service.NewAssignmentService(store, dispatcher)
	customers := service.NewCustomerService(store)
	identitySvc := identity.NewService(store, tickets, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		BodyLimit:             cfg.App.BodyLimitBytes,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": rt.pg,
			"redis":    redis,
		}),
		Inbound:        handlers.NewInboundHandler(signature.NewVerifier(relayKey), cfg.Relay.SignatureHeader, ingestion, metrics, logger),
		Identity:       handlers.NewIdentityHandler(identity.NewSignatureVerifier(cfg.Identity.WebhookSecret, cfg.Identity.Tolerance()), identitySvc, metrics, logger),
		PublicTickets:  handlers.NewPublicTicketsHandler(tickets),
		AgentTickets:   handlers.NewAgentTicketsHandler(tickets, assignments, contentStore),
		Customers:      handlers.NewCustomersHandler(customers),
		Media:          handlers.NewMediaHandler(contentStore),
		Metrics:        metrics,
		AuthMiddleware: auth.NewAuthMiddleware(auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadKeyring(cfg config.PGPConfig, logger *zap.Logger) (openpgp.EntityList, error) {
	if cfg.PrivateKeyFile == "" {
		logger.Warn("PGP_PRIVATE_KEY_FILE not set; encrypted mail will be rejected")
		return nil, nil
	}
	f, err := os.Open(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("open pgp keyring: %w", err)
	}
	defer f.Close()
	return pgpenv.LoadPrivateKeyRing(f, []byte(cfg.Passphrase))
}
