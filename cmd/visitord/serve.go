package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"visitorid/internal/api"
	"visitorid/internal/audit"
	"visitorid/internal/consent"
	"visitorid/internal/fieldstore"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/httpserver"
	"visitorid/internal/platform/logger"
	"visitorid/internal/platform/metrics"
	"visitorid/internal/platform/postgres"
	"visitorid/internal/platform/redis"
	"visitorid/internal/transport"
	"visitorid/internal/visitor"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the visitor identity HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger.New(cfg.Log.Level, cfg.Log.Format))
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("store", "", "blob store backend: cookie, redis or postgres")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("store.backend", cmd.Flags().Lookup("store"))
	return cmd
}

// serve runs the HTTP server and the audit worker until ctx is done, then
// shuts the server down and drains buffered audit events.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	gate, err := consent.NewGate(cfg.Visitor.ConsentRule)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithHTTPClient(&http.Client{Timeout: cfg.Visitor.LoadTimeout}),
		api.WithVisitorMetrics(visitor.NewMetrics()),
		api.WithTransportMetrics(transport.NewMetrics()),
	}
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, api.WithRedis(client.Client))
	case config.StoreBackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := fieldstore.EnsureSchema(ctx, db); err != nil {
			return err
		}
		opts = append(opts, api.WithPostgres(db))
	}

	store, closeStore, err := auditStore(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closeStore()
	auditMetrics := audit.NewMetrics()
	publisher := audit.NewPublisher(audit.WithLogger(log), audit.WithMetrics(auditMetrics))
	worker := audit.NewWorker(store, publisher.Inbox(),
		audit.WithWorkerLogger(log),
		audit.WithWorkerMetrics(auditMetrics),
	)
	opts = append(opts, api.WithAuditPublisher(publisher))

	handler := api.New(cfg, gate, log, metrics.New(), opts...)
	srv := httpserver.New(cfg.Server, api.NewRouter(handler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting visitord",
			"addr", cfg.Server.Addr,
			"org_id", cfg.Visitor.OrgID,
			"store", cfg.Store.Backend,
			"consent_rule", gate.Rule(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Runs until the publisher is closed and its buffer drained.
		return worker.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		publisher.Close()
		log.Info("visitord stopped")
		return err
	})
	return g.Wait()
}

// auditStore selects the Kafka sink when brokers are configured, otherwise
// an in-memory store.
func auditStore(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) (audit.Store, func(), error) {
	if len(cfg.Brokers) == 0 {
		return audit.NewInMemoryStore(), func() {}, nil
	}
	sink, err := audit.NewKafkaSink(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	if err := sink.EnsureTopic(ctx, 1, 1); err != nil {
		log.Warn("could not ensure audit topic", "topic", cfg.Topic, "error", err)
	}
	return sink, sink.Close, nil
}
