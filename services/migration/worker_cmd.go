package migration

import (
	"context"
	"fmt"
	"net/http"

	"github.com/opengovern/og-util/pkg/jq"
	"github.com/opengovern/og-util/pkg/koanf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
	"github.com/atproto-tools/atmigrate/services/migration/worker"
)

const metricsAddress = ":2112"

func WorkerCommand() *cobra.Command {
	return &cobra.Command{
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return startWorker(cmd.Context())
		},
	}
}

func startWorker(ctx context.Context) error {
	cfg := koanf.Provide("migration", config.Config{})

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	logger = logger.Named("migration")

	database, err := newDatabase(cfg, logger)
	if err != nil {
		return err
	}

	vaultSc, err := newVault(ctx, logger, cfg)
	if err != nil {
		return err
	}
	keeper := secrets.NewKeeper(vaultSc)

	jobQueue, err := jq.New(cfg.NATS.URL, logger)
	if err != nil {
		logger.Error("Failed to create job queue", zap.Error(err))
		return err
	}
	enqueuer := queue.NewJetStreamEnqueuer(jobQueue, logger)
	if err := enqueuer.SetupStream(ctx); err != nil {
		return fmt.Errorf("setup migration stream: %w", err)
	}

	sm := statemachine.New(logger, database, enqueuer, keeper, cfg.Migration)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddress, nil); err != nil {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()

	w := worker.NewWorker(
		logger,
		cfg.Migration,
		database,
		jobQueue,
		sm,
		client.NewHTTPFactory(logger),
		keeper,
		worker.NewLogNotifier(logger),
	)
	return w.Run(ctx)
}
