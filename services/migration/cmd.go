// Package migration wires the account-migration service: intake API,
// state machine, background sweeps and the stage-runner worker.
package migration

import (
	"context"
	"fmt"

	"github.com/opengovern/og-util/pkg/httpserver"
	"github.com/opengovern/og-util/pkg/jq"
	"github.com/opengovern/og-util/pkg/koanf"
	"github.com/opengovern/og-util/pkg/postgres"
	"github.com/opengovern/og-util/pkg/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/scheduler"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
)

func ServiceCommand() *cobra.Command {
	return &cobra.Command{
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return startService(cmd.Context())
		},
	}
}

func startService(ctx context.Context) error {
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

	scheduler.New(logger, cfg.Migration, database, enqueuer, sm).Run(ctx)

	routes := httpRoutes{
		logger: logger,
		cfg:    cfg.Migration,
		db:     database,
		sm:     sm,
		keeper: keeper,
	}
	return httpserver.RegisterAndStart(ctx, logger, cfg.Http.Address, &routes)
}

func newDatabase(cfg config.Config, logger *zap.Logger) (db.Database, error) {
	postgresCfg := postgres.Config{
		Host:    cfg.Postgres.Host,
		Port:    cfg.Postgres.Port,
		User:    cfg.Postgres.Username,
		Passwd:  cfg.Postgres.Password,
		DB:      cfg.Postgres.DB,
		SSLMode: cfg.Postgres.SSLMode,
	}
	orm, err := postgres.NewClient(&postgresCfg, logger)
	if err != nil {
		return db.Database{}, fmt.Errorf("new postgres client: %w", err)
	}

	database := db.NewDatabase(orm)
	if err := database.Initialize(); err != nil {
		return db.Database{}, fmt.Errorf("initialize database: %w", err)
	}
	logger.Info("Connected to the postgres database", zap.String("database", cfg.Postgres.DB))
	return database, nil
}

func newVault(ctx context.Context, logger *zap.Logger, cfg config.Config) (vault.VaultSourceConfig, error) {
	var vaultSc vault.VaultSourceConfig
	var err error
	switch cfg.Vault.Provider {
	case vault.AwsKMS:
		vaultSc, err = vault.NewKMSVaultSourceConfig(ctx, cfg.Vault.Aws, cfg.Vault.KeyId)
	case vault.AzureKeyVault:
		vaultSc, err = vault.NewAzureVaultClient(ctx, logger, cfg.Vault.Azure, cfg.Vault.KeyId)
	case vault.HashiCorpVault:
		vaultSc, err = vault.NewHashiCorpVaultClient(ctx, logger, cfg.Vault.HashiCorp, cfg.Vault.KeyId)
	default:
		return nil, fmt.Errorf("unsupported vault provider %q", cfg.Vault.Provider)
	}
	if err != nil {
		logger.Error("failed to create vault source config", zap.Error(err))
		return nil, err
	}
	return vaultSc, nil
}
