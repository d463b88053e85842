// Package scheduler runs the background sweeps: re-dispatching stalled
// stage jobs, pruning expired local backups, and refreshing the
// admission gauge.
package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/opengovern/og-util/pkg/ticker"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/pkg/utils"
	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
	"github.com/atproto-tools/atmigrate/services/migration/worker"
)

const (
	StuckSweepInterval   = 5 * time.Minute
	BackupSweepInterval  = time.Hour
	GaugeRefreshInterval = 30 * time.Second
)

type Scheduler struct {
	logger   *zap.Logger
	cfg      config.MigrationConfig
	db       db.Database
	enqueuer queue.Enqueuer
	sm       *statemachine.StateMachine
}

func New(logger *zap.Logger, cfg config.MigrationConfig, database db.Database, enqueuer queue.Enqueuer, sm *statemachine.StateMachine) *Scheduler {
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		cfg:      cfg,
		db:       database,
		enqueuer: enqueuer,
		sm:       sm,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	utils.EnsureRunGoroutine(func() {
		s.RunStuckSweep(ctx)
	})
	utils.EnsureRunGoroutine(func() {
		s.RunBackupSweep(ctx)
	})
	utils.EnsureRunGoroutine(func() {
		s.RunSlotGauge()
	})
}

// RunStuckSweep re-dispatches migrations whose in-flight stage stopped
// making progress, typically after a worker died between InProgress
// heartbeats and the stream redelivery window lapsed.
func (s *Scheduler) RunStuckSweep(ctx context.Context) {
	s.logger.Info("Scheduling stuck-stage sweep on a timer")

	t := ticker.NewTicker(StuckSweepInterval, time.Second*10)
	defer t.Stop()

	for ; ; <-t.C {
		if err := s.runStuckSweep(ctx); err != nil {
			s.logger.Error("failed to run stuck-stage sweep", zap.Error(err))
			continue
		}
	}
}

func (s *Scheduler) runStuckSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StuckStageTimeout())
	stuck, err := s.db.ListStuckMigrations(cutoff)
	if err != nil {
		return err
	}

	for _, m := range stuck {
		if m.Status == models.StatusAccountCreated {
			// A worker died between creating the account and entering the
			// repo stage. The recorded step is the account stage, whose
			// redelivery no longer matches this status; the only way out
			// is the transition the dead worker never made.
			m := m
			s.logger.Warn("advancing migration stalled after account creation",
				zap.Uint("migrationID", m.ID),
			)
			if err := s.sm.AdvanceToRepo(ctx, &m); err != nil {
				s.logger.Error("failed to advance stalled migration",
					zap.Uint("migrationID", m.ID),
					zap.Error(err),
				)
			}
			continue
		}

		variant := queue.VariantDirect
		if m.BackupRequested {
			variant = queue.VariantLocalBackup
		}
		s.logger.Warn("re-dispatching stalled stage",
			zap.Uint("migrationID", m.ID),
			zap.String("stage", string(m.CurrentJobStep)),
			zap.String("status", string(m.Status)),
		)
		if err := s.enqueuer.Enqueue(ctx, queue.StageJob{
			MigrationID: m.ID,
			Stage:       m.CurrentJobStep,
			Variant:     variant,
		}); err != nil {
			s.logger.Error("failed to re-dispatch stalled stage",
				zap.Uint("migrationID", m.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// RunBackupSweep deletes local backup bundles past their retention
// window and clears the row so the user sees the backup as gone.
func (s *Scheduler) RunBackupSweep(ctx context.Context) {
	s.logger.Info("Scheduling backup retention sweep on a timer")

	t := ticker.NewTicker(BackupSweepInterval, time.Second*10)
	defer t.Stop()

	for ; ; <-t.C {
		if err := s.runBackupSweep(); err != nil {
			s.logger.Error("failed to run backup retention sweep", zap.Error(err))
			continue
		}
	}
}

func (s *Scheduler) runBackupSweep() error {
	expired, err := s.db.ListExpiredBackups(time.Now())
	if err != nil {
		return err
	}

	for _, m := range expired {
		if err := s.removeBundle(m); err != nil {
			s.logger.Error("failed to remove expired backup bundle",
				zap.Uint("migrationID", m.ID),
				zap.String("path", m.BackupBundlePath),
				zap.Error(err),
			)
			continue
		}
		if err := s.db.ClearBackup(m.ID); err != nil {
			s.logger.Error("failed to clear backup record",
				zap.Uint("migrationID", m.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("expired backup bundle removed", zap.Uint("migrationID", m.ID))
	}
	return nil
}

func (s *Scheduler) removeBundle(m models.Migration) error {
	if m.BackupBundlePath == "" {
		return nil
	}
	if err := os.Remove(m.BackupBundlePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RunSlotGauge keeps the heavy-stage admission gauge in step with the
// database, which is the source of truth for held slots.
func (s *Scheduler) RunSlotGauge() {
	t := ticker.NewTicker(GaugeRefreshInterval, time.Second*5)
	defer t.Stop()

	for ; ; <-t.C {
		held, err := s.db.CountTransferSlotsHeld()
		if err != nil {
			s.logger.Error("failed to count held transfer slots", zap.Error(err))
			continue
		}
		worker.TransferSlotsHeld.Set(float64(held))
	}
}
