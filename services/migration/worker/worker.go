// Package worker executes the pipeline stages. One consumer drains the
// migration stream; every stage shares the same contract: no-op on a
// stale status, classify failures, retry in place within the stage
// budget, and hand terminal failures to the state machine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/opengovern/og-util/pkg/jq"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/failures"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
)

const ConsumerGroup = "migration-worker"

type Worker struct {
	logger   *zap.Logger
	cfg      config.MigrationConfig
	db       db.Database
	jq       *jq.JobQueue
	sm       *statemachine.StateMachine
	clients  client.Factory
	keeper   *secrets.Keeper
	notifier Notifier
}

func NewWorker(
	logger *zap.Logger,
	cfg config.MigrationConfig,
	database db.Database,
	jobQueue *jq.JobQueue,
	sm *statemachine.StateMachine,
	clients client.Factory,
	keeper *secrets.Keeper,
	notifier Notifier,
) *Worker {
	return &Worker{
		logger:   logger.Named("worker"),
		cfg:      cfg,
		db:       database,
		jq:       jobQueue,
		sm:       sm,
		clients:  clients,
		keeper:   keeper,
		notifier: notifier,
	}
}

// Run is blocking; it consumes stage jobs until the context closes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting to consume")

	consumeCtx, err := w.jq.ConsumeWithConfig(ctx, ConsumerGroup, queue.StreamName, queue.AllTopics,
		jetstream.ConsumerConfig{
			DeliverPolicy:     jetstream.DeliverAllPolicy,
			AckPolicy:         jetstream.AckExplicitPolicy,
			AckWait:           time.Hour,
			MaxDeliver:        -1,
			InactiveThreshold: time.Hour,
			Replicas:          1,
			MemoryStorage:     false,
		}, nil,
		func(msg jetstream.Msg) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("stage job panicked",
						zap.Any("panic", r),
						zap.String("stack", goerrors.Wrap(r, 2).ErrorStack()),
					)
					if err := msg.Ack(); err != nil {
						w.logger.Error("failed to ack panicked message", zap.Error(err))
					}
				}
			}()

			if err := msg.InProgress(); err != nil {
				w.logger.Error("failed to send the initial in progress message", zap.Error(err))
			}
			t := time.NewTicker(15 * time.Second)
			done := make(chan struct{})
			go func() {
				for {
					select {
					case <-done:
						return
					case <-t.C:
						if err := msg.InProgress(); err != nil {
							w.logger.Error("failed to send an in progress message", zap.Error(err))
						}
					}
				}
			}()

			requeue, delay := w.ProcessMessage(ctx, msg.Data())
			t.Stop()
			close(done)

			if requeue {
				if err := msg.NakWithDelay(delay); err != nil {
					w.logger.Error("failed to nak message", zap.Error(err))
				}
				return
			}
			if err := msg.Ack(); err != nil {
				w.logger.Error("failed to ack message", zap.Error(err))
			}
		})
	if err != nil {
		return err
	}

	w.logger.Info("consuming")

	<-ctx.Done()
	consumeCtx.Drain()
	consumeCtx.Stop()

	return nil
}

// ProcessMessage runs one stage invocation. The returned requeue/delay
// pair drives the at-least-once redelivery: admission deferrals and
// recoverable retries come back later, everything else is acked.
func (w *Worker) ProcessMessage(ctx context.Context, data []byte) (requeue bool, delay time.Duration) {
	var job queue.StageJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.logger.Error("failed to unmarshal stage job", zap.Error(err))
		return false, 0
	}

	m, err := w.db.GetMigration(job.MigrationID)
	if err != nil {
		w.logger.Error("failed to load migration", zap.Uint("migrationID", job.MigrationID), zap.Error(err))
		return true, w.cfg.NetworkRetryDelay()
	}
	if m == nil {
		w.logger.Warn("stage job for unknown migration", zap.Uint("migrationID", job.MigrationID))
		return false, 0
	}

	if !w.statusMatches(m, job) {
		// Superseded delivery; the migration moved on. Not an error.
		StageRunsTotal.WithLabelValues(string(job.Stage), "stale").Inc()
		w.logger.Info("skipping stale stage job",
			zap.Uint("migrationID", m.ID),
			zap.String("stage", string(job.Stage)),
			zap.String("status", string(m.Status)),
		)
		return false, 0
	}

	// The retry-only pass moves the same blob traffic as the full pass,
	// so both go through the transfer-slot ceiling.
	if job.Stage == models.StageBlobs {
		acquired, err := w.db.TryAcquireTransferSlot(m.ID, w.cfg.SlotCeiling())
		if err != nil {
			w.logger.Error("failed to acquire transfer slot", zap.Uint("migrationID", m.ID), zap.Error(err))
			return true, w.cfg.AdmissionRetryDelay()
		}
		if !acquired {
			// Over the heavy-stage ceiling: defer without consuming a
			// retry attempt or touching status.
			StageRunsTotal.WithLabelValues(string(job.Stage), "deferred").Inc()
			w.logger.Info("transfer slots exhausted, deferring blob stage",
				zap.Uint("migrationID", m.ID),
			)
			return true, w.cfg.AdmissionRetryDelay()
		}
		defer func() {
			if err := w.db.ReleaseTransferSlot(m.ID); err != nil {
				w.logger.Error("failed to release transfer slot", zap.Uint("migrationID", m.ID), zap.Error(err))
			}
		}()
	}

	w.logger.Info("running stage",
		zap.Uint("migrationID", m.ID),
		zap.String("stage", string(job.Stage)),
		zap.Int("attempt", m.CurrentJobAttempt+1),
		zap.Int("maxAttempts", m.CurrentJobMaxAttempts),
	)

	runErr := w.runStage(ctx, m, job)
	if runErr == nil {
		StageRunsTotal.WithLabelValues(string(job.Stage), "success").Inc()
		return false, 0
	}

	return w.handleFailure(ctx, m, job, runErr)
}

func (w *Worker) statusMatches(m *models.Migration, job queue.StageJob) bool {
	if job.Stage == models.StageBlobs && job.RetryFailedOnly {
		// The retry-only pass runs after the blob stage completed.
		return m.Status != models.StatusFailed &&
			m.Status.Ordinal() > models.StatusPendingBlobs.Ordinal()
	}
	expected, ok := models.StageStatus[job.Stage]
	return ok && m.Status == expected
}

func (w *Worker) runStage(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	switch job.Stage {
	case models.StageDownload:
		return w.runDownload(ctx, m, job)
	case models.StageBackup:
		return w.runBackup(ctx, m, job)
	case models.StageAccount:
		return w.runAccount(ctx, m, job)
	case models.StageRepo:
		return w.runRepo(ctx, m, job)
	case models.StageBlobs:
		return w.runBlobs(ctx, m, job)
	case models.StagePreferences:
		return w.runPreferences(ctx, m, job)
	case models.StagePlcToken:
		return w.runPlcTokenRequest(ctx, m, job)
	case models.StagePlc:
		return w.runPlcUpdate(ctx, m, job)
	case models.StageActivation:
		return w.runActivation(ctx, m, job)
	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
}

// terminalError forces a failure to bypass the retry budget regardless
// of how its message classifies.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

func terminal(err error) error {
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

func (w *Worker) handleFailure(ctx context.Context, m *models.Migration, job queue.StageJob, runErr error) (bool, time.Duration) {
	attemptsUsed := m.CurrentJobAttempt + 1
	classification := failures.Classify(failures.Input{
		Message:     runErr.Error(),
		Stage:       job.Stage,
		Attempt:     attemptsUsed,
		MaxAttempts: m.CurrentJobMaxAttempts,
	})

	recoverable := classification.Category.Retryable() &&
		!isTerminal(runErr) &&
		!client.IsAccountExists(runErr)

	if recoverable && attemptsUsed < m.CurrentJobMaxAttempts {
		if err := w.db.IncrementStageAttempt(m.ID, runErr.Error()); err != nil {
			w.logger.Error("failed to record stage attempt", zap.Uint("migrationID", m.ID), zap.Error(err))
		}
		StageRunsTotal.WithLabelValues(string(job.Stage), "retry").Inc()
		delay := w.backoff(job.Stage, classification.Category, attemptsUsed)
		w.logger.Warn("stage failed, retrying",
			zap.Uint("migrationID", m.ID),
			zap.String("stage", string(job.Stage)),
			zap.String("category", string(classification.Category)),
			zap.Int("attempt", attemptsUsed),
			zap.Duration("delay", delay),
			zap.Error(runErr),
		)
		return true, delay
	}

	StageRunsTotal.WithLabelValues(string(job.Stage), "failed").Inc()
	if err := w.sm.MarkFailed(ctx, m, runErr); err != nil {
		w.logger.Error("failed to mark migration failed", zap.Uint("migrationID", m.ID), zap.Error(err))
	}
	return false, 0
}

// backoff: rate-limit and data-corruption classes back off longer and
// grow with the attempt number; PLC submission rate limits use the
// longest class of any stage because the directory service recovers
// slowly. Plain network errors use the standard flat delay.
func (w *Worker) backoff(stage models.Stage, category failures.Category, attempt int) time.Duration {
	switch category {
	case failures.CategoryRateLimit:
		base := w.cfg.RateLimitRetryDelay()
		if stage == models.StagePlc {
			base = w.cfg.PlcRateLimitRetryDelay()
		}
		return base * time.Duration(attempt)
	case failures.CategoryDataCorruption:
		return w.cfg.RateLimitRetryDelay() * time.Duration(attempt)
	default:
		return w.cfg.NetworkRetryDelay()
	}
}

// saveLedger persists the progress document and mirrors it back onto the
// row.
func (w *Worker) saveLedger(m *models.Migration, ledger *progress.Ledger) {
	raw, err := ledger.JSON()
	if err != nil {
		w.logger.Error("failed to marshal progress", zap.Uint("migrationID", m.ID), zap.Error(err))
		return
	}
	if err := w.db.UpdateProgress(m.ID, raw); err != nil {
		w.logger.Error("failed to persist progress", zap.Uint("migrationID", m.ID), zap.Error(err))
		return
	}
	m.ProgressData = raw
}
