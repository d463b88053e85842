// Package statemachine owns the migration status field. Every transition
// goes through exactly one method here: each asserts the expected
// predecessor status, persists the new status with fresh stage
// bookkeeping, and then explicitly enqueues the next stage runner as a
// second ordered action. There is no way to skip a stage or move
// backwards; the only exit from failed is an explicit resume.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
)

// ErrInvalidTransition marks a programming error: a transition attempted
// from a status that is not its predecessor. Callers must not swallow it.
var ErrInvalidTransition = errors.New("invalid migration state transition")

// ErrOtpMismatch rejects a PLC token submission whose verification code
// does not match the one e-mailed for this migration.
var ErrOtpMismatch = errors.New("verification code mismatch")

const FlagPlcTokenResent = "plc_token_resent"

type StateMachine struct {
	logger   *zap.Logger
	db       db.Database
	enqueuer queue.Enqueuer
	keeper   *secrets.Keeper
	cfg      config.MigrationConfig
}

func New(logger *zap.Logger, database db.Database, enqueuer queue.Enqueuer, keeper *secrets.Keeper, cfg config.MigrationConfig) *StateMachine {
	return &StateMachine{
		logger:   logger.Named("statemachine"),
		db:       database,
		enqueuer: enqueuer,
		keeper:   keeper,
		cfg:      cfg,
	}
}

func (s *StateMachine) variantFor(m *models.Migration) queue.Variant {
	if m.BackupRequested {
		return queue.VariantLocalBackup
	}
	return queue.VariantDirect
}

// transition is the single write path for forward moves: CAS the status
// in the database, stamp the stage entry in the ledger, then optionally
// enqueue the new stage. The enqueue is deliberately a separate, second
// action after the persist.
func (s *StateMachine) transition(ctx context.Context, m *models.Migration, from, to models.MigrationStatus, stage models.Stage, enqueue bool) error {
	if m.Status != from {
		return fmt.Errorf("%w: migration %d is %s, expected %s before %s",
			ErrInvalidTransition, m.ID, m.Status, from, to)
	}

	maxAttempts := s.cfg.MaxAttempts(string(stage))
	moved, err := s.db.TransitionStatus(m.ID, from, to, stage, maxAttempts)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if !moved {
		return fmt.Errorf("%w: migration %d no longer in %s", ErrInvalidTransition, m.ID, from)
	}

	ledger := progress.Load(m.ProgressData)
	ledger.ResetStage(stage, time.Now())
	raw, err := ledger.JSON()
	if err == nil {
		if perr := s.db.UpdateProgress(m.ID, raw); perr != nil {
			s.logger.Error("failed to reset stage progress", zap.Uint("migrationID", m.ID), zap.Error(perr))
		} else {
			m.ProgressData = raw
		}
	}

	m.Status = to
	m.CurrentJobStep = stage
	m.CurrentJobAttempt = 0
	m.CurrentJobMaxAttempts = maxAttempts

	s.logger.Info("migration advanced",
		zap.Uint("migrationID", m.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("stage", string(stage)),
	)

	if !enqueue {
		return nil
	}
	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID: m.ID,
		Stage:       stage,
		Variant:     s.variantFor(m),
	})
}

// Start schedules the first stage for a freshly created migration, which
// the intake flow creates in pending_download (backup requested) or
// pending_account.
func (s *StateMachine) Start(ctx context.Context, m *models.Migration) error {
	var stage models.Stage
	switch m.Status {
	case models.StatusPendingDownload:
		stage = models.StageDownload
	case models.StatusPendingAccount:
		stage = models.StageAccount
	default:
		return fmt.Errorf("%w: cannot start migration %d from %s", ErrInvalidTransition, m.ID, m.Status)
	}

	maxAttempts := s.cfg.MaxAttempts(string(stage))
	moved, err := s.db.TransitionStatus(m.ID, m.Status, m.Status, stage, maxAttempts)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: migration %d no longer in %s", ErrInvalidTransition, m.ID, m.Status)
	}
	m.CurrentJobStep = stage
	m.CurrentJobAttempt = 0
	m.CurrentJobMaxAttempts = maxAttempts

	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID: m.ID,
		Stage:       stage,
		Variant:     s.variantFor(m),
	})
}

func (s *StateMachine) AdvanceToBackup(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingDownload, models.StatusPendingBackup, models.StageBackup, true)
}

// MarkBackupReady parks the migration until the user confirms they have
// their backup; BeginAccountStage is the external trigger out.
func (s *StateMachine) MarkBackupReady(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingBackup, models.StatusBackupReady, models.StageBackup, false)
}

func (s *StateMachine) BeginAccountStage(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusBackupReady, models.StatusPendingAccount, models.StageAccount, true)
}

func (s *StateMachine) MarkAccountCreated(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingAccount, models.StatusAccountCreated, models.StageAccount, false)
}

func (s *StateMachine) AdvanceToRepo(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusAccountCreated, models.StatusPendingRepo, models.StageRepo, true)
}

func (s *StateMachine) AdvanceToBlobs(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingRepo, models.StatusPendingBlobs, models.StageBlobs, true)
}

func (s *StateMachine) AdvanceToPreferences(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingBlobs, models.StatusPendingPrefs, models.StagePreferences, true)
}

// AdvanceToPlc enters the directory stage by scheduling the token-request
// runner. The PLC update itself only runs once the user echoes the token
// back through SubmitPlcToken.
func (s *StateMachine) AdvanceToPlc(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingPrefs, models.StatusPendingPlc, models.StagePlcToken, true)
}

func (s *StateMachine) AdvanceToActivation(ctx context.Context, m *models.Migration) error {
	return s.transition(ctx, m, models.StatusPendingPlc, models.StatusPendingActivation, models.StageActivation, true)
}

// MarkCompleted clears last_error and sets terminal success.
func (s *StateMachine) MarkCompleted(ctx context.Context, m *models.Migration) error {
	moved, err := s.db.MarkCompleted(m.ID)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: migration %d is %s, expected %s",
			ErrInvalidTransition, m.ID, m.Status, models.StatusPendingActivation)
	}
	m.Status = models.StatusCompleted
	m.LastError = ""
	s.logger.Info("migration completed", zap.Uint("migrationID", m.ID))
	return nil
}

// MarkFailed records the terminal failure: error text, failed status and
// a lifetime retry_count bump. Progress data stays for diagnosis.
func (s *StateMachine) MarkFailed(ctx context.Context, m *models.Migration, failure error) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}
	moved, err := s.db.MarkFailed(m.ID, msg)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: migration %d already terminal (%s)", ErrInvalidTransition, m.ID, m.Status)
	}
	m.Status = models.StatusFailed
	m.LastError = msg
	m.RetryCount++
	s.logger.Warn("migration failed",
		zap.Uint("migrationID", m.ID),
		zap.String("stage", string(m.CurrentJobStep)),
		zap.String("error", msg),
	)
	return nil
}

// Resume re-enters the stage that failed with attempt counters reset.
// The caller is responsible for the classifier guard on when resume is
// offered.
func (s *StateMachine) Resume(ctx context.Context, m *models.Migration) error {
	if m.Status != models.StatusFailed {
		return fmt.Errorf("%w: resume on migration %d in %s", ErrInvalidTransition, m.ID, m.Status)
	}
	stage := m.CurrentJobStep
	target, ok := models.StageStatus[stage]
	if !ok {
		return fmt.Errorf("%w: migration %d has unknown stage %q", ErrInvalidTransition, m.ID, stage)
	}

	maxAttempts := s.cfg.MaxAttempts(string(stage))
	moved, err := s.db.ResumeFromFailed(m.ID, target, maxAttempts)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("%w: migration %d no longer failed", ErrInvalidTransition, m.ID)
	}

	ledger := progress.Load(m.ProgressData)
	ledger.ResetStage(stage, time.Now())
	if raw, err := ledger.JSON(); err == nil {
		if perr := s.db.UpdateProgress(m.ID, raw); perr == nil {
			m.ProgressData = raw
		}
	}

	m.Status = target
	m.CurrentJobAttempt = 0
	m.CurrentJobMaxAttempts = maxAttempts

	s.logger.Info("migration resumed",
		zap.Uint("migrationID", m.ID),
		zap.String("stage", string(stage)),
	)

	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID: m.ID,
		Stage:       stage,
		Variant:     s.variantFor(m),
	})
}

// RequestNewPlcToken recovers a migration that failed with an expired
// directory token: back into the token wait with a fresh request, and a
// flag in the ledger noting the token was re-sent.
func (s *StateMachine) RequestNewPlcToken(ctx context.Context, m *models.Migration) error {
	if m.Status != models.StatusFailed && m.Status != models.StatusPendingPlc {
		return fmt.Errorf("%w: request new plc token on migration %d in %s", ErrInvalidTransition, m.ID, m.Status)
	}

	if m.Status == models.StatusFailed {
		maxAttempts := s.cfg.MaxAttempts(string(models.StagePlcToken))
		moved, err := s.db.ResumeFromFailed(m.ID, models.StatusPendingPlc, maxAttempts)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: migration %d no longer failed", ErrInvalidTransition, m.ID)
		}
		m.Status = models.StatusPendingPlc
		m.CurrentJobAttempt = 0
		m.CurrentJobMaxAttempts = maxAttempts
	}

	ledger := progress.Load(m.ProgressData)
	ledger.SetFlag(FlagPlcTokenResent, true)
	if raw, err := ledger.JSON(); err == nil {
		if perr := s.db.UpdateProgress(m.ID, raw); perr == nil {
			m.ProgressData = raw
		}
	}

	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StagePlcToken,
		Variant:     s.variantFor(m),
	})
}

// SubmitPlcToken stores the user-entered directory token and unblocks
// the PLC update stage. The submission must echo the verification code
// that was e-mailed when the token was requested.
func (s *StateMachine) SubmitPlcToken(ctx context.Context, m *models.Migration, token, otp string, now time.Time) error {
	if m.Status != models.StatusPendingPlc {
		return fmt.Errorf("%w: plc token submitted for migration %d in %s", ErrInvalidTransition, m.ID, m.Status)
	}

	expected, err := s.keeper.Otp(ctx, m, now)
	if err != nil {
		return fmt.Errorf("read verification code: %w", err)
	}
	if expected == "" || expected != otp {
		return ErrOtpMismatch
	}

	if err := s.keeper.SetPlcToken(ctx, m, token, s.cfg.PlcTokenTTL(), now); err != nil {
		return err
	}
	if err := s.db.UpdateCredentials(m); err != nil {
		return fmt.Errorf("persist plc token: %w", err)
	}

	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID: m.ID,
		Stage:       models.StagePlc,
		Variant:     s.variantFor(m),
	})
}

// RetryFailedBlobs re-attempts only the blobs on the failed manifest.
// Usable once the blob pass has finished (the migration moved past
// pending_blobs) and the manifest is non-empty.
func (s *StateMachine) RetryFailedBlobs(ctx context.Context, m *models.Migration) error {
	if m.Status == models.StatusFailed || m.Status.Ordinal() <= models.StatusPendingBlobs.Ordinal() {
		return fmt.Errorf("%w: retry failed blobs on migration %d in %s", ErrInvalidTransition, m.ID, m.Status)
	}
	ledger := progress.Load(m.ProgressData)
	if len(ledger.FailedBlobs()) == 0 {
		return fmt.Errorf("migration %d has no failed blobs to retry", m.ID)
	}

	return s.enqueuer.Enqueue(ctx, queue.StageJob{
		MigrationID:     m.ID,
		Stage:           models.StageBlobs,
		Variant:         s.variantFor(m),
		RetryFailedOnly: true,
	})
}
