package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runActivation flips the new account live, hands the user a recovery
// rotation key, retires the old account on a best-effort basis, and
// scrubs the stored credentials.
func (w *Worker) runActivation(ctx context.Context, m *models.Migration, _ queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	if err := c.ActivateAccount(ctx); err != nil {
		return fmt.Errorf("activate account: %w", err)
	}

	rotationKey, err := w.ensureRotationKey(ctx, c, m)
	if err != nil {
		return err
	}
	if err := c.RegisterRotationKey(ctx, rotationKey); err != nil {
		return fmt.Errorf("register rotation key: %w", err)
	}

	if err := c.DeactivateAccount(ctx); err != nil {
		// The migration already succeeded from the user's point of
		// view; leave a marker instead of failing the pipeline.
		w.logger.Warn("old account deactivation failed",
			zap.Uint("migrationID", m.ID),
			zap.Error(err),
		)
		ledger := progress.Load(m.ProgressData)
		ledger.SetFlag("old_account_deactivate_failed", true)
		w.saveLedger(m, ledger)
	}

	// The password is needed for the completion notice; read it before
	// the wipe below destroys it.
	password, err := w.keeper.Password(ctx, m, time.Now())
	if err != nil {
		w.logger.Warn("password unavailable for completion notice",
			zap.Uint("migrationID", m.ID),
			zap.Error(err),
		)
	}

	w.keeper.Wipe(m)
	if err := w.db.UpdateCredentials(m); err != nil {
		return fmt.Errorf("wipe credentials: %w", err)
	}

	if err := w.sm.MarkCompleted(ctx, m); err != nil {
		return err
	}

	if err := w.notifier.MigrationCompleted(ctx, m, password, rotationKey); err != nil {
		w.logger.Warn("completion notice delivery failed",
			zap.Uint("migrationID", m.ID),
			zap.Error(err),
		)
	}
	return nil
}

// ensureRotationKey generates and persists the recovery key exactly
// once; a retried activation reuses the stored key instead of minting
// a second one the user would never see.
func (w *Worker) ensureRotationKey(ctx context.Context, c client.Client, m *models.Migration) (string, error) {
	if m.RotationKeyAvailable() {
		key, err := w.keeper.RotationKey(ctx, m)
		if err != nil {
			return "", fmt.Errorf("read rotation key: %w", err)
		}
		return key, nil
	}

	key, err := c.GenerateRotationKey(ctx)
	if err != nil {
		return "", fmt.Errorf("generate rotation key: %w", err)
	}
	if err := w.keeper.SetRotationKey(ctx, m, key, time.Now()); err != nil {
		return "", fmt.Errorf("store rotation key: %w", err)
	}
	if err := w.db.UpdateRotationKey(m); err != nil {
		return "", fmt.Errorf("persist rotation key: %w", err)
	}
	return key, nil
}
