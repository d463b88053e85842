package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/pkg/utils"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runPlcToken asks the old host to email the user an identity-update
// token, then mints a short-lived verification code the user must echo
// back alongside it. The pipeline parks here until the user submits
// both through the API, so this stage never advances on its own.
func (w *Worker) runPlcTokenRequest(ctx context.Context, m *models.Migration, _ queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	if err := c.RequestPlcToken(ctx); err != nil {
		return fmt.Errorf("request identity token: %w", err)
	}

	code, err := utils.RandomDigits(6)
	if err != nil {
		return fmt.Errorf("generate verification code: %w", err)
	}
	now := time.Now()
	if err := w.keeper.SetOtp(ctx, m, code, w.cfg.OtpTTL(), now); err != nil {
		return fmt.Errorf("store verification code: %w", err)
	}
	if err := w.db.UpdateCredentials(m); err != nil {
		return fmt.Errorf("persist verification code: %w", err)
	}

	if err := w.notifier.PlcVerificationCode(ctx, m, code); err != nil {
		// The token email already went out; a lost code is recoverable
		// through the resend path.
		w.logger.Warn("verification code delivery failed",
			zap.Uint("migrationID", m.ID),
			zap.Error(err),
		)
	}
	return nil
}
