package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runPlc rewrites the account's identity record to point at the new
// host. Submitting the signed operation is the point of no return, so
// the stored token's freshness is checked before any network traffic.
func (w *Worker) runPlcUpdate(ctx context.Context, m *models.Migration, _ queue.StageJob) error {
	token, err := w.keeper.PlcToken(ctx, m, time.Now())
	if err != nil {
		return fmt.Errorf("read identity token: %w", err)
	}
	if token == "" {
		return terminal(fmt.Errorf("plc token has expired; request a new token to continue"))
	}

	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	op, err := c.RecommendPlcOperation(ctx)
	if err != nil {
		return fmt.Errorf("recommend identity operation: %w", err)
	}
	signed, err := c.SignPlcOperation(ctx, op, token)
	if err != nil {
		return fmt.Errorf("sign identity operation: %w", err)
	}
	if err := c.SubmitPlcOperation(ctx, signed); err != nil {
		return fmt.Errorf("plc operation failed: %w", err)
	}

	return w.sm.AdvanceToActivation(ctx, m)
}
