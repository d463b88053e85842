package worker

import (
	"context"
	"fmt"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runPrefs copies application preferences from the old account to the
// new one as an opaque document.
func (w *Worker) runPreferences(ctx context.Context, m *models.Migration, _ queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	prefs, err := c.ExportPreferences(ctx)
	if err != nil {
		return fmt.Errorf("export preferences: %w", err)
	}
	if err := c.ImportPreferences(ctx, prefs); err != nil {
		return fmt.Errorf("import preferences: %w", err)
	}

	return w.sm.AdvanceToPlc(ctx, m)
}
