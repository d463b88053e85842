package worker

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runRepo moves the full repository snapshot. The local-backup variant
// imports from the bundle written during the download stage; the direct
// variant streams the export straight into the import.
func (w *Worker) runRepo(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	if job.Variant == queue.VariantLocalBackup {
		if err := w.importFromBundle(ctx, m, c); err != nil {
			return err
		}
	} else {
		if err := w.streamRepo(ctx, c); err != nil {
			return err
		}
	}

	ledger := progress.Load(m.ProgressData)
	ledger.SetFlag("repo_imported_at", time.Now().UTC().Format(time.RFC3339))
	w.saveLedger(m, ledger)

	return w.sm.AdvanceToBlobs(ctx, m)
}

func (w *Worker) importFromBundle(ctx context.Context, m *models.Migration, c client.Client) error {
	if !m.BackupAvailable(time.Now()) {
		return terminal(fmt.Errorf("backup bundle for %s is missing or expired", m.Did))
	}

	f, err := os.Open(m.BackupBundlePath)
	if err != nil {
		return fmt.Errorf("open backup bundle: %w", err)
	}
	defer f.Close()

	r, err := maybeDecompressLegacy(f)
	if err != nil {
		return fmt.Errorf("backup bundle is corrupt: %w", err)
	}

	if err := c.ImportRepository(ctx, r); err != nil {
		return fmt.Errorf("import repository: %w", err)
	}
	return nil
}

// maybeDecompressLegacy handles bundles written by the old backup
// format, which gzip-compressed the snapshot.
func maybeDecompressLegacy(f io.Reader) (io.Reader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

func (w *Worker) streamRepo(ctx context.Context, c client.Client) error {
	pr, pw := io.Pipe()
	exportErr := make(chan error, 1)
	go func() {
		err := c.ExportRepository(ctx, pw)
		pw.CloseWithError(err)
		exportErr <- err
	}()

	importErr := c.ImportRepository(ctx, pr)
	pr.CloseWithError(importErr)

	if err := <-exportErr; err != nil {
		return fmt.Errorf("export repository: %w", err)
	}
	if importErr != nil {
		return fmt.Errorf("import repository: %w", importErr)
	}
	return nil
}
