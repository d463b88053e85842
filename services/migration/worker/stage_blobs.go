package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// blobItemAttempts bounds the quick in-pass retries of a single blob
// before it lands on the failed manifest.
const blobItemAttempts = 3

// runBlobs copies every binary attachment from old to new. A single
// blob's failure goes on the manifest and the pass continues; a listing
// failure is pipeline-level, because a blob that never made the list
// would otherwise be lost to both the transfer and the manifest. The
// retry-only mode re-attempts just the manifest without touching
// successful blobs, and never advances the pipeline.
func (w *Worker) runBlobs(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	ledger := progress.Load(m.ProgressData)

	var cids []string
	if job.RetryFailedOnly {
		cids = ledger.FailedBlobs()
		if len(cids) == 0 {
			return nil
		}
	} else {
		cids, err = w.listAllBlobs(ctx, c)
		if err != nil {
			return err
		}
		ledger.SetTotals(int64(len(cids)), 0)
		w.saveLedger(m, ledger)
	}

	failed := make([]string, 0)
	for _, cid := range cids {
		if err := w.copyBlob(ctx, c, job, cid, ledger); err != nil {
			w.logger.Warn("blob transfer failed",
				zap.Uint("migrationID", m.ID),
				zap.String("cid", cid),
				zap.Error(err),
			)
			failed = append(failed, cid)
			ledger.AddFailedBlob(cid)
			w.saveLedger(m, ledger)
			continue
		}
		ledger.IncBlobsCompleted()
		w.saveLedger(m, ledger)
	}

	ledger.SetFailedBlobs(failed)
	w.saveLedger(m, ledger)

	if job.RetryFailedOnly {
		return nil
	}
	return w.sm.AdvanceToPreferences(ctx, m)
}

func (w *Worker) listAllBlobs(ctx context.Context, c client.Client) ([]string, error) {
	var cids []string
	cursor := ""
	for {
		page, err := c.ListBlobs(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		cids = append(cids, page.Cids...)
		if page.Cursor == "" {
			return cids, nil
		}
		cursor = page.Cursor
	}
}

func (w *Worker) copyBlob(ctx context.Context, c client.Client, job queue.StageJob, cid string, ledger *progress.Ledger) error {
	var lastErr error
	for attempt := 1; attempt <= blobItemAttempts; attempt++ {
		n, err := w.copyBlobOnce(ctx, c, job, cid)
		if err == nil {
			ledger.AddBytesTransferred(n)
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (w *Worker) copyBlobOnce(ctx context.Context, c client.Client, job queue.StageJob, cid string) (int64, error) {
	rc, size, err := c.DownloadBlob(ctx, cid)
	if err != nil {
		return 0, fmt.Errorf("download blob %s: %w", cid, err)
	}
	defer rc.Close()

	if job.Variant == queue.VariantLocalBackup {
		return w.uploadViaDisk(ctx, c, cid, rc)
	}

	if err := c.UploadBlob(ctx, cid, rc); err != nil {
		return 0, fmt.Errorf("upload blob %s: %w", cid, err)
	}
	return size, nil
}

// uploadViaDisk stages the blob in the backup directory so the upload
// reads from local storage instead of holding both connections open.
func (w *Worker) uploadViaDisk(ctx context.Context, c client.Client, cid string, rc io.Reader) (int64, error) {
	dir := filepath.Join(w.cfg.BackupDir, "blobs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("create blob staging dir: %w", err)
	}
	path := filepath.Join(dir, cid)
	defer os.Remove(path)

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("stage blob %s: %w", cid, err)
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("stage blob %s: %w", cid, err)
	}

	rf, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("reopen staged blob %s: %w", cid, err)
	}
	defer rf.Close()

	if err := c.UploadBlob(ctx, cid, rf); err != nil {
		return 0, fmt.Errorf("upload blob %s: %w", cid, err)
	}
	return n, nil
}
