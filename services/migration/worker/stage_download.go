package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// clientFor resolves the plaintext password (expiry checked at read) and
// binds a migration client. An aged-out password ends the pipeline.
func (w *Worker) clientFor(ctx context.Context, m *models.Migration) (client.Client, error) {
	password, err := w.keeper.Password(ctx, m, time.Now())
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if password == "" {
		return nil, terminal(fmt.Errorf("stored credentials have expired"))
	}
	return w.clients.ClientFor(ctx, m, password)
}

func (w *Worker) bundlePath(m *models.Migration) string {
	return filepath.Join(w.cfg.BackupDir, fmt.Sprintf("%s.car", m.Token))
}

// runDownload exports the full repository snapshot from the old endpoint
// into the local backup bundle. Only scheduled when a local backup was
// requested.
func (w *Worker) runDownload(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(w.cfg.BackupDir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	path := w.bundlePath(m)
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create backup bundle: %w", err)
	}

	if err := c.ExportRepository(ctx, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export repository: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close backup bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize backup bundle: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat backup bundle: %w", err)
	}

	ledger := progress.Load(m.ProgressData)
	ledger.AddBytesTransferred(info.Size())
	ledger.SetFlag("repo_snapshot_bytes", info.Size())
	w.saveLedger(m, ledger)

	return w.sm.AdvanceToBackup(ctx, m)
}

// runBackup records the bundle as available with its retention window
// and parks the migration at backup_ready for the user.
func (w *Worker) runBackup(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	path := w.bundlePath(m)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("backup bundle missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("backup bundle is corrupt: empty snapshot")
	}

	now := time.Now()
	expires := now.Add(w.cfg.BackupRetention())
	m.BackupBundlePath = path
	m.BackupCreatedAt = &now
	m.BackupExpiresAt = &expires
	if err := w.db.UpdateBackupFields(m); err != nil {
		return fmt.Errorf("persist backup fields: %w", err)
	}

	return w.sm.MarkBackupReady(ctx, m)
}
