package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/client"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/queue"
)

// runAccount creates the account on the new endpoint (migration out) or
// verifies the deactivated account that must already exist there
// (migration in). An account that already exists on the destination is
// an orphan from a prior attempt and never retried.
func (w *Worker) runAccount(ctx context.Context, m *models.Migration, job queue.StageJob) error {
	c, err := w.clientFor(ctx, m)
	if err != nil {
		return err
	}

	switch m.MigrationType {
	case models.MigrationOut:
		if err := w.createAccount(ctx, m, c); err != nil {
			return err
		}
	case models.MigrationIn:
		if err := w.verifyAccount(ctx, m, c); err != nil {
			return err
		}
	default:
		return terminal(fmt.Errorf("unknown migration type %q", m.MigrationType))
	}

	if err := w.sm.MarkAccountCreated(ctx, m); err != nil {
		return err
	}
	return w.sm.AdvanceToRepo(ctx, m)
}

func (w *Worker) createAccount(ctx context.Context, m *models.Migration, c client.Client) error {
	now := time.Now()
	password, err := w.keeper.Password(ctx, m, now)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if password == "" {
		return terminal(fmt.Errorf("stored credentials have expired"))
	}

	inviteCode, err := w.keeper.InviteCode(ctx, m, now)
	if err != nil {
		return fmt.Errorf("read invite code: %w", err)
	}
	if w.cfg.InviteCodeRequired && inviteCode == "" {
		return terminal(fmt.Errorf("invite code is missing or expired"))
	}

	serviceAuth, err := c.LoginOld(ctx, password)
	if err != nil {
		return fmt.Errorf("login to old host: %w", err)
	}

	err = c.CreateAccount(ctx, client.CreateAccountParams{
		Did:         m.Did,
		Handle:      m.NewHandle,
		Email:       m.Email,
		Password:    password,
		InviteCode:  inviteCode,
		ServiceAuth: serviceAuth,
	})
	if err != nil {
		if client.IsAccountExists(err) {
			// Orphaned account from a prior attempt; operator has to
			// remove it before anything can proceed.
			return terminal(fmt.Errorf("account already exists on %s: %w", m.NewHost, err))
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (w *Worker) verifyAccount(ctx context.Context, m *models.Migration, c client.Client) error {
	status, err := c.VerifyExistingAccount(ctx)
	if err != nil {
		return fmt.Errorf("verify existing account: %w", err)
	}
	if status == nil || !status.ValidDid {
		return terminal(fmt.Errorf("no existing account for %s on %s", m.Did, m.NewHost))
	}
	if status.Activated {
		return terminal(fmt.Errorf("account for %s on %s is already active", m.Did, m.NewHost))
	}
	return nil
}
