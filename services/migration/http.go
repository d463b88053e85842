package migration

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	api2 "github.com/opengovern/og-util/pkg/api"
	"github.com/opengovern/og-util/pkg/httpserver"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/pkg/utils"
	"github.com/atproto-tools/atmigrate/services/migration/api"
	"github.com/atproto-tools/atmigrate/services/migration/config"
	"github.com/atproto-tools/atmigrate/services/migration/db"
	"github.com/atproto-tools/atmigrate/services/migration/db/models"
	"github.com/atproto-tools/atmigrate/services/migration/failures"
	"github.com/atproto-tools/atmigrate/services/migration/progress"
	"github.com/atproto-tools/atmigrate/services/migration/secrets"
	"github.com/atproto-tools/atmigrate/services/migration/statemachine"
)

const tokenLength = 32

type httpRoutes struct {
	logger *zap.Logger

	cfg    config.MigrationConfig
	db     db.Database
	sm     *statemachine.StateMachine
	keeper *secrets.Keeper
}

func (r *httpRoutes) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.POST("/migrations", httpserver.AuthorizeHandler(r.createMigration, api2.EditorRole))
	v1.GET("/migrations/:token", httpserver.AuthorizeHandler(r.getMigration, api2.ViewerRole))
	v1.POST("/migrations/:token/resume", httpserver.AuthorizeHandler(r.resumeMigration, api2.EditorRole))
	v1.POST("/migrations/:token/proceed", httpserver.AuthorizeHandler(r.proceedPastBackup, api2.EditorRole))
	v1.POST("/migrations/:token/plc-token", httpserver.AuthorizeHandler(r.submitPlcToken, api2.EditorRole))
	v1.POST("/migrations/:token/plc-token/resend", httpserver.AuthorizeHandler(r.requestNewPlcToken, api2.EditorRole))
	v1.POST("/migrations/:token/blobs/retry", httpserver.AuthorizeHandler(r.retryFailedBlobs, api2.EditorRole))
	v1.GET("/migrations/:token/blobs/manifest", httpserver.AuthorizeHandler(r.downloadManifest, api2.ViewerRole))
}

func bindValidate(ctx echo.Context, i interface{}) error {
	if err := ctx.Bind(i); err != nil {
		return err
	}

	if err := ctx.Validate(i); err != nil {
		return err
	}

	return nil
}

func (r *httpRoutes) loadMigration(ctx echo.Context) (*models.Migration, error) {
	token := ctx.Param("token")
	if token == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing migration token")
	}
	m, err := r.db.GetMigrationByToken(token)
	if err != nil {
		r.logger.Error("failed to load migration", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load migration")
	}
	if m == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "migration not found")
	}
	return m, nil
}

// createMigration is the intake: normalize hosts, mint the public token,
// seal the supplied credentials and schedule the first stage.
func (r *httpRoutes) createMigration(ctx echo.Context) error {
	var req api.CreateMigrationRequest
	if err := bindValidate(ctx, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	mt := models.MigrationType(req.MigrationType)
	if mt != models.MigrationOut && mt != models.MigrationIn {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown migration type %q", req.MigrationType))
	}
	if r.cfg.InviteCodeRequired && mt == models.MigrationOut && req.InviteCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "an invite code is required for the destination server")
	}

	existing, err := r.db.GetMigrationByDid(req.Did)
	if err != nil {
		r.logger.Error("failed to check for existing migration", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create migration")
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "a migration for this identity is already in progress")
	}

	token, err := utils.RandomToken(tokenLength)
	if err != nil {
		r.logger.Error("failed to mint migration token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create migration")
	}

	status := models.StatusPendingAccount
	if req.BackupRequested {
		status = models.StatusPendingDownload
	}

	m := &models.Migration{
		Did:             req.Did,
		Token:           token,
		Email:           req.Email,
		OldHost:         utils.NormalizeHost(req.OldHost),
		NewHost:         utils.NormalizeHost(req.NewHost),
		OldHandle:       strings.TrimSpace(req.OldHandle),
		NewHandle:       strings.TrimSpace(req.NewHandle),
		Status:          status,
		MigrationType:   mt,
		BackupRequested: req.BackupRequested,
	}
	if err := r.db.CreateMigration(m); err != nil {
		r.logger.Error("failed to create migration", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create migration")
	}

	now := time.Now()
	reqCtx := ctx.Request().Context()
	if err := r.keeper.SetPassword(reqCtx, m, req.Password, r.cfg.CredentialTTL(), now); err != nil {
		r.logger.Error("failed to seal password", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
	}
	if req.InviteCode != "" {
		if err := r.keeper.SetInviteCode(reqCtx, m, req.InviteCode, r.cfg.InviteCodeTTL(), now); err != nil {
			r.logger.Error("failed to seal invite code", zap.Uint("migrationID", m.ID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
		}
	}
	if err := r.db.UpdateCredentials(m); err != nil {
		r.logger.Error("failed to persist credentials", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
	}

	if err := r.sm.Start(reqCtx, m); err != nil {
		r.logger.Error("failed to start migration", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start migration")
	}

	return ctx.JSON(http.StatusCreated, api.CreateMigrationResponse{
		Token:  m.Token,
		Status: string(m.Status),
	})
}

func (r *httpRoutes) getMigration(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

// statusOf builds the read model. The failure block is re-derived from
// last_error on every call rather than stored.
func (r *httpRoutes) statusOf(m *models.Migration) api.MigrationStatus {
	now := time.Now()
	ledger := progress.Load(m.ProgressData)

	out := api.MigrationStatus{
		Token:         m.Token,
		Did:           m.Did,
		MigrationType: string(m.MigrationType),
		Status:        string(m.Status),
		Stage:         string(m.CurrentJobStep),
		OldHost:       m.OldHost,
		NewHost:       m.NewHost,
		OldHandle:     m.OldHandle,
		NewHandle:     m.NewHandle,
		Percent:       ledger.Percent(m.Status, r.cfg.StageWeights),
		Blobs: api.BlobProgress{
			Total:            ledger.BlobsTotal(),
			Completed:        ledger.BlobsCompleted(),
			BytesTotal:       ledger.BytesTotal(),
			BytesTransferred: ledger.BytesTransferred(),
			Failed:           ledger.FailedBlobs(),
		},
		Backup: api.BackupInfo{
			Requested: m.BackupRequested,
			Available: m.BackupAvailable(now),
			CreatedAt: m.BackupCreatedAt,
			ExpiresAt: m.BackupExpiresAt,
		},
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}

	if eta := ledger.ETA(now); eta != nil {
		secs := int64(eta.Seconds())
		out.EstimatedRemaining = &secs
	}

	if m.Status == models.StatusFailed && m.LastError != "" {
		c := failures.Classify(failures.Input{
			Message:              m.LastError,
			Stage:                m.CurrentJobStep,
			Attempt:              m.CurrentJobAttempt + 1,
			MaxAttempts:          m.CurrentJobMaxAttempts,
			MigrationToken:       m.Token,
			RotationKeyAvailable: m.RotationKeyAvailable(),
		})
		out.Failure = &c
	}

	return out
}

// resumeMigration re-enters the failed stage, but only when the failure
// classification actually offers a retry; resuming a credentials or
// directory failure would just fail again or make things worse.
func (r *httpRoutes) resumeMigration(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	if m.Status != models.StatusFailed {
		return echo.NewHTTPError(http.StatusConflict, "migration is not failed")
	}

	c := failures.Classify(failures.Input{
		Message:     m.LastError,
		Stage:       m.CurrentJobStep,
		Attempt:     m.CurrentJobAttempt + 1,
		MaxAttempts: m.CurrentJobMaxAttempts,
	})
	if !c.ShowRetry {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("this failure (%s) cannot be retried", c.Category))
	}

	if err := r.sm.Resume(ctx.Request().Context(), m); err != nil {
		if errors.Is(err, statemachine.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "migration is no longer failed")
		}
		r.logger.Error("failed to resume migration", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resume migration")
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

// proceedPastBackup is the user's confirmation that their backup bundle
// is safely downloaded and account creation may begin.
func (r *httpRoutes) proceedPastBackup(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	if err := r.sm.BeginAccountStage(ctx.Request().Context(), m); err != nil {
		if errors.Is(err, statemachine.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "migration is not waiting on a backup confirmation")
		}
		r.logger.Error("failed to proceed past backup", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to proceed")
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

func (r *httpRoutes) submitPlcToken(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}

	var req api.SubmitPlcTokenRequest
	if err := bindValidate(ctx, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	err = r.sm.SubmitPlcToken(ctx.Request().Context(), m, req.PlcToken, req.VerificationCode, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, statemachine.ErrOtpMismatch):
			return echo.NewHTTPError(http.StatusForbidden, "verification code mismatch")
		case errors.Is(err, statemachine.ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, "migration is not waiting for a plc token")
		}
		r.logger.Error("failed to submit plc token", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit plc token")
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

func (r *httpRoutes) requestNewPlcToken(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	if err := r.sm.RequestNewPlcToken(ctx.Request().Context(), m); err != nil {
		if errors.Is(err, statemachine.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "migration cannot request a new plc token from its current state")
		}
		r.logger.Error("failed to request new plc token", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to request new plc token")
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

func (r *httpRoutes) retryFailedBlobs(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	if err := r.sm.RetryFailedBlobs(ctx.Request().Context(), m); err != nil {
		if errors.Is(err, statemachine.ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusConflict, "migration cannot retry blobs from its current state")
		}
		r.logger.Error("failed to schedule blob retry", zap.Uint("migrationID", m.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to schedule blob retry")
	}
	return ctx.JSON(http.StatusOK, r.statusOf(m))
}

// downloadManifest serves the failed-blob manifest as a plain-text
// attachment, one content id per line.
func (r *httpRoutes) downloadManifest(ctx echo.Context) error {
	m, err := r.loadMigration(ctx)
	if err != nil {
		return err
	}
	failed := progress.Load(m.ProgressData).FailedBlobs()
	if len(failed) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no failed blobs recorded")
	}

	ctx.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="failed-blobs-%s.txt"`, m.Token))
	return ctx.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8,
		[]byte(strings.Join(failed, "\n")+"\n"))
}
