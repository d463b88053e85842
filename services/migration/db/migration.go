package db

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

func (db Database) CreateMigration(m *models.Migration) error {
	tx := db.Orm.Create(m)
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

func (db Database) GetMigration(id uint) (*models.Migration, error) {
	var m models.Migration
	tx := db.Orm.Where("id = ?", id).First(&m)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, tx.Error
	}

	return &m, nil
}

func (db Database) GetMigrationByToken(token string) (*models.Migration, error) {
	var m models.Migration
	tx := db.Orm.Where("token = ?", token).First(&m)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, tx.Error
	}

	return &m, nil
}

func (db Database) GetMigrationByDid(did string) (*models.Migration, error) {
	var m models.Migration
	tx := db.Orm.Where("did = ?", did).First(&m)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, tx.Error
	}

	return &m, nil
}

// TransitionStatus moves a migration from one expected status to the next
// and resets the per-stage bookkeeping. The update is guarded by the
// expected predecessor so a stale caller changes nothing; the boolean
// reports whether the row actually moved.
func (db Database) TransitionStatus(id uint, from, to models.MigrationStatus, stage models.Stage, maxAttempts int) (bool, error) {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Where("status = ?", from).
		Updates(map[string]any{
			"status":                   to,
			"current_job_step":         stage,
			"current_job_attempt":      0,
			"current_job_max_attempts": maxAttempts,
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected > 0, nil
}

// MarkFailed sets the terminal failed status from any non-terminal one,
// stores the error text and bumps the lifetime retry counter. Progress
// data is intentionally left in place.
func (db Database) MarkFailed(id uint, lastError string) (bool, error) {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Where("status NOT IN ?", []string{string(models.StatusCompleted), string(models.StatusFailed)}).
		Updates(map[string]any{
			"status":      models.StatusFailed,
			"last_error":  lastError,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected > 0, nil
}

func (db Database) MarkCompleted(id uint) (bool, error) {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Where("status = ?", models.StatusPendingActivation).
		Updates(map[string]any{
			"status":     models.StatusCompleted,
			"last_error": "",
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected > 0, nil
}

// ResumeFromFailed re-enters the stage recorded in current_job_step with
// attempt counters reset. Only failed migrations move.
func (db Database) ResumeFromFailed(id uint, to models.MigrationStatus, maxAttempts int) (bool, error) {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Where("status = ?", models.StatusFailed).
		Updates(map[string]any{
			"status":                   to,
			"current_job_attempt":      0,
			"current_job_max_attempts": maxAttempts,
		})
	if tx.Error != nil {
		return false, tx.Error
	}

	return tx.RowsAffected > 0, nil
}

func (db Database) IncrementStageAttempt(id uint, lastError string) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"current_job_attempt": gorm.Expr("current_job_attempt + 1"),
			"last_error":          lastError,
		})
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

func (db Database) UpdateProgress(id uint, data datatypes.JSON) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Update("progress_data", data)
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

// UpdateCredentials persists all encrypted credential columns and their
// expiries, including cleared ones.
func (db Database) UpdateCredentials(m *models.Migration) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"encrypted_password":     m.EncryptedPassword,
			"encrypted_plc_token":    m.EncryptedPlcToken,
			"encrypted_invite_code":  m.EncryptedInviteCode,
			"encrypted_otp":          m.EncryptedOtp,
			"credentials_expires_at": m.CredentialsExpiresAt,
			"plc_token_expires_at":   m.PlcTokenExpiresAt,
			"invite_code_expires_at": m.InviteCodeExpiresAt,
			"otp_expires_at":         m.OtpExpiresAt,
		})
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

func (db Database) UpdateBackupFields(m *models.Migration) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"backup_bundle_path": m.BackupBundlePath,
			"backup_created_at":  m.BackupCreatedAt,
			"backup_expires_at":  m.BackupExpiresAt,
		})
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

func (db Database) UpdateRotationKey(m *models.Migration) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"encrypted_rotation_key":    m.EncryptedRotationKey,
			"rotation_key_generated_at": m.RotationKeyGeneratedAt,
		})
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

// TryAcquireTransferSlot claims one of the bounded heavy-stage slots for
// the migration. The count and the claim happen in one transaction so the
// ceiling holds across concurrent workers. Re-claiming a slot the
// migration already holds succeeds without consuming another one.
func (db Database) TryAcquireTransferSlot(id uint, ceiling int) (bool, error) {
	acquired := false
	err := db.Orm.Transaction(func(tx *gorm.DB) error {
		var m models.Migration
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			return err
		}
		if m.TransferSlotHeld {
			acquired = true
			return nil
		}

		var held int64
		if err := tx.Model(&models.Migration{}).Where("transfer_slot_held = ?", true).Count(&held).Error; err != nil {
			return err
		}
		if held >= int64(ceiling) {
			return nil
		}

		if err := tx.Model(&models.Migration{}).Where("id = ?", id).Update("transfer_slot_held", true).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return acquired, nil
}

func (db Database) ReleaseTransferSlot(id uint) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Update("transfer_slot_held", false)
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}

func (db Database) CountTransferSlotsHeld() (int64, error) {
	var held int64
	tx := db.Orm.Model(&models.Migration{}).Where("transfer_slot_held = ?", true).Count(&held)
	if tx.Error != nil {
		return 0, tx.Error
	}

	return held, nil
}

// ListStuckMigrations returns migrations sitting in an actively scheduled
// status whose row has not been touched since the cutoff. Statuses that
// wait on a user action (backup_ready, pending_plc) are not scanned.
func (db Database) ListStuckMigrations(cutoff time.Time) ([]models.Migration, error) {
	active := []string{
		string(models.StatusPendingDownload),
		string(models.StatusPendingBackup),
		string(models.StatusPendingAccount),
		string(models.StatusAccountCreated),
		string(models.StatusPendingRepo),
		string(models.StatusPendingBlobs),
		string(models.StatusPendingPrefs),
		string(models.StatusPendingActivation),
	}

	var ms []models.Migration
	tx := db.Orm.
		Where("status IN ?", active).
		Where("updated_at < ?", cutoff).
		Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}

	return ms, nil
}

func (db Database) ListExpiredBackups(now time.Time) ([]models.Migration, error) {
	var ms []models.Migration
	tx := db.Orm.
		Where("backup_bundle_path <> ''").
		Where("backup_expires_at IS NOT NULL").
		Where("backup_expires_at < ?", now).
		Find(&ms)
	if tx.Error != nil {
		return nil, tx.Error
	}

	return ms, nil
}

func (db Database) ClearBackup(id uint) error {
	tx := db.Orm.
		Model(&models.Migration{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"backup_bundle_path": "",
			"backup_created_at":  nil,
			"backup_expires_at":  nil,
		})
	if tx.Error != nil {
		return tx.Error
	}

	return nil
}
