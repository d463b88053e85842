package models

import (
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MigrationStatus string

const (
	StatusPendingDownload   MigrationStatus = "pending_download"
	StatusPendingBackup     MigrationStatus = "pending_backup"
	StatusBackupReady       MigrationStatus = "backup_ready"
	StatusPendingAccount    MigrationStatus = "pending_account"
	StatusAccountCreated    MigrationStatus = "account_created"
	StatusPendingRepo       MigrationStatus = "pending_repo"
	StatusPendingBlobs      MigrationStatus = "pending_blobs"
	StatusPendingPrefs      MigrationStatus = "pending_prefs"
	StatusPendingPlc        MigrationStatus = "pending_plc"
	StatusPendingActivation MigrationStatus = "pending_activation"
	StatusCompleted         MigrationStatus = "completed"
	StatusFailed            MigrationStatus = "failed"
)

// StatusOrder is the forward path of the pipeline. failed is reachable
// from any non-terminal status and is not part of the forward path.
var StatusOrder = []MigrationStatus{
	StatusPendingDownload,
	StatusPendingBackup,
	StatusBackupReady,
	StatusPendingAccount,
	StatusAccountCreated,
	StatusPendingRepo,
	StatusPendingBlobs,
	StatusPendingPrefs,
	StatusPendingPlc,
	StatusPendingActivation,
	StatusCompleted,
}

func (s MigrationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Ordinal returns the position of s on the forward path, -1 for failed or
// unknown statuses.
func (s MigrationStatus) Ordinal() int {
	for i, st := range StatusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

type MigrationType string

const (
	MigrationOut MigrationType = "migration_out"
	MigrationIn  MigrationType = "migration_in"
)

type Stage string

const (
	StageDownload    Stage = "download"
	StageBackup      Stage = "backup"
	StageAccount     Stage = "account"
	StageRepo        Stage = "repo"
	StageBlobs       Stage = "blobs"
	StagePreferences Stage = "preferences"
	StagePlcToken    Stage = "plc_token"
	StagePlc         Stage = "plc"
	StageActivation  Stage = "activation"
)

// StageStatus maps each stage to the status its runner expects to find the
// migration in. A runner observing any other status must exit without side
// effects.
var StageStatus = map[Stage]MigrationStatus{
	StageDownload:    StatusPendingDownload,
	StageBackup:      StatusPendingBackup,
	StageAccount:     StatusPendingAccount,
	StageRepo:        StatusPendingRepo,
	StageBlobs:       StatusPendingBlobs,
	StagePreferences: StatusPendingPrefs,
	StagePlcToken:    StatusPendingPlc,
	StagePlc:         StatusPendingPlc,
	StageActivation:  StatusPendingActivation,
}

type Migration struct {
	gorm.Model

	Did   string `gorm:"uniqueIndex"`
	Token string `gorm:"uniqueIndex"`
	Email string

	OldHost   string
	NewHost   string
	OldHandle string
	NewHandle string

	Status        MigrationStatus `gorm:"index"`
	MigrationType MigrationType

	ProgressData datatypes.JSON

	EncryptedPassword    string
	EncryptedPlcToken    string
	EncryptedInviteCode  string
	EncryptedOtp         string
	CredentialsExpiresAt *time.Time
	PlcTokenExpiresAt    *time.Time
	InviteCodeExpiresAt  *time.Time
	OtpExpiresAt         *time.Time

	LastError             string
	RetryCount            int
	CurrentJobStep        Stage
	CurrentJobAttempt     int
	CurrentJobMaxAttempts int

	BackupRequested  bool
	BackupBundlePath string
	BackupCreatedAt  *time.Time
	BackupExpiresAt  *time.Time

	EncryptedRotationKey   string
	RotationKeyGeneratedAt *time.Time

	// TransferSlotHeld marks a migration currently holding one of the
	// bounded heavy-stage slots. See Database.TryAcquireTransferSlot.
	TransferSlotHeld bool `gorm:"index"`
}

// BackupAvailable reports whether the local backup bundle can still be
// served: the path is recorded, the file is present on disk and the
// retention window has not passed.
func (m *Migration) BackupAvailable(now time.Time) bool {
	if m.BackupBundlePath == "" || m.BackupExpiresAt == nil {
		return false
	}
	if now.After(*m.BackupExpiresAt) {
		return false
	}
	_, err := os.Stat(m.BackupBundlePath)
	return err == nil
}

func (m *Migration) RotationKeyAvailable() bool {
	return m.RotationKeyGeneratedAt != nil && m.EncryptedRotationKey != ""
}
