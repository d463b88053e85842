package api

import (
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/failures"
)

type CreateMigrationRequest struct {
	MigrationType   string `json:"migration_type" validate:"required"`
	Did             string `json:"did" validate:"required"`
	Email           string `json:"email"`
	OldHost         string `json:"old_host" validate:"required"`
	NewHost         string `json:"new_host" validate:"required"`
	OldHandle       string `json:"old_handle"`
	NewHandle       string `json:"new_handle"`
	Password        string `json:"password" validate:"required"`
	InviteCode      string `json:"invite_code,omitempty"`
	BackupRequested bool   `json:"backup_requested"`
}

type CreateMigrationResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

type BackupInfo struct {
	Requested bool       `json:"requested"`
	Available bool       `json:"available"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type BlobProgress struct {
	Total            int64    `json:"total"`
	Completed        int64    `json:"completed"`
	BytesTotal       int64    `json:"bytes_total"`
	BytesTransferred int64    `json:"bytes_transferred"`
	Failed           []string `json:"failed,omitempty"`
}

// MigrationStatus is the full read model for one migration, including
// the user-facing interpretation of the last failure. The failure block
// is absent unless the migration is failed.
type MigrationStatus struct {
	Token              string                   `json:"token"`
	Did                string                   `json:"did"`
	MigrationType      string                   `json:"migration_type"`
	Status             string                   `json:"status"`
	Stage              string                   `json:"stage"`
	OldHost            string                   `json:"old_host"`
	NewHost            string                   `json:"new_host"`
	OldHandle          string                   `json:"old_handle,omitempty"`
	NewHandle          string                   `json:"new_handle,omitempty"`
	Percent            int                      `json:"percent"`
	EstimatedRemaining *int64                   `json:"estimated_remaining_seconds,omitempty"`
	Blobs              BlobProgress             `json:"blobs"`
	Backup             BackupInfo               `json:"backup"`
	Failure            *failures.Classification `json:"failure,omitempty"`
	RetryCount         int                      `json:"retry_count"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

type SubmitPlcTokenRequest struct {
	PlcToken         string `json:"plc_token" validate:"required"`
	VerificationCode string `json:"verification_code" validate:"required"`
}
