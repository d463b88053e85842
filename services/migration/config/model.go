package config

import (
	"time"

	"github.com/opengovern/og-util/pkg/koanf"
	"github.com/opengovern/og-util/pkg/vault"
)

type Config struct {
	Postgres koanf.Postgres   `json:"postgres,omitempty" koanf:"postgres"`
	Http     koanf.HttpServer `json:"http,omitempty" koanf:"http"`
	NATS     koanf.NATS       `json:"nats,omitempty" koanf:"nats"`

	Vault vault.Config `json:"vault,omitempty" koanf:"vault"`

	Migration MigrationConfig `json:"migration,omitempty" koanf:"migration"`
}

// MigrationConfig carries the orchestration knobs. Everything has a
// working zero-value default so a minimal deployment only needs the
// connection sections.
type MigrationConfig struct {
	InviteCodeRequired bool `json:"invite_code_required,omitempty" koanf:"invite_code_required"`

	BackupEnabled        bool   `json:"backup_enabled,omitempty" koanf:"backup_enabled"`
	BackupDir            string `json:"backup_dir,omitempty" koanf:"backup_dir"`
	BackupRetentionHours int    `json:"backup_retention_hours,omitempty" koanf:"backup_retention_hours"`

	// TransferSlotCeiling bounds concurrently running blob-transfer
	// stages system-wide.
	TransferSlotCeiling int `json:"transfer_slot_ceiling,omitempty" koanf:"transfer_slot_ceiling"`

	DefaultMaxAttempts int            `json:"default_max_attempts,omitempty" koanf:"default_max_attempts"`
	StageMaxAttempts   map[string]int `json:"stage_max_attempts,omitempty" koanf:"stage_max_attempts"`

	AdmissionRetryDelaySeconds    int `json:"admission_retry_delay_seconds,omitempty" koanf:"admission_retry_delay_seconds"`
	NetworkRetryDelaySeconds      int `json:"network_retry_delay_seconds,omitempty" koanf:"network_retry_delay_seconds"`
	RateLimitRetryDelaySeconds    int `json:"rate_limit_retry_delay_seconds,omitempty" koanf:"rate_limit_retry_delay_seconds"`
	PlcRateLimitRetryDelaySeconds int `json:"plc_rate_limit_retry_delay_seconds,omitempty" koanf:"plc_rate_limit_retry_delay_seconds"`

	CredentialTTLHours int `json:"credential_ttl_hours,omitempty" koanf:"credential_ttl_hours"`
	InviteCodeTTLHours int `json:"invite_code_ttl_hours,omitempty" koanf:"invite_code_ttl_hours"`
	OtpTTLMinutes      int `json:"otp_ttl_minutes,omitempty" koanf:"otp_ttl_minutes"`
	PlcTokenTTLMinutes int `json:"plc_token_ttl_minutes,omitempty" koanf:"plc_token_ttl_minutes"`

	// StageWeights overrides the percent reached when a stage completes,
	// keyed by status. Relative ordering must stay monotonic; the
	// defaults live in the progress package.
	StageWeights map[string]int `json:"stage_weights,omitempty" koanf:"stage_weights"`

	StuckStageTimeoutMinutes int `json:"stuck_stage_timeout_minutes,omitempty" koanf:"stuck_stage_timeout_minutes"`
}

func (c MigrationConfig) SlotCeiling() int {
	if c.TransferSlotCeiling <= 0 {
		return 15
	}
	return c.TransferSlotCeiling
}

func (c MigrationConfig) MaxAttempts(stage string) int {
	if n, ok := c.StageMaxAttempts[stage]; ok && n > 0 {
		return n
	}
	if c.DefaultMaxAttempts > 0 {
		return c.DefaultMaxAttempts
	}
	return 3
}

func (c MigrationConfig) AdmissionRetryDelay() time.Duration {
	return secondsOr(c.AdmissionRetryDelaySeconds, 30*time.Second)
}

func (c MigrationConfig) NetworkRetryDelay() time.Duration {
	return secondsOr(c.NetworkRetryDelaySeconds, time.Minute)
}

func (c MigrationConfig) RateLimitRetryDelay() time.Duration {
	return secondsOr(c.RateLimitRetryDelaySeconds, 5*time.Minute)
}

func (c MigrationConfig) PlcRateLimitRetryDelay() time.Duration {
	return secondsOr(c.PlcRateLimitRetryDelaySeconds, 15*time.Minute)
}

func (c MigrationConfig) CredentialTTL() time.Duration {
	return hoursOr(c.CredentialTTLHours, 48*time.Hour)
}

func (c MigrationConfig) InviteCodeTTL() time.Duration {
	return hoursOr(c.InviteCodeTTLHours, 72*time.Hour)
}

func (c MigrationConfig) OtpTTL() time.Duration {
	return minutesOr(c.OtpTTLMinutes, 15*time.Minute)
}

func (c MigrationConfig) PlcTokenTTL() time.Duration {
	return minutesOr(c.PlcTokenTTLMinutes, 30*time.Minute)
}

func (c MigrationConfig) BackupRetention() time.Duration {
	return hoursOr(c.BackupRetentionHours, 7*24*time.Hour)
}

func (c MigrationConfig) StuckStageTimeout() time.Duration {
	return minutesOr(c.StuckStageTimeoutMinutes, 30*time.Minute)
}

func secondsOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func minutesOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func hoursOr(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Hour
}
