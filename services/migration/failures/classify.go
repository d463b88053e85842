// Package failures turns raw failure text into actionable state for the
// presentation layer. Classification is a pure function over the message
// and pipeline position; it is re-derived from last_error on every read
// and never stored on the migration.
package failures

import (
	"fmt"
	"strings"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryRateLimit          Category = "rate_limit"
	CategoryNetwork            Category = "network"
	CategoryPlcTokenExpired    Category = "plc_token_expired"
	CategoryAuthentication     Category = "authentication"
	CategoryAccountExists      Category = "account_exists"
	CategoryCredentialsExpired Category = "credentials_expired"
	CategoryBlobNotFound       Category = "blob_not_found"
	CategoryDataCorruption     Category = "data_corruption"
	CategoryDiskSpace          Category = "disk_space"
	CategoryInvalidInviteCode  Category = "invalid_invite_code"
	CategoryPlcFailure         Category = "plc_failure"
	CategoryUnknown            Category = "unknown"
)

// Retryable reports whether the worker may retry the stage in place.
// Everything else is terminal and needs a user or operator action.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryNetwork, CategoryDataCorruption, CategoryUnknown:
		return true
	}
	return false
}

type Input struct {
	Message     string
	Stage       models.Stage
	Attempt     int
	MaxAttempts int

	// Surfaced for the critical directory category so an operator can be
	// engaged with everything needed to recover by hand.
	MigrationToken       string
	RotationKeyAvailable bool
}

type Classification struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
	Status      string   `json:"status"`
	Actions     []string `json:"actions"`

	ShowRetry            bool `json:"show_retry"`
	ShowNewMigration     bool `json:"show_new_migration"`
	ShowContactSupport   bool `json:"show_contact_support"`
	ShowRequestNewToken  bool `json:"show_request_new_token"`
	ShowDownloadManifest bool `json:"show_download_manifest"`
}

type matcher struct {
	category Category
	patterns []string
}

// Ordered; first match wins.
var matchers = []matcher{
	{CategoryRateLimit, []string{"rate limit", "ratelimit", "429", "too many requests"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "dial tcp", "i/o timeout", "timed out", "timeout", "network", "502", "503", "504", "unexpected eof"}},
	{CategoryPlcTokenExpired, []string{"plc token has expired", "token has expired", "token expired"}},
	{CategoryAuthentication, []string{"invalid identifier or password", "authentication", "unauthorized", "401", "invalid credentials"}},
	{CategoryAccountExists, []string{"already exists", "account exists", "handle not available"}},
	{CategoryCredentialsExpired, []string{"credentials expired", "credentials have expired", "password expired"}},
	{CategoryBlobNotFound, []string{"blob not found", "blobnotfound", "missing blob"}},
	{CategoryDataCorruption, []string{"corrupt", "checksum mismatch", "invalid car", "malformed"}},
	{CategoryDiskSpace, []string{"no space left on device", "disk space", "disk full", "insufficient storage"}},
	{CategoryInvalidInviteCode, []string{"invalid invite", "invite code"}},
	{CategoryPlcFailure, []string{"plc operation failed", "plc update failed", "plc submission failed", "plc directory"}},
}

func match(message string) Category {
	msg := strings.ToLower(message)
	for _, m := range matchers {
		for _, p := range m.patterns {
			if strings.Contains(msg, p) {
				return m.category
			}
		}
	}
	return CategoryUnknown
}

// Classify maps a raw failure message plus pipeline context to a
// structured, user-actionable record.
func Classify(in Input) Classification {
	category := match(in.Message)
	exhausted := in.Attempt >= in.MaxAttempts

	c := Classification{Category: category}

	switch category {
	case CategoryRateLimit:
		c.Severity = SeverityWarning
		c.Explanation = "One of the servers is rate limiting migration requests."
		if exhausted {
			c.Status = "Automatic retries are used up; the migration is paused."
			c.Actions = []string{"Wait a while for the rate limit to clear, then retry."}
			c.ShowRetry = true
		} else {
			c.Status = "The migration will retry automatically with a longer delay."
			c.Actions = []string{"No action needed yet; a retry is already scheduled."}
		}

	case CategoryNetwork:
		c.Severity = SeverityWarning
		c.Explanation = "A server could not be reached or the connection dropped mid-transfer."
		if exhausted {
			c.Status = "Automatic retries are used up; the migration is paused."
			c.Actions = []string{"Check that both servers are reachable, then retry."}
			c.ShowRetry = true
		} else {
			c.Status = "The migration will retry automatically."
			c.Actions = []string{"No action needed yet; a retry is already scheduled."}
		}

	case CategoryPlcTokenExpired:
		c.Severity = SeverityError
		c.Explanation = "The PLC directory token expired before the identity update could be submitted."
		c.Status = "The migration is paused waiting for a fresh token."
		c.Actions = []string{
			"Request a new PLC token from your old server.",
			"Enter the new token as soon as it arrives; it is only valid for a short time.",
		}
		c.ShowRequestNewToken = true

	case CategoryAuthentication:
		c.Severity = SeverityError
		c.Explanation = "The old server rejected the stored login credentials."
		c.Status = "The migration cannot continue with the current credentials."
		c.Actions = []string{
			"Verify the handle and password for the old account.",
			"Start a new migration with correct credentials.",
		}
		c.ShowNewMigration = true

	case CategoryAccountExists:
		c.Severity = SeverityError
		c.Explanation = "An account for this identity already exists on the destination server, most likely left behind by an earlier attempt."
		c.Status = "The migration is stopped until the orphaned account is removed."
		c.Actions = []string{
			"Contact support to have the orphaned account on the destination server removed.",
			"Do not create the account manually; the migration must create it itself.",
		}
		c.ShowContactSupport = true

	case CategoryCredentialsExpired:
		c.Severity = SeverityError
		c.Explanation = "The stored credentials aged out before the migration finished."
		c.Status = "The migration cannot resume; stored secrets have been discarded."
		c.Actions = []string{"Start a new migration to supply fresh credentials."}
		c.ShowNewMigration = true

	case CategoryBlobNotFound:
		c.Severity = SeverityWarning
		c.Explanation = "Some media files could not be found on the old server."
		c.Status = "The migration continued; the missing files are listed in the manifest."
		c.Actions = []string{
			"Download the failed-blob manifest to see what was skipped.",
			"Retry the failed blobs once the old server has them available.",
		}
		c.ShowDownloadManifest = true

	case CategoryDataCorruption:
		c.Severity = SeverityWarning
		c.Explanation = "Transferred data failed verification and will be fetched again."
		if exhausted {
			c.Status = "Repeated verification failures; the migration is paused."
			c.Actions = []string{"Retry the stage; if it keeps failing, contact support."}
			c.ShowRetry = true
		} else {
			c.Status = "The migration will re-fetch the data automatically."
			c.Actions = []string{"No action needed yet; a retry is already scheduled."}
		}

	case CategoryDiskSpace:
		c.Severity = SeverityError
		c.Explanation = "The destination server ran out of storage while importing data."
		c.Status = "The migration is stopped until storage is freed."
		c.Actions = []string{"Contact the destination server operator to free up space."}
		c.ShowContactSupport = true

	case CategoryInvalidInviteCode:
		c.Severity = SeverityError
		c.Explanation = "The destination server rejected the invite code."
		c.Status = "The account could not be created."
		c.Actions = []string{
			"Obtain a valid invite code for the destination server.",
			"Start a new migration with the valid code.",
		}
		c.ShowNewMigration = true

	case CategoryPlcFailure:
		c.Severity = SeverityCritical
		c.Explanation = "The PLC directory update failed after the point of no return. The identity record may be in an intermediate state."
		c.Status = "Manual recovery is required. Do not start a new migration."
		c.Actions = []string{
			"Contact support immediately and quote the migration reference below.",
			fmt.Sprintf("Migration reference: %s", in.MigrationToken),
			rotationKeyLine(in.RotationKeyAvailable),
		}
		c.ShowContactSupport = true

	default:
		c.Category = CategoryUnknown
		c.Severity = SeverityError
		c.Explanation = "The migration hit an unexpected error."
		if exhausted {
			c.Status = "Automatic retries are used up; the migration is paused."
			c.Actions = []string{"Retry the stage; if it keeps failing, contact support."}
			c.ShowRetry = true
			c.ShowContactSupport = true
		} else {
			c.Status = "The migration will retry automatically."
			c.Actions = []string{"No action needed yet; a retry is already scheduled."}
		}
	}

	return c
}

func rotationKeyLine(available bool) string {
	if available {
		return "A rotation key was generated for this migration and can recover directory control."
	}
	return "No rotation key was generated yet; recovery must go through the old server's signing key."
}
