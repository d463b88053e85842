package failures

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

func TestMatchCategories(t *testing.T) {
	cases := []struct {
		message string
		want    Category
	}{
		{"429 Too Many Requests", CategoryRateLimit},
		{"rate limit exceeded", CategoryRateLimit},
		{"dial tcp 10.0.0.1:443: i/o timeout", CategoryNetwork},
		{"request timed out", CategoryNetwork},
		{"PLC token has expired; request a new token to continue", CategoryPlcTokenExpired},
		{"login: Invalid identifier or password (HTTP 401)", CategoryAuthentication},
		{"account already exists on https://new.example", CategoryAccountExists},
		{"stored credentials have expired", CategoryCredentialsExpired},
		{"download blob abc: blob not found", CategoryBlobNotFound},
		{"backup bundle is corrupt: empty snapshot", CategoryDataCorruption},
		{"import repository: no space left on device", CategoryDiskSpace},
		{"create account: invalid invite code", CategoryInvalidInviteCode},
		{"plc operation failed: internal server error", CategoryPlcFailure},
		{"something nobody predicted", CategoryUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, match(tc.message), "message %q", tc.message)
	}
}

func TestRetryableCategories(t *testing.T) {
	retryable := []Category{CategoryRateLimit, CategoryNetwork, CategoryDataCorruption, CategoryUnknown}
	for _, c := range retryable {
		assert.True(t, c.Retryable(), "%s", c)
	}
	terminal := []Category{
		CategoryPlcTokenExpired, CategoryAuthentication, CategoryAccountExists,
		CategoryCredentialsExpired, CategoryBlobNotFound, CategoryDiskSpace,
		CategoryInvalidInviteCode, CategoryPlcFailure,
	}
	for _, c := range terminal {
		assert.False(t, c.Retryable(), "%s", c)
	}
}

func TestClassifyRateLimitBeforeAndAfterExhaustion(t *testing.T) {
	in := Input{
		Message:     "429 rate limit exceeded",
		Stage:       models.StageBlobs,
		Attempt:     1,
		MaxAttempts: 3,
	}
	c := Classify(in)
	assert.Equal(t, CategoryRateLimit, c.Category)
	assert.Equal(t, SeverityWarning, c.Severity)
	assert.False(t, c.ShowRetry, "retry control hidden while automatic retries remain")

	in.Attempt = 3
	c = Classify(in)
	assert.True(t, c.ShowRetry, "retry control shown once the budget is spent")
}

func TestClassifyPlcTokenExpired(t *testing.T) {
	c := Classify(Input{
		Message:     "PLC token has expired; request a new token to continue",
		Stage:       models.StagePlc,
		Attempt:     1,
		MaxAttempts: 3,
	})
	assert.Equal(t, CategoryPlcTokenExpired, c.Category)
	assert.Equal(t, SeverityError, c.Severity)
	assert.True(t, c.ShowRequestNewToken)
	assert.False(t, c.ShowRetry)
}

func TestClassifyPlcFailureIsCriticalWithReference(t *testing.T) {
	c := Classify(Input{
		Message:              "submit plc operation: plc operation failed: boom (HTTP 500)",
		Stage:                models.StagePlc,
		Attempt:              3,
		MaxAttempts:          3,
		MigrationToken:       "tok123",
		RotationKeyAvailable: true,
	})
	assert.Equal(t, CategoryPlcFailure, c.Category)
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.True(t, c.ShowContactSupport)
	assert.False(t, c.ShowRetry)
	assert.False(t, c.ShowNewMigration)

	joined := ""
	for _, a := range c.Actions {
		joined += a + "\n"
	}
	assert.Contains(t, joined, "tok123")
	assert.Contains(t, joined, "rotation key was generated")
}

func TestClassifyRateLimitWinsOverPlcFailure(t *testing.T) {
	// A rate-limited PLC submission is still just a rate limit, not a
	// point-of-no-return catastrophe.
	c := Classify(Input{
		Message:     "submit plc operation: rate limit exceeded (HTTP 429)",
		Stage:       models.StagePlc,
		Attempt:     1,
		MaxAttempts: 5,
	})
	assert.Equal(t, CategoryRateLimit, c.Category)
}

func TestClassifyBlobNotFoundOffersManifest(t *testing.T) {
	c := Classify(Input{
		Message:     "download blob bafy123: blob not found",
		Stage:       models.StageBlobs,
		Attempt:     3,
		MaxAttempts: 3,
	})
	assert.Equal(t, CategoryBlobNotFound, c.Category)
	assert.True(t, c.ShowDownloadManifest)
}

func TestClassifyUnknownExhausted(t *testing.T) {
	c := Classify(Input{Message: "weird", Attempt: 3, MaxAttempts: 3})
	assert.Equal(t, CategoryUnknown, c.Category)
	assert.True(t, c.ShowRetry)
	assert.True(t, c.ShowContactSupport)
}
