package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

// base64Cipher stands in for the vault; reversible so tests can verify
// round trips without a KMS.
type base64Cipher struct{}

func (base64Cipher) Encrypt(_ context.Context, cred map[string]any) (string, error) {
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (base64Cipher) Decrypt(_ context.Context, cypherText string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(cypherText)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestPasswordRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	k := NewKeeper(base64Cipher{})
	m := &models.Migration{}
	now := time.Now()

	require.NoError(t, k.SetPassword(ctx, m, "hunter2", 48*time.Hour, now))
	assert.NotEmpty(t, m.EncryptedPassword)
	assert.NotContains(t, m.EncryptedPassword, "hunter2")

	got, err := k.Password(ctx, m, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	// One tick past expiry the secret is simply absent.
	got, err = k.Password(ctx, m, now.Add(48*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpiriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	k := NewKeeper(base64Cipher{})
	m := &models.Migration{}
	now := time.Now()

	require.NoError(t, k.SetPassword(ctx, m, "pw", 48*time.Hour, now))
	require.NoError(t, k.SetPlcToken(ctx, m, "plc-tok", 30*time.Minute, now))
	require.NoError(t, k.SetOtp(ctx, m, "123456", 15*time.Minute, now))

	later := now.Add(20 * time.Minute)

	otp, err := k.Otp(ctx, m, later)
	require.NoError(t, err)
	assert.Empty(t, otp, "otp should have expired")

	token, err := k.PlcToken(ctx, m, later)
	require.NoError(t, err)
	assert.Equal(t, "plc-tok", token, "plc token still valid")

	pw, err := k.Password(ctx, m, later)
	require.NoError(t, err)
	assert.Equal(t, "pw", pw)
}

func TestUnsetSecretReadsEmpty(t *testing.T) {
	k := NewKeeper(base64Cipher{})
	m := &models.Migration{}

	got, err := k.InviteCode(context.Background(), m, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWipeKeepsRotationKey(t *testing.T) {
	ctx := context.Background()
	k := NewKeeper(base64Cipher{})
	m := &models.Migration{}
	now := time.Now()

	require.NoError(t, k.SetPassword(ctx, m, "pw", time.Hour, now))
	require.NoError(t, k.SetRotationKey(ctx, m, "rot-key", now))

	k.Wipe(m)

	pw, err := k.Password(ctx, m, now)
	require.NoError(t, err)
	assert.Empty(t, pw)
	assert.Empty(t, m.EncryptedPassword)
	assert.Nil(t, m.CredentialsExpiresAt)

	key, err := k.RotationKey(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "rot-key", key)
	assert.True(t, m.RotationKeyAvailable())
}
