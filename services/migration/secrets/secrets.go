// Package secrets keeps the short-lived credentials a migration needs
// mid-pipeline. Values are stored as vault ciphertext on the migration
// row; every read checks the paired expiry against the supplied clock
// before decrypting, so an expired secret is absent even while its
// ciphertext still sits in storage.
package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

// Cipher is the opaque encrypt/decrypt capability. Satisfied by
// og-util's vault.VaultSourceConfig.
type Cipher interface {
	Encrypt(ctx context.Context, cred map[string]any) (string, error)
	Decrypt(ctx context.Context, cypherText string) (map[string]any, error)
}

type Keeper struct {
	cipher Cipher
}

func NewKeeper(cipher Cipher) *Keeper {
	return &Keeper{cipher: cipher}
}

const payloadKey = "value"

func (k *Keeper) seal(ctx context.Context, plaintext string) (string, error) {
	return k.cipher.Encrypt(ctx, map[string]any{payloadKey: plaintext})
}

func (k *Keeper) open(ctx context.Context, ciphertext string) (string, error) {
	data, err := k.cipher.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", err
	}
	v, ok := data[payloadKey].(string)
	if !ok {
		return "", fmt.Errorf("secret payload missing value field")
	}
	return v, nil
}

// get enforces expiry-at-read: absent or past-expiry secrets come back
// empty with no error, and no decryption happens for them.
func (k *Keeper) get(ctx context.Context, ciphertext string, expiresAt *time.Time, now time.Time) (string, error) {
	if ciphertext == "" || expiresAt == nil {
		return "", nil
	}
	if now.After(*expiresAt) {
		return "", nil
	}
	return k.open(ctx, ciphertext)
}

func (k *Keeper) SetPassword(ctx context.Context, m *models.Migration, plaintext string, ttl time.Duration, now time.Time) error {
	ct, err := k.seal(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	expires := now.Add(ttl)
	m.EncryptedPassword = ct
	m.CredentialsExpiresAt = &expires
	return nil
}

func (k *Keeper) Password(ctx context.Context, m *models.Migration, now time.Time) (string, error) {
	return k.get(ctx, m.EncryptedPassword, m.CredentialsExpiresAt, now)
}

func (k *Keeper) SetPlcToken(ctx context.Context, m *models.Migration, token string, ttl time.Duration, now time.Time) error {
	ct, err := k.seal(ctx, token)
	if err != nil {
		return fmt.Errorf("seal plc token: %w", err)
	}
	expires := now.Add(ttl)
	m.EncryptedPlcToken = ct
	m.PlcTokenExpiresAt = &expires
	return nil
}

func (k *Keeper) PlcToken(ctx context.Context, m *models.Migration, now time.Time) (string, error) {
	return k.get(ctx, m.EncryptedPlcToken, m.PlcTokenExpiresAt, now)
}

func (k *Keeper) SetInviteCode(ctx context.Context, m *models.Migration, code string, ttl time.Duration, now time.Time) error {
	ct, err := k.seal(ctx, code)
	if err != nil {
		return fmt.Errorf("seal invite code: %w", err)
	}
	expires := now.Add(ttl)
	m.EncryptedInviteCode = ct
	m.InviteCodeExpiresAt = &expires
	return nil
}

func (k *Keeper) InviteCode(ctx context.Context, m *models.Migration, now time.Time) (string, error) {
	return k.get(ctx, m.EncryptedInviteCode, m.InviteCodeExpiresAt, now)
}

func (k *Keeper) SetOtp(ctx context.Context, m *models.Migration, code string, ttl time.Duration, now time.Time) error {
	ct, err := k.seal(ctx, code)
	if err != nil {
		return fmt.Errorf("seal verification code: %w", err)
	}
	expires := now.Add(ttl)
	m.EncryptedOtp = ct
	m.OtpExpiresAt = &expires
	return nil
}

func (k *Keeper) Otp(ctx context.Context, m *models.Migration, now time.Time) (string, error) {
	return k.get(ctx, m.EncryptedOtp, m.OtpExpiresAt, now)
}

// SetRotationKey stores the recovery key with no expiry. It must survive
// the credential wipe at activation so its availability can be surfaced
// during manual recovery.
func (k *Keeper) SetRotationKey(ctx context.Context, m *models.Migration, key string, now time.Time) error {
	ct, err := k.seal(ctx, key)
	if err != nil {
		return fmt.Errorf("seal rotation key: %w", err)
	}
	m.EncryptedRotationKey = ct
	m.RotationKeyGeneratedAt = &now
	return nil
}

func (k *Keeper) RotationKey(ctx context.Context, m *models.Migration) (string, error) {
	if m.EncryptedRotationKey == "" {
		return "", nil
	}
	return k.open(ctx, m.EncryptedRotationKey)
}

// Wipe discards every stored credential. The rotation key is not a
// credential and stays.
func (k *Keeper) Wipe(m *models.Migration) {
	m.EncryptedPassword = ""
	m.EncryptedPlcToken = ""
	m.EncryptedInviteCode = ""
	m.EncryptedOtp = ""
	m.CredentialsExpiresAt = nil
	m.PlcTokenExpiresAt = nil
	m.InviteCodeExpiresAt = nil
	m.OtpExpiresAt = nil
}
