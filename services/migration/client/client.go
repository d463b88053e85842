package client

import (
	"context"
	"encoding/json"
	"io"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

// AccountStatus is what the new endpoint reports about an existing
// account during a migration-in verification.
type AccountStatus struct {
	Did           string
	Activated     bool
	ValidDid      bool
	RepoCommit    string
	RepoBlocks    int64
	ExpectedBlobs int64
}

type BlobPage struct {
	Cids   []string
	Cursor string
}

type CreateAccountParams struct {
	Did        string
	Handle     string
	Email      string
	Password   string
	InviteCode string
	// ServiceAuth is the inter-service token obtained from the old
	// endpoint that authorizes creating an account for an existing DID.
	ServiceAuth string
}

// Client is the external migration operation set, already bound to one
// migration's old and new endpoints. Implementations own the wire
// protocol; every failure is reported as a *Error so the orchestration
// layer can classify it.
type Client interface {
	// LoginOld authenticates against the old endpoint and returns a
	// service-auth token scoped to account creation on the new one.
	LoginOld(ctx context.Context, password string) (serviceAuth string, err error)

	CreateAccount(ctx context.Context, params CreateAccountParams) error
	VerifyExistingAccount(ctx context.Context) (*AccountStatus, error)

	ExportRepository(ctx context.Context, w io.Writer) error
	ImportRepository(ctx context.Context, r io.Reader) error

	ListBlobs(ctx context.Context, cursor string) (*BlobPage, error)
	DownloadBlob(ctx context.Context, cid string) (io.ReadCloser, int64, error)
	UploadBlob(ctx context.Context, cid string, r io.Reader) error

	ExportPreferences(ctx context.Context) (json.RawMessage, error)
	ImportPreferences(ctx context.Context, prefs json.RawMessage) error

	RequestPlcToken(ctx context.Context) error
	RecommendPlcOperation(ctx context.Context) (json.RawMessage, error)
	SignPlcOperation(ctx context.Context, op json.RawMessage, token string) (json.RawMessage, error)
	SubmitPlcOperation(ctx context.Context, signed json.RawMessage) error

	ActivateAccount(ctx context.Context) error
	DeactivateAccount(ctx context.Context) error

	GenerateRotationKey(ctx context.Context) (string, error)
	RegisterRotationKey(ctx context.Context, key string) error
}

// Factory binds a Client to one migration. The plaintext password comes
// from the credential keeper at call time, never from the row itself.
type Factory interface {
	ClientFor(ctx context.Context, m *models.Migration, password string) (Client, error)
}
