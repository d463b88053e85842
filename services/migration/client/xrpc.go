package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap"

	"github.com/atproto-tools/atmigrate/services/migration/db/models"
)

const requestTimeout = 10 * time.Minute

// HTTPFactory builds clients speaking the XRPC-style JSON protocol both
// personal data servers expose. One client instance is bound to a single
// migration and holds its two sessions.
type HTTPFactory struct {
	logger *zap.Logger
	http   *http.Client
}

func NewHTTPFactory(logger *zap.Logger) *HTTPFactory {
	return &HTTPFactory{
		logger: logger.Named("client"),
		http: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (f *HTTPFactory) ClientFor(ctx context.Context, m *models.Migration, password string) (Client, error) {
	c := &xrpcClient{
		http:      f.http,
		oldHost:   m.OldHost,
		newHost:   m.NewHost,
		did:       m.Did,
		oldHandle: m.OldHandle,
		newHandle: m.NewHandle,
		email:     m.Email,
		password:  password,
	}
	if _, err := c.LoginOld(ctx, password); err != nil {
		return nil, err
	}
	return c, nil
}

type xrpcClient struct {
	http *http.Client

	oldHost   string
	newHost   string
	did       string
	oldHandle string
	newHandle string
	email     string
	password  string

	oldJwt string
	newJwt string
}

type xrpcError struct {
	ErrorName string `json:"error"`
	Message   string `json:"message"`
}

// call performs one JSON round trip. A nil out discards the body; a nil
// body sends an empty request.
func (c *xrpcClient) call(ctx context.Context, op, method, host, nsid, jwt string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return NewError(KindGeneric, op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s/xrpc/%s", host, nsid)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return NewError(KindGeneric, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindGeneric, op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, err)
	}
	return NewError(KindNetwork, op, err)
}

func statusError(op string, resp *http.Response) *Error {
	var xe xrpcError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	_ = json.Unmarshal(raw, &xe)

	detail := xe.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	if detail == "" {
		detail = resp.Status
	}
	err := fmt.Errorf("%s (HTTP %d)", detail, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimit, op, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuthentication, op, err)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return NewError(KindTimeout, op, err)
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return NewError(KindNetwork, op, err)
	case strings.Contains(xe.ErrorName, "AlreadyExists") || strings.Contains(xe.Message, "already exists"):
		return NewError(KindAccountExists, op, err)
	default:
		return NewError(KindGeneric, op, err)
	}
}

type sessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	Did       string `json:"did"`
}

func (c *xrpcClient) LoginOld(ctx context.Context, password string) (string, error) {
	var session sessionResponse
	err := c.call(ctx, "login", http.MethodPost, c.oldHost, "com.atproto.server.createSession", "",
		nil, map[string]string{"identifier": c.oldHandle, "password": password}, &session)
	if err != nil {
		return "", err
	}
	c.oldJwt = session.AccessJwt

	var auth struct {
		Token string `json:"token"`
	}
	q := url.Values{}
	q.Set("aud", didForHost(c.newHost))
	q.Set("lxm", "com.atproto.server.createAccount")
	err = c.call(ctx, "service auth", http.MethodGet, c.oldHost, "com.atproto.server.getServiceAuth", c.oldJwt, q, nil, &auth)
	if err != nil {
		return "", err
	}
	return auth.Token, nil
}

func didForHost(host string) string {
	return "did:web:" + strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
}

func (c *xrpcClient) CreateAccount(ctx context.Context, params CreateAccountParams) error {
	body := map[string]string{
		"did":      params.Did,
		"handle":   params.Handle,
		"email":    params.Email,
		"password": params.Password,
	}
	if params.InviteCode != "" {
		body["inviteCode"] = params.InviteCode
	}
	var session sessionResponse
	err := c.call(ctx, "create account", http.MethodPost, c.newHost, "com.atproto.server.createAccount",
		params.ServiceAuth, nil, body, &session)
	if err != nil {
		return err
	}
	c.newJwt = session.AccessJwt
	return nil
}

// loginNew lazily establishes the destination session for operations
// past account creation; migrations-in never go through CreateAccount.
func (c *xrpcClient) loginNew(ctx context.Context) error {
	if c.newJwt != "" {
		return nil
	}
	handle := c.newHandle
	if handle == "" {
		handle = c.did
	}
	var session sessionResponse
	err := c.call(ctx, "login destination", http.MethodPost, c.newHost, "com.atproto.server.createSession", "",
		nil, map[string]string{"identifier": handle, "password": c.password}, &session)
	if err != nil {
		return err
	}
	c.newJwt = session.AccessJwt
	return nil
}

func (c *xrpcClient) VerifyExistingAccount(ctx context.Context) (*AccountStatus, error) {
	if err := c.loginNew(ctx); err != nil {
		return nil, err
	}
	var status struct {
		Activated     bool   `json:"activated"`
		ValidDid      bool   `json:"validDid"`
		RepoCommit    string `json:"repoCommit"`
		RepoBlocks    int64  `json:"repoBlocks"`
		ExpectedBlobs int64  `json:"expectedBlobs"`
	}
	err := c.call(ctx, "check account", http.MethodGet, c.newHost, "com.atproto.server.checkAccountStatus",
		c.newJwt, nil, nil, &status)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		Did:           c.did,
		Activated:     status.Activated,
		ValidDid:      status.ValidDid,
		RepoCommit:    status.RepoCommit,
		RepoBlocks:    status.RepoBlocks,
		ExpectedBlobs: status.ExpectedBlobs,
	}, nil
}

// stream issues a raw (non-JSON) download from host and returns the
// body for the caller to drain.
func (c *xrpcClient) stream(ctx context.Context, op, host, nsid, jwt string, query url.Values) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/xrpc/%s?%s", host, nsid, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewError(KindGeneric, op, err)
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return resp, nil
}

func (c *xrpcClient) upload(ctx context.Context, op, nsid, contentType string, r io.Reader) error {
	if err := c.loginNew(ctx); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/xrpc/%s", c.newHost, nsid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, r)
	if err != nil {
		return NewError(KindGeneric, op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.newJwt)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	return nil
}

func (c *xrpcClient) ExportRepository(ctx context.Context, w io.Writer) error {
	q := url.Values{}
	q.Set("did", c.did)
	resp, err := c.stream(ctx, "export repository", c.oldHost, "com.atproto.sync.getRepo", c.oldJwt, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return NewError(KindNetwork, "export repository", err)
	}
	return nil
}

func (c *xrpcClient) ImportRepository(ctx context.Context, r io.Reader) error {
	return c.upload(ctx, "import repository", "com.atproto.repo.importRepo", "application/vnd.ipld.car", r)
}

func (c *xrpcClient) ListBlobs(ctx context.Context, cursor string) (*BlobPage, error) {
	q := url.Values{}
	q.Set("did", c.did)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page BlobPage
	err := c.call(ctx, "list blobs", http.MethodGet, c.oldHost, "com.atproto.sync.listBlobs", c.oldJwt, q, nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *xrpcClient) DownloadBlob(ctx context.Context, cid string) (io.ReadCloser, int64, error) {
	q := url.Values{}
	q.Set("did", c.did)
	q.Set("cid", cid)
	resp, err := c.stream(ctx, "download blob", c.oldHost, "com.atproto.sync.getBlob", c.oldJwt, q)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *xrpcClient) UploadBlob(ctx context.Context, cid string, r io.Reader) error {
	return c.upload(ctx, "upload blob", "com.atproto.repo.uploadBlob", "application/octet-stream", r)
}

func (c *xrpcClient) ExportPreferences(ctx context.Context) (json.RawMessage, error) {
	var prefs json.RawMessage
	err := c.call(ctx, "export preferences", http.MethodGet, c.oldHost, "app.bsky.actor.getPreferences",
		c.oldJwt, nil, nil, &prefs)
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

func (c *xrpcClient) ImportPreferences(ctx context.Context, prefs json.RawMessage) error {
	if err := c.loginNew(ctx); err != nil {
		return err
	}
	return c.call(ctx, "import preferences", http.MethodPost, c.newHost, "app.bsky.actor.putPreferences",
		c.newJwt, nil, prefs, nil)
}

func (c *xrpcClient) RequestPlcToken(ctx context.Context) error {
	return c.call(ctx, "request plc token", http.MethodPost, c.oldHost,
		"com.atproto.identity.requestPlcOperationSignature", c.oldJwt, nil, nil, nil)
}

func (c *xrpcClient) RecommendPlcOperation(ctx context.Context) (json.RawMessage, error) {
	if err := c.loginNew(ctx); err != nil {
		return nil, err
	}
	var op json.RawMessage
	err := c.call(ctx, "recommend plc operation", http.MethodGet, c.newHost,
		"com.atproto.identity.getRecommendedDidCredentials", c.newJwt, nil, nil, &op)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (c *xrpcClient) SignPlcOperation(ctx context.Context, op json.RawMessage, token string) (json.RawMessage, error) {
	body := map[string]any{"token": token}
	var credentials map[string]any
	if err := json.Unmarshal(op, &credentials); err != nil {
		return nil, NewError(KindGeneric, "sign plc operation", fmt.Errorf("malformed credentials: %w", err))
	}
	for k, v := range credentials {
		body[k] = v
	}

	var signed struct {
		Operation json.RawMessage `json:"operation"`
	}
	err := c.call(ctx, "sign plc operation", http.MethodPost, c.oldHost,
		"com.atproto.identity.signPlcOperation", c.oldJwt, nil, body, &signed)
	if err != nil {
		return nil, err
	}
	return signed.Operation, nil
}

func (c *xrpcClient) SubmitPlcOperation(ctx context.Context, signed json.RawMessage) error {
	if err := c.loginNew(ctx); err != nil {
		return err
	}
	return c.call(ctx, "submit plc operation", http.MethodPost, c.newHost,
		"com.atproto.identity.submitPlcOperation", c.newJwt, nil,
		map[string]json.RawMessage{"operation": signed}, nil)
}

func (c *xrpcClient) ActivateAccount(ctx context.Context) error {
	if err := c.loginNew(ctx); err != nil {
		return err
	}
	return c.call(ctx, "activate account", http.MethodPost, c.newHost,
		"com.atproto.server.activateAccount", c.newJwt, nil, nil, nil)
}

func (c *xrpcClient) DeactivateAccount(ctx context.Context) error {
	return c.call(ctx, "deactivate account", http.MethodPost, c.oldHost,
		"com.atproto.server.deactivateAccount", c.oldJwt, nil, nil, nil)
}

// GenerateRotationKey mints a fresh secp256k1 private key locally; only
// its public half ever leaves this process via RegisterRotationKey.
func (c *xrpcClient) GenerateRotationKey(ctx context.Context) (string, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", NewError(KindGeneric, "generate rotation key", err)
	}
	return hex.EncodeToString(key.Serialize()), nil
}

func (c *xrpcClient) RegisterRotationKey(ctx context.Context, key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return NewError(KindGeneric, "register rotation key", fmt.Errorf("malformed rotation key: %w", err))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	pub := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	if err := c.loginNew(ctx); err != nil {
		return err
	}
	return c.call(ctx, "register rotation key", http.MethodPost, c.newHost,
		"com.atproto.identity.updateRotationKeys", c.newJwt, nil,
		map[string]string{"did": c.did, "rotationKey": pub}, nil)
}
