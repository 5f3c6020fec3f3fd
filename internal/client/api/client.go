package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/y804508275/happy-sub000/internal/wire"
)

const (
	// defaultHTTPTimeout is the per-request timeout used by the client.
	defaultHTTPTimeout = 15 * time.Second
)

// VersionMismatchError reports a rejected optimistic-concurrency write. It
// carries the authoritative value and version so the caller can re-base and
// retry.
type VersionMismatchError struct {
	Value   string
	Version int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: server version %d", e.Version)
}

// Client is the HTTP client for the sync server REST API.
type Client struct {
	baseURL string

	mu    sync.Mutex
	token string

	httpClient *http.Client
}

// New creates a client for the given server base URL, without a trailing
// slash. Request paths are joined as baseURL + "/v1/...".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetToken sets the bearer token used for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type challengeRequest struct {
	PublicKey string `json:"publicKey"`
}

type challengeResponse struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
}

type authRequest struct {
	PublicKey   string `json:"publicKey"`
	ChallengeID string `json:"challengeId"`
	Signature   string `json:"signature"`
}

type authResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId"`
}

// Authenticate performs challenge-response login with an Ed25519 keypair and
// stores the issued token on the client.
func (c *Client) Authenticate(ctx context.Context, publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey) (string, error) {
	publicKeyB64 := base64.StdEncoding.EncodeToString(publicKey)

	var challenge challengeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/challenge",
		challengeRequest{PublicKey: publicKeyB64}, &challenge); err != nil {
		return "", fmt.Errorf("request challenge: %w", err)
	}

	challengeBytes, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	if err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	signature := ed25519.Sign(privateKey, challengeBytes)

	var auth authResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth", authRequest{
		PublicKey:   publicKeyB64,
		ChallengeID: challenge.ChallengeID,
		Signature:   base64.StdEncoding.EncodeToString(signature),
	}, &auth); err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}

	c.SetToken(auth.Token)
	return auth.AccountID, nil
}

// SubmitMessageBatch submits the whole outbox of a session as one batch.
// Submission is idempotent per localId.
func (c *Client) SubmitMessageBatch(ctx context.Context, sessionID string, entries []wire.OutboxEntry) (wire.SubmitBatchResponse, error) {
	var resp wire.SubmitBatchResponse
	path := fmt.Sprintf("/v1/sessions/%s/messages/batch", sessionID)
	if err := c.doJSON(ctx, http.MethodPost, path, wire.SubmitBatchRequest{Messages: entries}, &resp); err != nil {
		return wire.SubmitBatchResponse{}, fmt.Errorf("submit batch: %w", err)
	}
	return resp, nil
}

// FetchMessagesAfter fetches one page of messages with seq greater than
// afterSeq, in ascending order.
func (c *Client) FetchMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) (wire.FetchMessagesResponse, error) {
	var resp wire.FetchMessagesResponse
	path := fmt.Sprintf("/v1/sessions/%s/messages?afterSeq=%d&limit=%d", sessionID, afterSeq, limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return wire.FetchMessagesResponse{}, fmt.Errorf("fetch messages: %w", err)
	}
	return resp, nil
}

// ListSessions fetches sessions, most recently active first. When activeOnly
// is set, only sessions active within the server's activity window are
// returned.
func (c *Client) ListSessions(ctx context.Context, activeOnly bool) ([]Session, error) {
	path := "/v1/sessions"
	if activeOnly {
		path = "/v1/sessions/active"
	}
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return resp.Sessions, nil
}

// CreateSession creates a session, idempotent per tag.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return resp.Session, nil
}

// ListMachines fetches the account's registered machines.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var resp struct {
		Machines []Machine `json:"machines"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/machines", nil, &resp); err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return resp.Machines, nil
}

// RegisterMachine registers a machine, idempotent per machine id.
func (c *Client) RegisterMachine(ctx context.Context, req RegisterMachineRequest) (Machine, error) {
	var resp struct {
		Machine Machine `json:"machine"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/machines", req, &resp); err != nil {
		return Machine{}, fmt.Errorf("register machine: %w", err)
	}
	return resp.Machine, nil
}

// GetAccount fetches the account blob including settings and profile.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	var resp struct {
		Account Account `json:"account"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return resp.Account, nil
}

// UpdateSettings writes the settings blob with optimistic concurrency. A
// rejected write returns a *VersionMismatchError carrying the authoritative
// value.
func (c *Client) UpdateSettings(ctx context.Context, value string, expectedVersion int64) (int64, error) {
	return c.versionedUpdate(ctx, "/v1/account/settings", value, expectedVersion)
}

// UpdateProfile writes the profile blob with the same contract as
// UpdateSettings.
func (c *Client) UpdateProfile(ctx context.Context, value string, expectedVersion int64) (int64, error) {
	return c.versionedUpdate(ctx, "/v1/account/profile", value, expectedVersion)
}

func (c *Client) versionedUpdate(ctx context.Context, path, value string, expectedVersion int64) (int64, error) {
	var resp wire.VersionedUpdateResponse
	if err := c.doJSON(ctx, http.MethodPost, path, wire.VersionedUpdateRequest{
		Value:           value,
		ExpectedVersion: expectedVersion,
	}, &resp); err != nil {
		return 0, err
	}

	switch resp.Result {
	case wire.UpdateResultSuccess:
		return resp.Version, nil
	case wire.UpdateResultVersionMismatch:
		mismatch := &VersionMismatchError{Version: resp.Version}
		if resp.Value != nil {
			mismatch.Value = *resp.Value
		}
		return 0, mismatch
	default:
		return 0, fmt.Errorf("versioned update failed: %s", resp.Result)
	}
}

// ListArtifacts fetches all artifacts for the account.
func (c *Client) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var resp struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/artifacts", nil, &resp); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return resp.Artifacts, nil
}

// doJSON performs a request with a JSON body and decodes the JSON response
// into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr wire.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (%d)", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
