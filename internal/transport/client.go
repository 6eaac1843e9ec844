package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"memsync/internal/models"
)

// AuthError is a rejection by the remote peer's auth layer: we are not
// pinned there, our clock is skewed, or the signature failed. Retrying
// without operator action will not help.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("peer rejected request (%d): %s", e.Status, e.Msg)
}

// StatusInfo is the response of a peer's status endpoint.
type StatusInfo struct {
	DeviceID    string    `json:"device_id"`
	Fingerprint string    `json:"fingerprint"`
	Pending     int64     `json:"pending"`
	LastSyncAt  time.Time `json:"last_sync_at,omitzero"`
}

// OpsPage is one page of a peer's op log.
type OpsPage struct {
	Ops        []models.Op `json:"ops"`
	NextCursor int64       `json:"next_cursor"`
}

// PushResult reports what the peer did with a pushed batch.
type PushResult struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// Client calls a peer's replication endpoints, signing every request with
// the local device identity.
type Client struct {
	httpClient *http.Client
	signer     Signer
}

func NewClient(httpClient *http.Client, signer Signer) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient, signer: signer}
}

// Status probes the peer at addr ("host:port").
func (c *Client) Status(ctx context.Context, addr string) (*StatusInfo, error) {
	var out StatusInfo
	if err := c.do(ctx, http.MethodGet, addr, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ops pulls one page of the peer's ops after since. An empty entityType
// requests all types.
func (c *Client) Ops(ctx context.Context, addr string, since int64, entityType string, limit int) (*OpsPage, error) {
	path := "/v1/ops?since=" + strconv.FormatInt(since, 10) + "&limit=" + strconv.Itoa(limit)
	if entityType != models.AllEntityTypes {
		path += "&type=" + url.QueryEscape(entityType)
	}
	var out OpsPage
	if err := c.do(ctx, http.MethodGet, addr, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushOps sends a batch of local ops to the peer for application.
func (c *Client) PushOps(ctx context.Context, addr string, ops []models.Op) (*PushResult, error) {
	var out PushResult
	body := map[string]any{"ops": ops}
	if err := c.do(ctx, http.MethodPost, addr, "/v1/ops", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, addr, pathWithQuery string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	baseURL := addr
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(baseURL, "/")+pathWithQuery, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.New().String()
	sig := c.signer.Sign(Canonical(method, pathWithQuery, payload, timestamp, nonce))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeviceID, c.signer.ID())
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &eb)
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode, Msg: msg}
	}
	return fmt.Errorf("peer returned %d: %s", resp.StatusCode, msg)
}
