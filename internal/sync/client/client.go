// Package client is the terminal's HTTP transport to the sync server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/models"
)

// Server paths.
const (
	PathPush    = "/push"
	PathInitial = "/api/sync/initial"
	PathDelta   = "/api/sync/delta"
	PathPing    = "/api/sync/ping"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// TokenSource returns the current bearer token, or "" when none is set.
type TokenSource func() string

// PushRequest is the body of POST /push.
type PushRequest struct {
	OperationID string               `json:"operationId"`
	Collection  string               `json:"collection"`
	Operation   models.OperationType `json:"operation"`
	RecordID    string               `json:"recordId"`
	Data        json.RawMessage      `json:"data,omitempty"`
	Timestamp   int64                `json:"timestamp"`
}

// NewPushRequest builds the wire form of an outbox entry.
func NewPushRequest(op models.OutboxOperation) PushRequest {
	return PushRequest{
		OperationID: op.ID,
		Collection:  op.Collection,
		Operation:   op.Operation,
		RecordID:    op.RecordID,
		Data:        op.Data,
		Timestamp:   op.Timestamp,
	}
}

// Ping is the body of GET /api/sync/ping.
type Ping struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Client talks to the sync server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// New creates a Client. A nil httpClient gets one with timeout.
func New(baseURL string, httpClient *http.Client, timeout time.Duration, token TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
	}
}

// BaseURL returns the server root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying client, shared with the notify stream.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token()
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, auth bool) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token := c.token()
		if token == "" {
			return nil, apperrors.New(apperrors.ErrAuth, "no auth token set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, apperrors.HTTPStatus(resp.StatusCode, msg)
	}
	return data, nil
}

// Push delivers one operation. Any 2xx, including the acknowledgement of an
// operation the server already applied, is success.
func (c *Client) Push(ctx context.Context, req PushRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, PathPush, nil, req, true)
	return err
}

// Initial fetches the full dataset.
func (c *Client) Initial(ctx context.Context) (*models.Snapshot, error) {
	body, err := c.doRequest(ctx, http.MethodGet, PathInitial, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return parseSnapshot(body)
}

// Delta fetches every row changed at or after since (epoch ms).
func (c *Client) Delta(ctx context.Context, since int64) (*models.Snapshot, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	body, err := c.doRequest(ctx, http.MethodGet, PathDelta, query, nil, true)
	if err != nil {
		return nil, err
	}
	return parseSnapshot(body)
}

// Ping checks that the server is reachable. It needs no token.
func (c *Client) Ping(ctx context.Context) (*Ping, error) {
	body, err := c.doRequest(ctx, http.MethodGet, PathPing, nil, nil, false)
	if err != nil {
		return nil, err
	}
	var p Ping
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrParse, "decode ping", err)
	}
	return &p, nil
}

func parseSnapshot(body []byte) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrParse, "decode snapshot", err)
	}
	if snap.SyncedAt <= 0 {
		return nil, apperrors.New(apperrors.ErrParse, "snapshot has no syncedAt")
	}
	return &snap, nil
}
