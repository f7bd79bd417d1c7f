// Package remote is the client for the media conversion service: it
// negotiates transfers and opens the chunk streams the session layer
// consumes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pmoura/fetchq/internal/chunk"
	"github.com/pmoura/fetchq/internal/job"
	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Client talks to one conversion service instance.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	dialer  *websocket.Dialer
	token   oauth2.TokenSource
	tel     *telemetry.Telemetry
}

// NewClient builds a client for the service at baseURL. token may be
// empty for unauthenticated deployments.
func NewClient(baseURL, token string) *Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.HTTPClient.Transport = otelhttp.NewTransport(http.DefaultTransport)

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		dialer:  websocket.DefaultDialer,
	}

	if token != "" {
		c.token = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	}

	return c
}

// WithTelemetry enables call metrics on the client.
func (c *Client) WithTelemetry(tel *telemetry.Telemetry) *Client {
	c.tel = tel

	return c
}

func (c *Client) record(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	c.tel.RecordRemoteCall(operation, status)
}

// NegotiationRequest describes the desired resource, format and quality,
// plus a client-generated correlation token echoed back by the service.
type NegotiationRequest struct {
	ResourceID       string `json:"resource_id"`
	Format           string `json:"format"`
	Quality          string `json:"quality"`
	CorrelationToken string `json:"correlation_token"`
}

// Negotiation is the service's acceptance of a transfer.
type Negotiation struct {
	TransferID  string `json:"transfer_id"`
	TotalBytes  int64  `json:"total_bytes"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkStream yields the ordered chunks of one transfer. Next returns
// io.EOF once the service signals completion.
type ChunkStream interface {
	Next(ctx context.Context) (*chunk.Chunk, error)
	Close() error
}

// Negotiate asks the service to start converting the resource. Rejection
// or an unusable response is a NegotiationError; the transfer never
// starts streaming.
func (c *Client) Negotiate(ctx context.Context, nr NegotiationRequest) (*Negotiation, error) {
	neg, err := c.negotiate(ctx, nr)
	c.record("negotiate", err)

	return neg, err
}

func (c *Client) negotiate(ctx context.Context, nr NegotiationRequest) (*Negotiation, error) {
	logger := logctx.LoggerFromContext(ctx)

	payload, err := json.Marshal(nr)
	if err != nil {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "failed to encode request", Err: err}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "failed to build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	if err := c.authorize(req.Header); err != nil {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "failed to resolve credentials", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "service unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &job.NegotiationError{
			ResourceID: nr.ResourceID,
			Reason:     fmt.Sprintf("service returned HTTP %d", resp.StatusCode),
		}
	}

	var neg Negotiation
	if err := json.NewDecoder(resp.Body).Decode(&neg); err != nil {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "malformed negotiation response", Err: err}
	}

	if neg.TransferID == "" {
		return nil, &job.NegotiationError{ResourceID: nr.ResourceID, Reason: "service accepted without a transfer id"}
	}

	logger.Debug("transfer negotiated",
		"transfer_id", neg.TransferID,
		"total_bytes", neg.TotalBytes,
		"total_chunks", neg.TotalChunks,
	)

	return &neg, nil
}

// OpenPush opens the server-push chunk socket for a transfer.
func (c *Client) OpenPush(ctx context.Context, transferID string) (ChunkStream, error) {
	stream, err := c.openPush(ctx, transferID)
	c.record("open_push", err)

	return stream, err
}

func (c *Client) openPush(ctx context.Context, transferID string) (ChunkStream, error) {
	u, err := c.socketURL(transferID)
	if err != nil {
		return nil, &job.TransportError{Method: "push", Reason: "invalid service URL", Err: err}
	}

	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return nil, &job.TransportError{Method: "push", Reason: "failed to resolve credentials", Err: err}
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		reason := "failed to open push socket"
		if resp != nil {
			reason = fmt.Sprintf("push socket rejected with HTTP %d", resp.StatusCode)
		}

		return nil, &job.TransportError{Method: "push", Reason: reason, Err: err}
	}

	return newPushStream(conn), nil
}

// OpenPull requests the whole encoded payload as one streamed body.
func (c *Client) OpenPull(ctx context.Context, transferID string) (ChunkStream, error) {
	stream, err := c.openPull(ctx, transferID)
	c.record("open_pull", err)

	return stream, err
}

func (c *Client) openPull(ctx context.Context, transferID string) (ChunkStream, error) {
	u := fmt.Sprintf("%s/api/transfers/%s/content", c.baseURL, url.PathEscape(transferID))

	// The body is consumed incrementally; retries only make sense before
	// the first byte, so this request bypasses the retrying client.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &job.TransportError{Method: "pull", Reason: "failed to build request", Err: err}
	}

	if err := c.authorize(req.Header); err != nil {
		return nil, &job.TransportError{Method: "pull", Reason: "failed to resolve credentials", Err: err}
	}

	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return nil, &job.TransportError{Method: "pull", Reason: "service unreachable", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, &job.TransportError{
			Method: "pull",
			Reason: fmt.Sprintf("content request returned HTTP %d", resp.StatusCode),
		}
	}

	return newPullStream(resp.Body), nil
}

// CancelTransfer tells the service to stop a transfer. Best effort; the
// local teardown never waits on it.
func (c *Client) CancelTransfer(ctx context.Context, transferID string) error {
	err := c.cancelTransfer(ctx, transferID)
	c.record("cancel", err)

	return err
}

func (c *Client) cancelTransfer(ctx context.Context, transferID string) error {
	u := fmt.Sprintf("%s/api/transfers/%s", c.baseURL, url.PathEscape(transferID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	if err := c.authorize(req.Header); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to cancel transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("transfer cancel returned HTTP %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) authorize(header http.Header) error {
	if c.token == nil {
		return nil
	}

	tok, err := c.token.Token()
	if err != nil {
		return err
	}

	tok.SetAuthHeader(&http.Request{Header: header})

	return nil
}

func (c *Client) socketURL(transferID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/api/transfers/" + url.PathEscape(transferID) + "/events"

	return u.String(), nil
}
