// Package relay speaks the store-and-forward HTTP API and runs the single
// inbound processing pipeline shared by live deliveries and pending drains.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// TokenFunc returns the freshest bearer token for a request.
type TokenFunc func() (string, error)

// API is the relay surface the pipeline and session depend on.
type API interface {
	Send(ctx context.Context, req *model.SendRequest) (*model.SendResponse, error)
	Acknowledge(ctx context.Context, messageID string) (bool, error)
	FetchPending(ctx context.Context) ([]model.RelayMessage, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	http    *http.Client
	cred    TokenFunc
}

func NewClient(baseURL string, cred TokenFunc) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		cred:    cred,
	}
}

// Send submits one envelope for store-and-forward delivery. The response
// status is the server's verdict; "delivered" means the recipient was
// online, "queued" means the relay holds the copy until acknowledged or
// expired.
func (c *Client) Send(ctx context.Context, req *model.SendRequest) (*model.SendResponse, error) {
	var resp model.SendResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/relay/send", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("relay rejected send for %s", req.RecipientID)
	}
	return &resp, nil
}

// Acknowledge authorizes the relay to delete its copy. Idempotent:
// acknowledging an already-deleted message reports "not_found", which is a
// successful no-op, not an error.
func (c *Client) Acknowledge(ctx context.Context, messageID string) (bool, error) {
	var resp model.AckResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/relay/acknowledge", &model.AckRequest{MessageID: messageID}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Status == model.RelayStatusDeleted || resp.Status == model.RelayStatusNotFound, nil
}

// FetchPending lists every message the relay is holding for this user.
func (c *Client) FetchPending(ctx context.Context) ([]model.RelayMessage, error) {
	var resp model.PendingResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/relay/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.cred()
	if err != nil {
		return fmt.Errorf("obtain credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Detail != "" {
			return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, apiErr.Detail)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
