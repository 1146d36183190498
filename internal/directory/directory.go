// Package directory resolves recipient public keys through the server's
// users API and publishes this client's own entries. Lookups run through a
// TTL cache because every outbound message needs the recipient's key.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cache"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// ErrNotFound reports a directory 404: an unknown user, or no stored
// backup for this account.
var ErrNotFound = errors.New("directory: not found")

const cachePrefix = "dir:keys:"

// TokenFunc returns the freshest bearer token for a request.
type TokenFunc func() (string, error)

// Resolver is the key-lookup surface the session depends on.
type Resolver interface {
	Lookup(ctx context.Context, userID string) ([]model.PublicKeyEntry, error)
	Refresh(ctx context.Context, userID string) ([]model.PublicKeyEntry, error)
	Publish(ctx context.Context, entries []model.PublicKeyEntry) error
}

// Client is the HTTP implementation of Resolver, plus the key-backup
// endpoints sharing the same API surface.
type Client struct {
	baseURL string
	http    *http.Client
	cred    TokenFunc
	cache   cache.Cache
}

func NewClient(baseURL string, cred TokenFunc, keyCache cache.Cache) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		cred:    cred,
		cache:   keyCache,
	}
}

// Lookup returns the user's published key entries, served from cache when
// fresh. A cache entry that no longer parses counts as a miss.
func (c *Client) Lookup(ctx context.Context, userID string) ([]model.PublicKeyEntry, error) {
	if cached, err := c.cache.Get(ctx, cachePrefix+userID); err == nil {
		var entries []model.PublicKeyEntry
		if err := json.Unmarshal([]byte(cached), &entries); err == nil {
			return entries, nil
		}
	}
	return c.fetch(ctx, userID)
}

// Refresh drops the cached entries and re-fetches. Callers use it when a
// cached key stops working, before reporting the failure upward.
func (c *Client) Refresh(ctx context.Context, userID string) ([]model.PublicKeyEntry, error) {
	if err := c.cache.Del(ctx, cachePrefix+userID); err != nil {
		log.Warn("directory cache invalidation failed",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return c.fetch(ctx, userID)
}

// Publish replaces this account's directory entries with the given set.
func (c *Client) Publish(ctx context.Context, entries []model.PublicKeyEntry) error {
	var resp model.PublishKeysResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/keys", &model.PublishKeysRequest{Keys: entries}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("directory rejected published keys")
	}
	return nil
}

// PutBackup stores the opaque encrypted identity backup blob server-side.
func (c *Client) PutBackup(ctx context.Context, blob string) error {
	return c.do(ctx, http.MethodPut, "/api/v1/keys/backup", &model.KeyBackup{Backup: blob}, nil)
}

// FetchBackup retrieves the stored backup blob. ErrNotFound means no
// backup has been stored for this account.
func (c *Client) FetchBackup(ctx context.Context) (string, error) {
	var resp model.KeyBackup
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys/backup", nil, &resp); err != nil {
		return "", err
	}
	return resp.Backup, nil
}

func (c *Client) fetch(ctx context.Context, userID string) ([]model.PublicKeyEntry, error) {
	var user model.DirectoryUser
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+userID, nil, &user); err != nil {
		return nil, err
	}
	if data, err := json.Marshal(user.PublicKeys); err == nil {
		if err := c.cache.Set(ctx, cachePrefix+userID, string(data)); err != nil {
			log.Warn("directory cache write failed",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	return user.PublicKeys, nil
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

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
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
