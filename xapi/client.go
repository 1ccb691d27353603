// Package xapi is a minimal X API v2 client: create a post and delete a post. Authentication
// is carried by the HTTP client (see oauth.TokenSource and oauth2.NewClient).
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/discord-relay/telemetry"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.twitter.com"

// ErrUnauthorized is returned when the API rejects the credentials.
var ErrUnauthorized = errors.New("x api: unauthorized")

// Client posts and deletes on behalf of one account.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: hc}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Post creates a post with text and returns its id.
func (c *Client) Post(ctx context.Context, text string) (id string, err error) {
	defer telemetry.ObserveRemoteCall("post")()
	defer func() { telemetry.RecordPost(err) }()

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/2/tweets", payload)
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create post: %w", statusError(resp))
	}
	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create post: decode response: %w", err)
	}
	if body.Data.ID == "" {
		return "", errors.New("create post: response has no id")
	}
	return body.Data.ID, nil
}

// Delete removes the post with id. A post that is already gone counts as deleted.
func (c *Client) Delete(ctx context.Context, id string) (err error) {
	defer telemetry.ObserveRemoteCall("delete")()
	defer func() { telemetry.RecordDelete(err) }()

	if id == "" {
		return errors.New("delete post: id empty")
	}
	resp, err := c.do(ctx, http.MethodDelete, "/2/tweets/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		slog.Debug("post already deleted", slog.String("post_id", id))
		return nil
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("delete post %s: %w", id, statusError(resp))
	}
	var body struct {
		Data struct {
			Deleted bool `json:"deleted"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("delete post %s: decode response: %w", id, err)
	}
	if !body.Data.Deleted {
		return fmt.Errorf("delete post %s: not deleted", id)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "discord-relay")
	if cid := telemetry.GetCorrelation(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	return c.http().Do(req)
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(b))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, resp.Status, msg)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, msg)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
