package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apierrors "github.com/narvanalabs/fleet-engine/internal/api/errors"
	"github.com/narvanalabs/fleet-engine/internal/api/handlers"
	"github.com/narvanalabs/fleet-engine/internal/models"
	"github.com/narvanalabs/fleet-engine/internal/peer"
)

// Client talks to one engine's HTTP API.
type Client struct {
	base    string
	http    *http.Client
	secret  string
	subject string
}

// NewClient creates a client for the engine at addr. A bare host:port is
// reached over plain HTTP.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 90 * time.Second},
	}
}

// Authenticate signs every request with a token for subject. secret is the
// engine's network secret.
func (c *Client) Authenticate(secret, subject string) {
	c.secret = secret
	c.subject = subject
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		token, err := peer.IssueToken(c.secret, c.subject, peer.APIAudience)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apierrors.APIError{}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// State returns the engine's view of the fleet.
func (c *Client) State(ctx context.Context) (*handlers.State, error) {
	var st handlers.State
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Links returns the engine's appnet links.
func (c *Client) Links(ctx context.Context) ([]peer.LinkInfo, error) {
	var links []peer.LinkInfo
	if err := c.do(ctx, http.MethodGet, "/api/links", nil, &links); err != nil {
		return nil, err
	}
	return links, nil
}

// Send queues line for engineID.
func (c *Client) Send(ctx context.Context, engineID, line, sender string) (*handlers.CommandStatus, error) {
	var st handlers.CommandStatus
	path := "/api/engines/" + url.PathEscape(engineID) + "/commands"
	if err := c.do(ctx, http.MethodPost, path, handlers.SendRequest{Line: line, Sender: sender}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Command returns a queued command and its acknowledgement, if any.
func (c *Client) Command(ctx context.Context, engineID, commandID string) (*handlers.CommandStatus, error) {
	var st handlers.CommandStatus
	path := "/api/engines/" + url.PathEscape(engineID) + "/commands/" + url.PathEscape(commandID)
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Wait polls until the command is acknowledged or ctx is done.
func (c *Client) Wait(ctx context.Context, engineID, commandID string, every time.Duration) (*models.CommandAck, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := c.Command(ctx, engineID, commandID)
		if err != nil {
			return nil, err
		}
		if st.Ack != nil {
			return st.Ack, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
