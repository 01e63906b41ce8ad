// Package instanceclient talks to the HTTP surface of a running browser child.
package instanceclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// probeHosts are tried in order; a child may bind IPv4, IPv6 or both.
var probeHosts = []string{"127.0.0.1", "[::1]", "localhost"}

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the child.
type EventHandler func(event SSEEvent) error

// Client is an HTTP client for browser children.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	token        string
}

// NewClient creates a client. A non-empty token is sent as a bearer token.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
		// No timeout, event streams stay open for the life of the child
		streamClient: &http.Client{},
		token:        token,
	}
}

// BaseURL returns the default loopback URL of a child port.
func BaseURL(port string) string {
	return "http://" + net.JoinHostPort("127.0.0.1", port)
}

// BaseURLFor prefers the URL resolved by the health check.
func BaseURLFor(inst domain.Instance) string {
	if inst.URL != "" {
		return inst.URL
	}
	return BaseURL(inst.Port)
}

// Token returns the auth token sent to children.
func (c *Client) Token() string {
	return c.token
}

// Authorize sets the child auth header on h.
func (c *Client) Authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// Probe checks /health on each loopback host once. Any status below 500
// counts as healthy, so a child that rejects the token is still up.
func (c *Client) Probe(ctx context.Context, port string) (string, bool, string) {
	var last string
	for _, host := range probeHosts {
		base := "http://" + host + ":" + port
		status, err := c.get(ctx, base+"/health", nil)
		if err != nil {
			last = fmt.Sprintf("%s: %v", host, err)
			continue
		}
		if status < http.StatusInternalServerError {
			return base, true, ""
		}
		last = fmt.Sprintf("%s: status %d", host, status)
	}
	return "", false, last
}

// Tabs lists the tabs of the child at baseURL.
func (c *Client) Tabs(ctx context.Context, baseURL string) ([]domain.Tab, error) {
	var tabs []domain.Tab
	status, err := c.get(ctx, strings.TrimSuffix(baseURL, "/")+"/screencast/tabs", &tabs)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("child returned status %d for tabs", status)
	}
	if tabs == nil {
		tabs = []domain.Tab{}
	}
	return tabs, nil
}

// Shutdown asks the child to exit on its own.
func (c *Client) Shutdown(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/shutdown", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.Authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request shutdown: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("child returned status %d for shutdown", resp.StatusCode)
	}
	return nil
}

// StreamEvents subscribes to the child's dashboard event stream and calls
// handler for each event until the stream ends or ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, baseURL string, handler EventHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/dashboard/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.Authorize(req.Header)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("child returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseSSE(resp.Body, handler)
}

// ParseActivity decodes the data of a child action event.
func ParseActivity(data string) (*domain.ActivityEvent, error) {
	var evt domain.ActivityEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return nil, fmt.Errorf("failed to parse action event: %w", err)
	}
	return &evt, nil
}

func (c *Client) get(ctx context.Context, url string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	c.Authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
