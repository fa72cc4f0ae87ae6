// Package http provides an HTTP client for the flagstaff admin API.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	flagstaff "github.com/matt-riley/flagstaff/clients/go"
)

const apiPrefix = "/api/admin"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flagstaff server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flagstaff.FeatureManager, flagstaff.StrategyManager and
// flagstaff.EventWatcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ flagstaff.FeatureManager  = (*Client)(nil)
	_ flagstaff.StrategyManager = (*Client)(nil)
	_ flagstaff.EventWatcher    = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the flagstaff admin API.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagstaff: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// -- helpers -----------------------------------------------------------------

func featurePath(project, name string) string {
	return apiPrefix + "/projects/" + url.PathEscape(project) + "/features/" + url.PathEscape(name)
}

func strategiesPath(project, feature, environment string) string {
	return featurePath(project, feature) + "/environments/" + url.PathEscape(environment) + "/strategies"
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagstaff: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagstaff: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagstaff: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

// do sends a request and decodes the JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("flagstaff: decode response: %w", err)
	}
	return nil
}

// decodeAPIError prefers the server's {"error": ...} body and falls back to
// the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// -- FeatureManager ----------------------------------------------------------

func (c *Client) CreateFeature(ctx context.Context, project string, create flagstaff.FeatureCreate) (flagstaff.Feature, error) {
	var out flagstaff.Feature
	err := c.do(ctx, http.MethodPost, apiPrefix+"/projects/"+url.PathEscape(project)+"/features", create, &out)
	return out, err
}

func (c *Client) GetFeature(ctx context.Context, project, name string) (flagstaff.Feature, error) {
	var out flagstaff.Feature
	err := c.do(ctx, http.MethodGet, featurePath(project, name), nil, &out)
	return out, err
}

func (c *Client) ListFeatures(ctx context.Context, project string) ([]flagstaff.Feature, error) {
	var out struct {
		Features []flagstaff.Feature `json:"features"`
	}
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/projects/"+url.PathEscape(project)+"/features", nil, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

func (c *Client) ArchiveFeature(ctx context.Context, project, name string) error {
	return c.do(ctx, http.MethodDelete, featurePath(project, name), nil, nil)
}

func (c *Client) ReviveFeature(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, apiPrefix+"/archive/revive/"+url.PathEscape(name), nil, nil)
}

// DeleteFeature permanently removes an archived feature.
func (c *Client) DeleteFeature(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, apiPrefix+"/archive/"+url.PathEscape(name), nil, nil)
}

func (c *Client) SetStale(ctx context.Context, project, name string, stale bool) error {
	suffix := "/stale/off"
	if stale {
		suffix = "/stale/on"
	}
	return c.do(ctx, http.MethodPost, featurePath(project, name)+suffix, nil, nil)
}

// -- StrategyManager ---------------------------------------------------------

func (c *Client) AddStrategy(ctx context.Context, project, feature, environment string, strategy flagstaff.Strategy) (flagstaff.Strategy, error) {
	strategy.ID = ""
	var out flagstaff.Strategy
	err := c.do(ctx, http.MethodPost, strategiesPath(project, feature, environment), strategy, &out)
	return out, err
}

func (c *Client) ListStrategies(ctx context.Context, project, feature, environment string) ([]flagstaff.Strategy, error) {
	var out []flagstaff.Strategy
	if err := c.do(ctx, http.MethodGet, strategiesPath(project, feature, environment), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteStrategy(ctx context.Context, project, feature, environment, id string) error {
	return c.do(ctx, http.MethodDelete, strategiesPath(project, feature, environment)+"/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SetEnabled(ctx context.Context, project, feature, environment string, enabled bool) error {
	suffix := "/off"
	if enabled {
		suffix = "/on"
	}
	path := featurePath(project, feature) + "/environments/" + url.PathEscape(environment) + suffix
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// -- EventWatcher ------------------------------------------------------------

// WatchEvents connects to the SSE event stream and emits events on the
// returned channel, starting after lastEventID when it is positive. The
// channel is closed when ctx is cancelled or the connection drops.
func (c *Client) WatchEvents(ctx context.Context, lastEventID int64) (<-chan flagstaff.Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiPrefix+"/events/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan flagstaff.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Large feature payloads arrive as a single data line.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed events to ch. Only the
// id, event and data fields are interpreted; multi-line data is joined with
// newlines and dispatched on a blank line.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- flagstaff.Event) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := decodeEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(line[len("id:"):]), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}

		if err != nil {
			return
		}
	}
}

// decodeEvent builds an Event from one SSE frame. The frame's id and event
// fields win over whatever the payload carries; error frames keep their
// payload in Data.
func decodeEvent(eventType string, eventID int64, data string) flagstaff.Event {
	var ev flagstaff.Event
	if eventType == "error" {
		ev.Data = json.RawMessage(data)
		if !json.Valid(ev.Data) {
			ev.Data, _ = json.Marshal(map[string]string{"error": data})
		}
	} else {
		_ = json.Unmarshal([]byte(data), &ev)
	}
	ev.Type = eventType
	ev.ID = eventID
	return ev
}
