package foundry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestObserver is told about every remote request; status is 0 when no
// response arrived.
type RequestObserver interface {
	RemoteRequest(op string, status int)
}

// Options configures the remote client.
type Options struct {
	Endpoint    string
	Resource    string
	APIKey      string
	BearerToken string
	APIVersion  string
	AgentID     string
	Strategies  []string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Observer    RequestObserver
}

// Client calls the hosted agent over HTTP. Until one transport strategy has
// answered with a 2xx, each call walks the strategies in order; afterwards the
// winner is used for the rest of the process lifetime.
type Client struct {
	httpClient *http.Client
	apiVersion string
	agentID    string
	strategies []Strategy
	observer   RequestObserver

	mu     sync.RWMutex
	winner *Strategy
}

// NewClient builds a client from the configured credentials.
func NewClient(opts Options) (*Client, error) {
	strategies, err := BuildStrategies(opts)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-05-01-preview"
	}
	return &Client{
		httpClient: httpClient,
		apiVersion: apiVersion,
		agentID:    opts.AgentID,
		strategies: strategies,
		observer:   opts.Observer,
	}, nil
}

// Transport names the cached winning strategy, or "" while none has answered.
func (c *Client) Transport() string {
	if w := c.selected(); w != nil {
		return w.Name
	}
	return ""
}

// Strategies returns the candidate names in trial order.
func (c *Client) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Probe selects a transport eagerly by fetching the configured agent.
func (c *Client) Probe(ctx context.Context) error {
	path := "/assistants"
	if c.agentID != "" {
		path = "/assistants/" + url.PathEscape(c.agentID)
	}
	return c.do(ctx, "probe", http.MethodGet, path, nil, nil)
}

func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var th Thread
	if err := c.do(ctx, "create_thread", http.MethodPost, "/threads", struct{}{}, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) (*ThreadMessage, error) {
	payload := map[string]string{"role": role, "content": content}
	var raw json.RawMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, "create_message", http.MethodPost, path, payload, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &ThreadMessage{ThreadID: threadID, Role: role}, nil
	}
	return ParseMessage(raw)
}

func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	payload := map[string]string{"assistant_id": assistantID}
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	if err := c.do(ctx, "create_run", http.MethodPost, path, payload, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, "get_run", http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	var raw json.RawMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return ParseMessages(raw)
}

// Forward sends an arbitrary request through the selected transport. The
// caller owns the response body. Non-2xx answers are returned, not converted
// to errors.
func (c *Client) Forward(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	resp, _, err := c.send(ctx, "forward", method, path, query, body)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = data
	}
	resp, strategy, err := c.send(ctx, op, method, path, nil, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Transport: strategy.Name, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// send walks the strategies until one answers with something other than a
// network error or 401/403/404.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body []byte) (*http.Response, *Strategy, error) {
	if w := c.selected(); w != nil {
		resp, err := c.attempt(ctx, op, *w, method, path, query, body)
		if err != nil {
			return nil, w, fmt.Errorf("%s: %w", w.Name, err)
		}
		return resp, w, nil
	}

	var errs []error
	for i := range c.strategies {
		s := &c.strategies[i]
		resp, err := c.attempt(ctx, op, *s, method, path, query, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, s, ctxErr
			}
			log.Debug().Str("op", op).Str("transport", s.Name).Err(err).Msg("foundry transport unreachable")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		if fallsThrough(resp.StatusCode) {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			log.Debug().Str("op", op).Str("transport", s.Name).Int("status", resp.StatusCode).Msg("foundry transport rejected request")
			errs = append(errs, &StatusError{Op: op, Transport: s.Name, Status: resp.StatusCode, Body: string(data)})
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.setWinner(s)
		}
		return resp, s, nil
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrNoTransport, errors.Join(errs...))
}

func (c *Client) attempt(ctx context.Context, op string, s Strategy, method, path string, query url.Values, body []byte) (*http.Response, error) {
	target, err := url.Parse(s.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	q := target.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", c.apiVersion)
	}
	target.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(s.AuthHeader, s.AuthValue)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if c.observer != nil {
		c.observer.RemoteRequest(op, status)
	}
	log.Debug().
		Str("op", op).
		Str("transport", s.Name).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("foundry request")
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) selected() *Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.winner
}

func (c *Client) setWinner(s *Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.winner != nil {
		return
	}
	c.winner = s
	log.Info().Str("transport", s.Name).Str("base_url", s.BaseURL).Msg("foundry transport selected")
}
