// Package runloop is a client for the Runloop devbox and blueprint REST API.
package runloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// DefaultBaseURL is the public Runloop API endpoint.
const DefaultBaseURL = "https://api.runloop.ai"

// Config configures the client.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	// Timeout bounds each wait loop (devbox running, execution complete, blueprint build).
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Runloop API.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	http         *http.Client
	stream       *http.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("runloop api key is required")
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("runloop base url: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	httpClient := cfg.HTTPClient
	streamClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
		}
		httpClient = &http.Client{Transport: transport, Timeout: 60 * time.Second}
		streamClient = &http.Client{Transport: transport}
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		http:         httpClient,
		stream:       streamClient,
		pollInterval: poll,
		timeout:      timeout,
	}, nil
}

// APIError is a non-2xx answer from Runloop.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runloop API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (*http.Request, error) {
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", c.baseURL.Path, endpoint)
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON sends body as JSON and decodes the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	log := pslog.Ctx(ctx)
	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		log.Warn("runloop request failed", "method", method, "endpoint", endpoint, "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	log.Debug("runloop request", "method", method, "endpoint", endpoint, "status", res.StatusCode, "duration_ms", time.Since(started).Milliseconds())
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func readAPIError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			msg = payload.Message
		} else if payload.Error != "" {
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = res.Status
	}
	return &APIError{Status: res.StatusCode, Message: msg}
}

// poll calls check every poll interval until it reports done or the client timeout passes.
func (c *Client) poll(ctx context.Context, what string, check func(context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}
