package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const apiVersion = "v4.0.0"

// apiClient talks to the Podman REST service.
type apiClient struct {
	address string
	baseURL *url.URL
	http    *http.Client
}

func newAPIClient(address string) (*apiClient, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("podman address is required")
	}
	baseURL, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		address: addr,
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
	}, nil
}

// dial returns the first reachable client among the candidate addresses.
func dial(ctx context.Context, primary string) (*apiClient, error) {
	var lastErr error
	for _, addr := range candidateAddresses(primary) {
		cl, err := newAPIClient(addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			lastErr = err
			continue
		}
		return cl, nil
	}
	if lastErr == nil {
		lastErr = errors.New("podman address not configured")
	}
	return nil, lastErr
}

func (c *apiClient) ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/libpod/_ping", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	if socket, ok := strings.CutPrefix(addr, "unix://"); ok {
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		transport := &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socket)
			},
		}
		baseURL, _ := url.Parse("http://d")
		return baseURL, transport, nil
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = "http://" + rest
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return baseURL, transport, nil
}

func (c *apiClient) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("podman client not initialized")
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", apiVersion, strings.TrimPrefix(endpoint, "/"))
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// APIError is a non-2xx answer from Podman.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("podman API error (%d): %s", e.Status, e.Message)
}

func readAPIError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Message string `json:"message"`
		Cause   string `json:"cause"`
	}
	if err := jsonUnmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = res.Status
	}
	return &APIError{Status: res.StatusCode, Message: msg}
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)
	add(os.Getenv("CONTAINER_HOST"))
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir != "" {
		add("unix://" + path.Join(runtimeDir, "podman", "podman.sock"))
	}
	add(fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", os.Getuid()))
	add("unix:///run/podman/podman.sock")
	return out
}

func escapeImagePath(value string) string {
	escaped := url.PathEscape(strings.TrimSpace(value))
	return strings.ReplaceAll(escaped, "%2F", "/")
}
