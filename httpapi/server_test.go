package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/devbox/devboxtest"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/schema"
)

type countingFactory struct {
	provider *devboxtest.Provider
	err      error
	calls    int
}

func (f *countingFactory) factory(context.Context) (devbox.Provider, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

func newTestServer(t *testing.T, cfg Config, f *countingFactory) *Server {
	t.Helper()
	reg, err := agentcmd.NewRegistry(agentcmd.DefaultProfiles())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, err := relay.NewValidator(reg, "gpt-5-mini")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return NewServer(cfg, v, relay.New(relay.Config{BlueprintID: "bpt_1"}), f.factory)
}

const validBody = `{"agent":"langchain-deps-agent","repoUrl":"https://github.com/acme/widgets","model":"gpt-5-mini"}`

func TestRunStreamsNDJSON(t *testing.T) {
	f := &countingFactory{provider: devboxtest.New([]string{"hello"}, 0)}
	srv := newTestServer(t, Config{}, f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(validBody))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing request id header")
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var types []string
	for _, line := range lines {
		ev, err := schema.DecodeEvent([]byte(line))
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		types = append(types, string(ev.Type()))
	}
	want := "status,status,status,status,chunk,status,done"
	if strings.Join(types, ",") != want {
		t.Fatalf("event types = %v", types)
	}
	if !rec.Flushed {
		t.Fatalf("stream was not flushed")
	}
}

func TestRunRejectsInvalidWithoutProvisioning(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid JSON body"},
		{"bad agent", `{"agent":"x","repoUrl":"https://github.com/a/b","model":"gpt-5-mini"}`, "agent must be one of"},
		{"bad model", `{"agent":"langchain-deps-agent","repoUrl":"https://github.com/a/b","model":"gpt-4"}`, "model must be"},
		{"bad url", `{"agent":"langchain-deps-agent","repoUrl":"not a url","model":"gpt-5-mini"}`, "repoUrl must look like"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &countingFactory{provider: devboxtest.New(nil, 0)}
			srv := newTestServer(t, Config{}, f)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(payload["error"], tc.want) {
				t.Fatalf("error = %q, want %q", payload["error"], tc.want)
			}
			if f.calls != 0 || len(f.provider.Calls()) != 0 {
				t.Fatalf("provider touched on invalid request")
			}
		})
	}
}

func TestRunMissingCredentialIs500(t *testing.T) {
	f := &countingFactory{err: errors.New("missing server credential: RUNLOOP_API_KEY is not set")}
	srv := newTestServer(t, Config{}, f)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(validBody)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RUNLOOP_API_KEY") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRunRejectsOtherMethods(t *testing.T) {
	srv := newTestServer(t, Config{}, &countingFactory{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRunBodyLimit(t *testing.T) {
	srv := newTestServer(t, Config{MaxBodyBytes: 16}, &countingFactory{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", strings.NewReader(validBody)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOptions(t *testing.T) {
	srv := newTestServer(t, Config{}, &countingFactory{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/options", nil))
	var payload struct {
		Agents []string `json:"agents"`
		Model  string   `json:"model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Agents) != 2 || payload.Model != "gpt-5-mini" {
		t.Fatalf("options = %+v", payload)
	}
}

func TestIndexAndAssetsUnderBasePath(t *testing.T) {
	srv := newTestServer(t, Config{BasePath: "/relay/"}, &countingFactory{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/relay/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if !bytes.Contains(body, []byte(`<base href="/relay/" />`)) {
		t.Fatalf("index does not carry base href:\n%s", body)
	}
	res, err = http.Get(ts.URL + "/relay/assets/app.js")
	if err != nil {
		t.Fatalf("get app.js: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("app.js status = %d", res.StatusCode)
	}
	res, err = http.Get(ts.URL + "/relay/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
}

func TestBasePathHelpers(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "relay": "/relay", "/relay/": "/relay", " /a/b/ ": "/a/b"}
	for in, want := range cases {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
	if got := buildBaseHref("https://example.com/", "/relay"); got != "https://example.com/relay/" {
		t.Fatalf("buildBaseHref = %q", got)
	}
	if got := buildBaseHref("", ""); got != "" {
		t.Fatalf("empty base href = %q", got)
	}
}
