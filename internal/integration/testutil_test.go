package integration_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/depsrelay/httpapi"
	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox/runloop"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/internal/runner"
	"pkt.systems/depsrelay/schema"
)

const testAPIKeyEnv = "DEPSRELAY_TEST_RUNLOOP_KEY"

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// fakeRunloop is an in-memory Runloop API with one devbox per create call.
type fakeRunloop struct {
	mu        sync.Mutex
	next      int
	output    []string
	exitCode  int
	failBoot  bool
	creates   []map[string]any
	commands  []string
	shutdowns []string
	auth      []string
}

func (f *fakeRunloop) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/devboxes", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.next++
		id := fmt.Sprintf("dbx_%d", f.next)
		f.creates = append(f.creates, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		writeTestJSON(w, map[string]any{"id": id, "status": "provisioning"})
	})
	mux.HandleFunc("GET /v1/devboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failBoot
		f.mu.Unlock()
		if fail {
			writeTestJSON(w, map[string]any{"id": r.PathValue("id"), "status": "failure", "failure_reason": "blueprint missing"})
			return
		}
		writeTestJSON(w, map[string]any{"id": r.PathValue("id"), "status": "running"})
	})
	mux.HandleFunc("POST /v1/devboxes/{id}/execute_async", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Command string `json:"command"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.commands = append(f.commands, body.Command)
		f.mu.Unlock()
		writeTestJSON(w, map[string]any{"execution_id": "exec_" + r.PathValue("id"), "devbox_id": r.PathValue("id"), "status": "running"})
	})
	mux.HandleFunc("GET /v1/devboxes/{id}/executions/{exec}/stream_stdout_updates", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		var offset int
		for _, chunk := range f.output {
			offset += len(chunk)
			data, _ := json.Marshal(map[string]any{"output": chunk, "offset": offset})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	mux.HandleFunc("GET /v1/devboxes/{id}/executions/{exec}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]any{
			"execution_id": r.PathValue("exec"),
			"devbox_id":    r.PathValue("id"),
			"status":       "completed",
			"exit_status":  f.exitCode,
			"stdout":       strings.Join(f.output, ""),
		})
	})
	mux.HandleFunc("POST /v1/devboxes/{id}/shutdown", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.shutdowns = append(f.shutdowns, r.PathValue("id"))
		f.mu.Unlock()
		writeTestJSON(w, map[string]any{"id": r.PathValue("id"), "status": "shutdown"})
	})
	return mux
}

func (f *fakeRunloop) snapshot() (commands, shutdowns []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...), append([]string(nil), f.shutdowns...)
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newRelay starts a fake Runloop API and a relay server in front of it.
func newRelay(t *testing.T, fake *fakeRunloop) *httptest.Server {
	t.Helper()
	t.Setenv(testAPIKeyEnv, "test-key")
	api := httptest.NewServer(fake.handler())
	t.Cleanup(api.Close)

	registry, err := agentcmd.NewRegistry(agentcmd.DefaultProfiles())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	validator, err := relay.NewValidator(registry, "gpt-5-mini")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	rly := relay.New(relay.Config{
		Runner:      runner.Config{NamePrefix: "it"},
		BlueprintID: "bpt_it",
		Policy:      schema.ShutdownAlways,
	})
	factory := runloop.Factory(runloop.Config{
		BaseURL:      api.URL,
		PollInterval: time.Millisecond,
		Timeout:      10 * time.Second,
	}, testAPIKeyEnv)
	srv := httpapi.NewServer(httpapi.Config{}, validator, rly, factory)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func envOrSkip(t *testing.T, name string) string {
	t.Helper()
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		t.Skipf("%s not set", name)
	}
	return value
}
