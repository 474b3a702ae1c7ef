package local

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/engine/podman"
	"pkt.systems/depsrelay/schema"
)

// podmanAPI answers the subset of the Podman REST API the runtime uses.
// Containers are addressable by name or id, as in Podman.
type podmanAPI struct {
	mu      sync.Mutex
	byName  map[string]string
	running map[string]bool
	execs   map[string][]string
	removed []string
	calls   []string
	output  string
	exit    int
}

func newPodmanAPI(t *testing.T) (*podmanAPI, *httptest.Server) {
	t.Helper()
	api := &podmanAPI{byName: map[string]string{}, running: map[string]bool{}, execs: map[string][]string{}}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *podmanAPI) container(ref string) (string, bool) {
	if id, ok := a.byName[ref]; ok {
		return id, true
	}
	for _, id := range a.byName {
		if id == ref {
			return id, true
		}
	}
	return "", false
}

func (a *podmanAPI) notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"no such container"}`))
}

func (a *podmanAPI) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/v4.0.0")
	a.calls = append(a.calls, r.Method+" "+path)
	switch {
	case path == "/libpod/_ping":
		_, _ = w.Write([]byte("OK"))
	case strings.HasPrefix(path, "/libpod/images/") && strings.HasSuffix(path, "/exists"):
		w.WriteHeader(http.StatusNoContent)
	case path == "/containers/create":
		name := r.URL.Query().Get("name")
		a.byName[name] = "cid-" + name
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"Id": "cid-" + name})
	case strings.HasPrefix(path, "/containers/"):
		rest := strings.TrimPrefix(path, "/containers/")
		ref, action, _ := strings.Cut(rest, "/")
		id, ok := a.container(ref)
		if !ok {
			a.notFound(w)
			return
		}
		switch {
		case r.Method == http.MethodGet && action == "json":
			_ = json.NewEncoder(w).Encode(map[string]any{"Id": id, "State": map[string]any{"Running": a.running[id]}})
		case action == "start":
			a.running[id] = true
			w.WriteHeader(http.StatusNoContent)
		case action == "stop":
			a.running[id] = false
			w.WriteHeader(http.StatusNoContent)
		case action == "exec":
			var body struct {
				Cmd []string `json:"Cmd"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			execID := fmt.Sprintf("exec-%d", len(a.execs)+1)
			a.execs[execID] = body.Cmd
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"Id": execID})
		case r.Method == http.MethodDelete && action == "":
			for name, cid := range a.byName {
				if cid == id {
					delete(a.byName, name)
					a.removed = append(a.removed, name)
				}
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	case strings.HasPrefix(path, "/exec/") && strings.HasSuffix(path, "/start"):
		execID := strings.TrimSuffix(strings.TrimPrefix(path, "/exec/"), "/start")
		if a.execs[execID][0] == "git" {
			return
		}
		header := make([]byte, 8)
		header[0] = 1
		binary.BigEndian.PutUint32(header[4:], uint32(len(a.output)))
		_, _ = w.Write(header)
		_, _ = io.WriteString(w, a.output)
	case strings.HasPrefix(path, "/exec/") && strings.HasSuffix(path, "/json"):
		execID := strings.TrimSuffix(strings.TrimPrefix(path, "/exec/"), "/json")
		exit := 0
		if a.execs[execID][0] != "git" {
			exit = a.exit
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Running": false, "ExitCode": exit})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newPodmanProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	rt, err := podman.New(context.Background(), podman.Config{Address: srv.URL})
	if err != nil {
		t.Fatalf("podman.New: %v", err)
	}
	p, err := New(Config{Runtime: rt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPodmanDevboxRunsAgentAndShutsDown(t *testing.T) {
	api, srv := newPodmanAPI(t)
	api.output = "bumped langchain-core\n"
	api.exit = 3
	p := newPodmanProvider(t, srv)
	ctx := context.Background()

	box, err := p.CreateAndAwaitRunning(ctx, devbox.CreateRequest{
		Name:          "deps-agent-0000bbbb",
		Repo:          schema.RepoSlug{Host: "github.com", Owner: "acme", Name: "widgets"},
		BlueprintName: "deps",
	})
	if err != nil {
		t.Fatalf("CreateAndAwaitRunning: %v", err)
	}
	exec, err := p.ExecuteAsync(ctx, box.ID, "deps-agent --quiet")
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	src, err := p.StreamStdout(ctx, exec)
	if err != nil {
		t.Fatalf("StreamStdout: %v", err)
	}
	var got strings.Builder
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got.WriteString(chunk)
	}
	result, err := p.AwaitCompletion(ctx, exec)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if result.ExitStatus != 3 || got.String() != api.output {
		t.Fatalf("result = %+v, output = %q", result, got.String())
	}

	if err := p.Shutdown(ctx, box.ID); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.byName) != 0 || len(api.removed) != 1 || api.removed[0] != "deps-agent-0000bbbb" {
		t.Fatalf("container not removed: remaining=%v removed=%v calls=%v", api.byName, api.removed, api.calls)
	}
}

func TestPodmanShutdownByNameFromFreshProvider(t *testing.T) {
	api, srv := newPodmanAPI(t)
	api.byName["deps-agent-0000cccc"] = "cid-deps-agent-0000cccc"
	api.running["cid-deps-agent-0000cccc"] = true
	p := newPodmanProvider(t, srv)

	if err := p.Shutdown(context.Background(), "deps-agent-0000cccc"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.removed) != 1 || api.running["cid-deps-agent-0000cccc"] {
		t.Fatalf("container not stopped and removed: removed=%v calls=%v", api.removed, api.calls)
	}
}
