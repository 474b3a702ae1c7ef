package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/depsrelay/internal/engine"
)

type fakePodman struct {
	mu      sync.Mutex
	created map[string]string
	started map[string]bool
	calls   []string
}

func newFakePodman(t *testing.T) (*fakePodman, *httptest.Server) {
	t.Helper()
	fake := &fakePodman{created: map[string]string{}, started: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakePodman) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := strings.TrimPrefix(r.URL.Path, "/"+apiVersion)
	f.calls = append(f.calls, r.Method+" "+path)
	switch {
	case path == "/libpod/_ping":
		_, _ = w.Write([]byte("OK"))
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/json") && strings.HasPrefix(path, "/containers/"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/json")
		id, ok := f.created[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"no such container"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Id": id, "State": map[string]any{"Running": f.started[id]}})
	case path == "/containers/create":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		labels, _ := body["Labels"].(map[string]any)
		if labels[engine.LabelManaged] != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		name := r.URL.Query().Get("name")
		f.created[name] = "cid-" + name
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"Id": f.created[name]})
	case strings.HasSuffix(path, "/start") && strings.HasPrefix(path, "/containers/"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/start")
		f.started[id] = true
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(path, "/exec") && strings.HasPrefix(path, "/containers/"):
		_ = json.NewEncoder(w).Encode(map[string]string{"Id": "exec-1"})
	case path == "/exec/exec-1/start":
		writeFrame(w, 1, "hello ")
		writeFrame(w, 2, "warn\n")
		writeFrame(w, 1, "world\n")
	case path == "/exec/exec-1/json":
		_ = json.NewEncoder(w).Encode(map[string]any{"Running": false, "ExitCode": 3})
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"unexpected call"}`))
	}
}

func writeFrame(w http.ResponseWriter, stream byte, text string) {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(text)))
	_, _ = w.Write(header)
	_, _ = w.Write([]byte(text))
}

func TestEnsureRunningCreatesAndStarts(t *testing.T) {
	fake, srv := newFakePodman(t)
	ctx := context.Background()
	rt, err := New(ctx, Config{Address: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := rt.EnsureRunning(ctx, engine.BoxSpec{Name: "box", Image: "img", Command: []string{"sleep", "infinity"}})
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if handle.ID() != "cid-box" || handle.Name() != "box" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if !fake.started["cid-box"] {
		t.Fatalf("container not started: %v", fake.calls)
	}
}

func TestExecDemultiplexesOutput(t *testing.T) {
	_, srv := newFakePodman(t)
	ctx := context.Background()
	rt, err := New(ctx, Config{Address: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var stdout, stderr bytes.Buffer
	result, err := rt.Exec(ctx, engine.Ref{BoxName: "box", BoxID: "cid-box"}, engine.ExecSpec{
		Command: []string{"sh", "-c", "true"},
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if stdout.String() != "hello world\n" || stderr.String() != "warn\n" {
		t.Fatalf("stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestRemoveMissingContainerIsNotAnError(t *testing.T) {
	_, srv := newFakePodman(t)
	ctx := context.Background()
	rt, err := New(ctx, Config{Address: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.Remove(ctx, engine.Ref{BoxName: "gone", BoxID: "gone"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestReadAPIErrorUsesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusConflict)
	_, _ = rec.WriteString(`{"message":"name in use","cause":"conflict"}`)
	err := readAPIError(rec.Result())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Message != "name in use" {
		t.Fatalf("unexpected error: %#v", err)
	}
}
