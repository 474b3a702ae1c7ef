package buildkit

import (
	"context"
	"testing"
	"time"

	"github.com/moby/buildkit/client"
	digest "github.com/opencontainers/go-digest"

	"pkt.systems/depsrelay/internal/engine"
)

func TestCandidateAddressesPrimaryFirst(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/tmp/xdg")
	got := CandidateAddresses("tcp://buildkitd:1234")
	if len(got) < 3 || got[0] != "tcp://buildkitd:1234" || got[1] != "unix:///tmp/xdg/buildkit/buildkitd.sock" {
		t.Fatalf("unexpected addresses: %v", got)
	}
}

func TestRelayStatusEmitsStepsLogsAndWarnings(t *testing.T) {
	statusCh := make(chan *client.SolveStatus, 2)
	events := make(chan engine.BuildEvent, 10)
	now := time.Now()
	vertex := digest.FromString("step")
	statusCh <- &client.SolveStatus{
		Vertexes: []*client.Vertex{{Digest: vertex, Name: "RUN setup.sh", Started: &now}},
		Logs:     []*client.VertexLog{{Vertex: vertex, Data: []byte("installing uv\n"), Timestamp: now}},
	}
	statusCh <- &client.SolveStatus{
		Warnings: []*client.VertexWarning{{Vertex: vertex, Short: []byte("deprecated")}},
	}
	close(statusCh)

	relayStatus(context.Background(), statusCh, events)
	close(events)

	var kinds []engine.BuildEventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Name != "RUN setup.sh" {
			t.Fatalf("event missing vertex name: %+v", ev)
		}
	}
	want := []engine.BuildEventKind{engine.BuildEventStep, engine.BuildEventLog, engine.BuildEventWarning}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v", kinds)
		}
	}
}
