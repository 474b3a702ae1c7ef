package depsrelay

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/depsrelay/httpapi"
	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox/devboxtest"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/schema"
)

func newTestServer(t *testing.T, fake *devboxtest.Provider, ready func(net.Addr)) Server {
	t.Helper()
	srv, err := New(ServerConfig{
		HTTP:   httpapi.Config{Addr: "127.0.0.1:0"},
		Relay:  relay.Config{BlueprintID: "bpt_test", Policy: schema.ShutdownAlways},
		Model:  "gpt-5-mini",
		Agents: agentcmd.DefaultProfiles(),
	}, ServerDeps{Factory: fake.Factory()}, WithReady(ready))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestNewRequiresFactoryAndModel(t *testing.T) {
	if _, err := New(ServerConfig{Model: "gpt-5-mini", Agents: agentcmd.DefaultProfiles()}, ServerDeps{}); err == nil {
		t.Fatalf("expected missing factory error")
	}
	fake := devboxtest.New(nil, 0)
	if _, err := New(ServerConfig{Agents: agentcmd.DefaultProfiles()}, ServerDeps{Factory: fake.Factory()}); err == nil {
		t.Fatalf("expected missing model error")
	}
}

func TestServerStartRunStop(t *testing.T) {
	fake := devboxtest.New([]string{"bumped\n"}, 0)
	addrCh := make(chan net.Addr, 1)
	srv := newTestServer(t, fake, func(addr net.Addr) { addrCh <- addr })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("expected second Start to fail")
	}
	var addr net.Addr
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not become ready")
	}

	res, err := http.Post("http://"+addr.String()+"/api/run", "application/json",
		strings.NewReader(`{"agent":"langchain-deps-agent","repoUrl":"github.com/acme/widgets","model":"gpt-5-mini"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if !strings.Contains(string(body), `"data":"bumped\n"`) || !strings.HasSuffix(strings.TrimSpace(string(body)), `{"type":"done"}`) {
		t.Fatalf("unexpected stream:\n%s", body)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := fake.Shutdowns(); len(got) != 1 {
		t.Fatalf("expected devbox shutdown, got %v", got)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	srv := newTestServer(t, devboxtest.New(nil, 0), nil)
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected Wait before Start to fail")
	}
}
