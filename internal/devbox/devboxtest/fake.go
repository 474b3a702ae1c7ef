// Package devboxtest provides a scripted devbox.Provider for tests.
package devboxtest

import (
	"context"
	"io"
	"sync"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/schema"
)

// Step names a provider call that can be made to fail.
type Step string

const (
	StepCreate   Step = "create"
	StepExecute  Step = "execute"
	StepStream   Step = "stream"
	StepNext     Step = "next"
	StepAwait    Step = "await"
	StepShutdown Step = "shutdown"
)

// Provider is a devbox.Provider whose answers are scripted by its fields.
type Provider struct {
	DevboxID    schema.DevboxID
	ExecutionID schema.ExecutionID
	Chunks      []string
	ExitStatus  int
	// Fail makes the named step return the given error.
	Fail map[Step]error
	// Block makes CreateAndAwaitRunning wait until its context ends.
	Block bool

	mu        sync.Mutex
	calls     []Step
	creates   []devbox.CreateRequest
	commands  []string
	shutdowns []schema.DevboxID
	closed    int
}

// New returns a provider that succeeds with the given chunks and exit status.
func New(chunks []string, exitStatus int) *Provider {
	return &Provider{DevboxID: "dbx_test", ExecutionID: "exec_test", Chunks: chunks, ExitStatus: exitStatus}
}

// Factory wraps p as a devbox.Factory.
func (p *Provider) Factory() devbox.Factory {
	return func(context.Context) (devbox.Provider, error) { return p, nil }
}

func (p *Provider) record(step Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, step)
	return p.Fail[step]
}

// Name implements devbox.Provider.
func (p *Provider) Name() string { return "fake" }

// CreateAndAwaitRunning implements devbox.Provider.
func (p *Provider) CreateAndAwaitRunning(ctx context.Context, req devbox.CreateRequest) (schema.Devbox, error) {
	p.mu.Lock()
	p.creates = append(p.creates, req)
	p.mu.Unlock()
	if err := p.record(StepCreate); err != nil {
		return schema.Devbox{}, err
	}
	if p.Block {
		<-ctx.Done()
		return schema.Devbox{}, ctx.Err()
	}
	return schema.Devbox{ID: p.DevboxID, Name: req.Name, Status: schema.DevboxRunning}, nil
}

// ExecuteAsync implements devbox.Provider.
func (p *Provider) ExecuteAsync(_ context.Context, id schema.DevboxID, command string) (devbox.Execution, error) {
	p.mu.Lock()
	p.commands = append(p.commands, command)
	p.mu.Unlock()
	if err := p.record(StepExecute); err != nil {
		return devbox.Execution{}, err
	}
	return devbox.Execution{ID: p.ExecutionID, DevboxID: id, Command: command}, nil
}

// StreamStdout implements devbox.Provider.
func (p *Provider) StreamStdout(context.Context, devbox.Execution) (devbox.LogSource, error) {
	if err := p.record(StepStream); err != nil {
		return nil, err
	}
	return &source{p: p, chunks: append([]string(nil), p.Chunks...)}, nil
}

// AwaitCompletion implements devbox.Provider.
func (p *Provider) AwaitCompletion(_ context.Context, exec devbox.Execution) (schema.ExecutionResult, error) {
	if err := p.record(StepAwait); err != nil {
		return schema.ExecutionResult{}, err
	}
	return schema.ExecutionResult{ID: exec.ID, ExitStatus: p.ExitStatus}, nil
}

// Shutdown implements devbox.Provider.
func (p *Provider) Shutdown(_ context.Context, id schema.DevboxID) error {
	p.mu.Lock()
	p.shutdowns = append(p.shutdowns, id)
	p.mu.Unlock()
	return p.record(StepShutdown)
}

// Calls returns the steps invoked so far, in order.
func (p *Provider) Calls() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Step(nil), p.calls...)
}

// Creates returns the create requests seen.
func (p *Provider) Creates() []devbox.CreateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]devbox.CreateRequest(nil), p.creates...)
}

// Commands returns the commands executed.
func (p *Provider) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Shutdowns returns the devboxes shut down.
func (p *Provider) Shutdowns() []schema.DevboxID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.DevboxID(nil), p.shutdowns...)
}

// SourcesClosed reports how many log sources were closed.
func (p *Provider) SourcesClosed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type source struct {
	p      *Provider
	chunks []string
	closed bool
}

func (s *source) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.chunks) == 0 {
		if err := s.p.record(StepNext); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}
