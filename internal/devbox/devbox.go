// Package devbox defines the narrow capability the runner needs from a
// sandbox provider: provision, execute, stream stdout, await completion, shut down.
package devbox

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/depsrelay/schema"
)

// CreateRequest describes a devbox to provision with one repository code mount.
type CreateRequest struct {
	Name          string
	Repo          schema.RepoSlug
	BlueprintID   schema.BlueprintID
	BlueprintName string
	Labels        map[string]string
}

// Execution identifies an asynchronous command started in a devbox.
type Execution struct {
	ID       schema.ExecutionID
	DevboxID schema.DevboxID
	Command  string
}

// LogSource yields stdout fragments of one execution. It is lazy, finite and
// not restartable: Next returns io.EOF once the stream is exhausted.
type LogSource interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Provider is implemented by devbox backends.
type Provider interface {
	Name() string
	CreateAndAwaitRunning(ctx context.Context, req CreateRequest) (schema.Devbox, error)
	ExecuteAsync(ctx context.Context, id schema.DevboxID, command string) (Execution, error)
	StreamStdout(ctx context.Context, exec Execution) (LogSource, error)
	AwaitCompletion(ctx context.Context, exec Execution) (schema.ExecutionResult, error)
	Shutdown(ctx context.Context, id schema.DevboxID) error
}

// Factory returns a provider for one request. Implementations read
// credentials at call time so that rotated secrets are picked up.
type Factory func(ctx context.Context) (Provider, error)

// Credential reads a required credential from the environment.
func Credential(envName string) (string, error) {
	value := strings.TrimSpace(os.Getenv(envName))
	if value == "" {
		return "", fmt.Errorf("%w: %s is not set", schema.ErrMissingCredential, envName)
	}
	return value, nil
}

// DefaultName returns prefix followed by eight random hex characters.
func DefaultName(prefix string) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = "deps-agent"
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:8]
}
