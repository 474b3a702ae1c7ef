package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed run request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidRepo indicates a repository URL without a host/owner/name shape.
	ErrInvalidRepo = errors.New("invalid repository URL")
	// ErrUnknownAgent indicates an agent that is not configured.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrMissingCredential indicates the provider credential is not set.
	ErrMissingCredential = errors.New("missing provider credential")
	// ErrBlueprintRequired indicates no blueprint could be resolved for a run.
	ErrBlueprintRequired = errors.New("a blueprint id is required to launch a devbox")
	// ErrBlueprintNotFound indicates a named blueprint is not in the cache.
	ErrBlueprintNotFound = errors.New("blueprint not found")
	// ErrBlueprintFailed indicates a blueprint build did not complete.
	ErrBlueprintFailed = errors.New("blueprint build failed")
	// ErrDevboxFailed indicates a devbox never reached the running state.
	ErrDevboxFailed = errors.New("devbox failed to start")
	// ErrDevboxNotFound indicates the provider does not know the devbox.
	ErrDevboxNotFound = errors.New("devbox not found")
	// ErrExecutionNotFound indicates the provider does not know the execution.
	ErrExecutionNotFound = errors.New("execution not found")
)
