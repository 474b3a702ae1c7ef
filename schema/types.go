package schema

import "time"

// AgentName identifies an agent program installed in the blueprint.
type AgentName string

// ModelID identifies an LLM model.
type ModelID string

// DevboxID identifies a devbox owned by a provider.
type DevboxID string

// ExecutionID identifies an asynchronous command execution in a devbox.
type ExecutionID string

// BlueprintID identifies a built blueprint.
type BlueprintID string

// SessionID identifies a consumer-side run session.
type SessionID string

// RunRequest is the body accepted by the relay endpoint.
type RunRequest struct {
	Agent   AgentName `json:"agent"`
	RepoURL string    `json:"repoUrl"`
	Model   ModelID   `json:"model"`
}

// RepoSlug is the host/owner/name triple parsed from a repository URL.
type RepoSlug struct {
	Host  string
	Owner string
	Name  string
}

// String renders the slug as owner/name.
func (s RepoSlug) String() string {
	return s.Owner + "/" + s.Name
}

// ShutdownPolicy controls what happens to a devbox after a run.
type ShutdownPolicy string

const (
	// ShutdownAlways shuts the devbox down after every run.
	ShutdownAlways ShutdownPolicy = "shutdown"
	// ShutdownKeep leaves the devbox running for inspection.
	ShutdownKeep ShutdownPolicy = "keep"
)

// ParseShutdownPolicy maps a config or flag value to a policy.
func ParseShutdownPolicy(value string) (ShutdownPolicy, bool) {
	switch ShutdownPolicy(value) {
	case ShutdownAlways, "":
		return ShutdownAlways, true
	case ShutdownKeep:
		return ShutdownKeep, true
	default:
		return "", false
	}
}

// DevboxStatus is the provider-reported lifecycle state of a devbox.
type DevboxStatus string

const (
	DevboxProvisioning DevboxStatus = "provisioning"
	DevboxInitializing DevboxStatus = "initializing"
	DevboxRunning      DevboxStatus = "running"
	DevboxFailure      DevboxStatus = "failure"
	DevboxShutdown     DevboxStatus = "shutdown"
)

// Devbox describes a provisioned devbox.
type Devbox struct {
	ID            DevboxID
	Name          string
	Status        DevboxStatus
	FailureReason string
}

// ExecutionResult is the terminal state of an execution.
type ExecutionResult struct {
	ID         ExecutionID
	ExitStatus int
	Stdout     string
	Finished   time.Time
}

// SessionStatus is the consumer-side state of a run session.
type SessionStatus string

const (
	SessionPending      SessionStatus = "pending"
	SessionProvisioning SessionStatus = "provisioning"
	SessionRunning      SessionStatus = "running"
	SessionCompleted    SessionStatus = "completed"
	SessionError        SessionStatus = "error"
)
