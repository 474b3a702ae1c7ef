package runloop

type codeMount struct {
	RepoOwner string `json:"repo_owner"`
	RepoName  string `json:"repo_name"`
	Token     string `json:"token,omitempty"`
}

type createDevboxRequest struct {
	Name          string            `json:"name,omitempty"`
	BlueprintID   string            `json:"blueprint_id,omitempty"`
	BlueprintName string            `json:"blueprint_name,omitempty"`
	CodeMounts    []codeMount       `json:"code_mounts,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type devboxView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type executeRequest struct {
	Command string `json:"command"`
}

type executionView struct {
	ExecutionID string `json:"execution_id"`
	DevboxID    string `json:"devbox_id"`
	Status      string `json:"status"`
	ExitStatus  *int   `json:"exit_status"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
}

type stdoutUpdate struct {
	Output string `json:"output"`
	Offset int64  `json:"offset"`
}

type createBlueprintRequest struct {
	Name                string            `json:"name"`
	SystemSetupCommands []string          `json:"system_setup_commands,omitempty"`
	Dockerfile          string            `json:"dockerfile,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

type blueprintView struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        string            `json:"status"`
	FailureReason string            `json:"failure_reason"`
	CreateTimeMs  int64             `json:"create_time_ms"`
	Metadata      map[string]string `json:"metadata"`
}

type blueprintList struct {
	Blueprints []blueprintView `json:"blueprints"`
}

type blueprintLogs struct {
	Logs []struct {
		Level       string `json:"level"`
		Message     string `json:"message"`
		TimestampMs int64  `json:"timestamp_ms"`
	} `json:"logs"`
}

const (
	execCompleted = "completed"

	blueprintBuildComplete = "build_complete"
	blueprintFailed        = "failed"
)
