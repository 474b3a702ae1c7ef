package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/schema"
)

// Request is a validated run request.
type Request struct {
	Agent   agentcmd.Profile
	Repo    schema.RepoSlug
	RepoURL string
	Model   schema.ModelID
}

// RequestError is a validation failure reported to the caller as a 400.
type RequestError struct {
	Field   string
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Unwrap lets callers match schema.ErrInvalidRequest.
func (e *RequestError) Unwrap() error { return schema.ErrInvalidRequest }

// Field order in which failures are reported.
var fieldPriority = []string{"", "agent", "repoUrl", "model"}

// Validator checks run requests against the configured agents and model.
type Validator struct {
	agents  *agentcmd.Registry
	model   schema.ModelID
	schema  *jsonschema.Schema
	agentsL string
}

// NewValidator compiles the request schema for agents and model.
func NewValidator(agents *agentcmd.Registry, model schema.ModelID) (*Validator, error) {
	if agents == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if strings.TrimSpace(string(model)) == "" {
		return nil, fmt.Errorf("accepted model is required")
	}
	names := agents.SortedNames()
	doc := map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []string{"agent", "repoUrl", "model"},
		"properties": map[string]any{
			"agent":   map[string]any{"enum": names},
			"repoUrl": map[string]any{"type": "string"},
			"model":   map[string]any{"const": string(model)},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("run-request.json", strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	compiled, err := compiler.Compile("run-request.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Validator{agents: agents, model: model, schema: compiled, agentsL: strings.Join(names, ", ")}, nil
}

// Model returns the accepted model.
func (v *Validator) Model() schema.ModelID { return v.model }

// Agents returns the accepted agent names, sorted.
func (v *Validator) Agents() []string { return v.agents.SortedNames() }

// Validate parses body and returns the first failure in priority order.
// It has no side effects.
func (v *Validator) Validate(body []byte) (Request, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Request{}, &RequestError{Message: "invalid JSON body"}
	}
	if err := v.schema.Validate(doc); err != nil {
		return Request{}, v.mapSchemaError(err)
	}
	var req schema.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, &RequestError{Message: "invalid JSON body"}
	}
	slug, err := repo.ParseRepoURL(req.RepoURL)
	if err != nil {
		return Request{}, &RequestError{Field: "repoUrl", Message: "repoUrl must look like <host>/<owner>/<name>"}
	}
	profile, _ := v.agents.Lookup(req.Agent)
	return Request{Agent: profile, Repo: slug, RepoURL: strings.TrimSpace(req.RepoURL), Model: req.Model}, nil
}

func (v *Validator) message(field string) string {
	switch field {
	case "agent":
		return "agent must be one of: " + v.agentsL
	case "repoUrl":
		return "repoUrl must be a string"
	case "model":
		return fmt.Sprintf("model must be %q", v.model)
	default:
		return "request body must be a JSON object"
	}
}

func (v *Validator) mapSchemaError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &RequestError{Message: err.Error()}
	}
	failed := map[string]bool{}
	collectFailedFields(ve, failed)
	for _, field := range fieldPriority {
		if failed[field] {
			return &RequestError{Field: field, Message: v.message(field)}
		}
	}
	fields := make([]string, 0, len(failed))
	for field := range failed {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return &RequestError{Message: "invalid request: " + strings.Join(fields, ", ")}
}

// collectFailedFields records the top-level property each leaf error is
// about. The root type error is recorded under "".
func collectFailedFields(err *jsonschema.ValidationError, out map[string]bool) {
	if len(err.Causes) > 0 {
		for _, cause := range err.Causes {
			collectFailedFields(cause, out)
		}
		return
	}
	location := strings.TrimPrefix(err.InstanceLocation, "/")
	if location != "" {
		field, _, _ := strings.Cut(location, "/")
		out[field] = true
		return
	}
	if strings.HasSuffix(err.KeywordLocation, "/required") {
		for _, field := range []string{"agent", "repoUrl", "model"} {
			if strings.Contains(err.Message, "'"+field+"'") {
				out[field] = true
			}
		}
		return
	}
	out[""] = true
}
