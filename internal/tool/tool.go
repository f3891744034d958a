// Package tool defines the typed tool-call variants the orchestrator can
// dispatch and the uniform result they produce. Tool inputs are decoded
// once at the action-selection boundary; the dispatcher never re-parses
// loosely-typed maps.
package tool

import (
	"encoding/json"
	"regexp"
)

// Tool names as requested by the model
const (
	NamePlan    = "plan"
	NameMessage = "message"
	NameShell   = "shell"
	NameFile    = "file"
	NameSearch  = "search"
)

// Plan sub-operations selected by the "action" input field
const (
	PlanActionUpdate  = "update"
	PlanActionAdvance = "advance"
)

// Message types with loop-level meaning
const (
	MessageTypeResult   = "result"
	MessageTypeQuestion = "question"
	MessageTypeInfo     = "info"
)

// ResultDelivered is the literal success output of a result message
const ResultDelivered = "Result delivered to user. Task completed."

// Def is one catalog entry advertised to the LLM provider
type Def struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// PlanPhaseInput is one phase as provided by the model
type PlanPhaseInput struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// PlanInput drives the plan tool (update or advance)
type PlanInput struct {
	Action         string           `json:"action"`
	Goal           string           `json:"goal,omitempty"`
	Phases         []PlanPhaseInput `json:"phases,omitempty"`
	// CurrentPhaseID is a pointer so an explicit phase id of 0 is
	// distinguishable from the field being absent.
	CurrentPhaseID *int             `json:"current_phase_id,omitempty"`
	NextPhaseID    int              `json:"next_phase_id,omitempty"`
}

// MessageInput carries a user-visible message
type MessageInput struct {
	Type        string   `json:"type"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// ShellInput runs a command in the sandbox
type ShellInput struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
}

// FileInput performs a file operation in the sandbox
type FileInput struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

// SearchInput runs a search query against the backend
type SearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// GenericInput carries an unrecognized tool call through to the backend
type GenericInput struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Action is the tagged union of decoded tool calls. Exactly one variant
// pointer is non-nil.
type Action struct {
	ToolCallID string

	Plan    *PlanInput
	Message *MessageInput
	Shell   *ShellInput
	File    *FileInput
	Search  *SearchInput
	Generic *GenericInput
}

// Name returns the tool name of the populated variant
func (a *Action) Name() string {
	switch {
	case a.Plan != nil:
		return NamePlan
	case a.Message != nil:
		return NameMessage
	case a.Shell != nil:
		return NameShell
	case a.File != nil:
		return NameFile
	case a.Search != nil:
		return NameSearch
	case a.Generic != nil:
		return a.Generic.Name
	}
	return ""
}

// WantsUserInput reports whether the action suspends the task until the
// user responds
func (a *Action) WantsUserInput() bool {
	return a.Message != nil && a.Message.Type == MessageTypeQuestion
}

// DeliversResult reports whether the action carries the final task result
func (a *Action) DeliversResult() bool {
	return a.Message != nil && a.Message.Type == MessageTypeResult
}

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-z]*[rf][a-z]*\s+)+`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`git\s+push\s+.*--force`),
}

// Dangerous reports whether the action warrants a checkpoint before it runs
func (a *Action) Dangerous() bool {
	if a.Shell == nil {
		return false
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(a.Shell.Command) {
			return true
		}
	}
	return false
}

// Result is the uniform outcome of one dispatched tool call. Failures are
// expected and recoverable; they are fed back into the transcript so the
// model can react.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Catalog returns the tool definitions advertised to the provider
func Catalog() []Def {
	return []Def{
		{
			Name:        NamePlan,
			Description: "Create or advance the execution plan. Use action=update to replace the plan wholesale, action=advance to complete the current phase and activate the next.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":           map[string]any{"type": "string", "enum": []string{PlanActionUpdate, PlanActionAdvance}},
					"goal":             map[string]any{"type": "string"},
					"phases":           map[string]any{"type": "array"},
					"current_phase_id": map[string]any{"type": "integer"},
					"next_phase_id":    map[string]any{"type": "integer"},
				},
				"required": []string{"action"},
			},
		},
		{
			Name:        NameMessage,
			Description: "Send a message to the user. type=result delivers the final answer and completes the task; type=question suspends the task until the user replies.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]any{"type": "string", "enum": []string{MessageTypeInfo, MessageTypeQuestion, MessageTypeResult}},
					"text":        map[string]any{"type": "string"},
					"attachments": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"type", "text"},
			},
		},
		{
			Name:        NameShell,
			Description: "Run a shell command in the sandbox and return its output.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":     map[string]any{"type": "string"},
					"working_dir": map[string]any{"type": "string"},
					"timeout_ms":  map[string]any{"type": "integer"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        NameFile,
			Description: "Read, write, or list files in the sandbox workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation": map[string]any{"type": "string", "enum": []string{"read", "write", "append", "delete", "list"}},
					"path":      map[string]any{"type": "string"},
					"content":   map[string]any{"type": "string"},
				},
				"required": []string{"operation", "path"},
			},
		},
		{
			Name:        NameSearch,
			Description: "Search the workspace for text matching a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"max_results": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		},
	}
}
