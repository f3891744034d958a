package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haldanesmith/agentloop/internal/plan"
	"github.com/haldanesmith/agentloop/internal/tool"
)

// systemInstructions is the fixed instruction block prepended to every
// completion request. The current plan rendering is appended below it.
const systemInstructions = `You are an autonomous task agent. You work in a bounded plan-act-observe loop.

Rules:
1. If no plan exists yet, your first action must be a plan tool call with action=update.
2. Work through the plan one phase at a time; use plan action=advance when a phase is done.
3. Use shell, file and search tools to do the work. Observe their output before acting again.
4. When the task is done, send a message tool call with type=result and the final answer.
5. If you need information only the user can provide, send a message with type=question.

Always respond with exactly one tool call.`

// Selector asks the provider for the next action and decodes it into a
// single typed tool action.
type Selector struct {
	provider Provider
	model    string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSelector creates an action selector
func NewSelector(provider Provider, model string, timeout time.Duration, logger *slog.Logger) *Selector {
	return &Selector{provider: provider, model: model, timeout: timeout, logger: logger}
}

// NextAction calls the provider with the running transcript and tool
// catalog. It returns a nil action only alongside an error; a plain-text
// reply is tolerated and surfaced as a message action rather than failing.
func (s *Selector) NextAction(ctx context.Context, transcript []Message, catalog []tool.Def, p *plan.Plan, currentPhaseID int) (*tool.Action, TokenUsage, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := Request{
		Model:        s.model,
		SystemPrompt: s.buildSystemPrompt(p, currentPhaseID),
		Messages:     transcript,
		Tools:        catalog,
		ToolChoice:   "auto",
	}

	resp, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("provider call failed: %w", err)
	}

	if resp.ToolCall != nil {
		act, err := decodeAction(resp.ToolCall)
		return act, resp.Usage, err
	}

	act, err := s.actionFromText(resp.Text)
	return act, resp.Usage, err
}

func (s *Selector) buildSystemPrompt(p *plan.Plan, currentPhaseID int) string {
	var sb strings.Builder
	sb.WriteString(systemInstructions)
	sb.WriteString("\n\n## Current plan\n\n")
	if p == nil {
		sb.WriteString("No plan exists yet.\n")
	} else {
		sb.WriteString(p.Render(currentPhaseID))
	}
	return sb.String()
}

// actionFromText handles a provider that ignored tool_choice and replied
// with free text. A JSON tool call embedded in the text is honored;
// anything else becomes an informational message action.
func (s *Selector) actionFromText(text string) (*tool.Action, error) {
	extracted := ExtractJSON(text)
	var embedded struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(extracted), &embedded); err == nil && embedded.Name != "" && embedded.Arguments != nil {
		return decodeAction(&ToolInvocation{
			ID:        uuid.New().String(),
			Name:      embedded.Name,
			Arguments: embedded.Arguments,
		})
	}

	s.logger.Debug("provider returned free text, surfacing as message action")
	return &tool.Action{
		ToolCallID: uuid.New().String(),
		Message:    &tool.MessageInput{Type: tool.MessageTypeInfo, Text: text},
	}, nil
}

// decodeAction unmarshals the invocation arguments into the typed variant
// for its tool name. Unrecognized names pass through as generic calls.
func decodeAction(inv *ToolInvocation) (*tool.Action, error) {
	act := &tool.Action{ToolCallID: inv.ID}
	if act.ToolCallID == "" {
		act.ToolCallID = uuid.New().String()
	}

	var err error
	switch inv.Name {
	case tool.NamePlan:
		var in tool.PlanInput
		err = json.Unmarshal(inv.Arguments, &in)
		act.Plan = &in
	case tool.NameMessage:
		var in tool.MessageInput
		err = json.Unmarshal(inv.Arguments, &in)
		act.Message = &in
	case tool.NameShell:
		var in tool.ShellInput
		err = json.Unmarshal(inv.Arguments, &in)
		act.Shell = &in
	case tool.NameFile:
		var in tool.FileInput
		err = json.Unmarshal(inv.Arguments, &in)
		act.File = &in
	case tool.NameSearch:
		var in tool.SearchInput
		err = json.Unmarshal(inv.Arguments, &in)
		act.Search = &in
	default:
		act.Generic = &tool.GenericInput{Name: inv.Name, Arguments: inv.Arguments}
	}

	if err != nil {
		return nil, fmt.Errorf("malformed %s tool arguments: %w", inv.Name, err)
	}

	return act, nil
}
