// Package transcript renders orchestrator events as console lines for the
// interactive CLI.
package transcript

import (
	"fmt"
	"strings"

	"github.com/haldanesmith/agentloop/internal/events"
)

// Formatter formats orchestrator events for console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats an event for console display
func (f *Formatter) FormatEvent(evt events.Event) string {
	var details string

	switch evt.Type {
	case events.TypeTaskStarted:
		details = fmt.Sprintf("task: %s", str(evt.Data, "task_id"))

	case events.TypeThinking:
		details = fmt.Sprintf("iteration %v", evt.Data["iteration"])

	case events.TypeToolStarted:
		details = str(evt.Data, "tool")

	case events.TypeToolOutput:
		details = truncate(str(evt.Data, "output"), 120)

	case events.TypeToolCompleted:
		status := "ok"
		if ok, _ := evt.Data["success"].(bool); !ok {
			status = "failed"
		}
		details = fmt.Sprintf("%s: %s", str(evt.Data, "tool"), status)

	case events.TypePlanCreated:
		details = fmt.Sprintf("%v phases, goal: %s", evt.Data["phases"], str(evt.Data, "goal"))

	case events.TypePhaseStarted, events.TypePhaseCompleted:
		details = fmt.Sprintf("phase %v", evt.Data["phase_id"])

	case events.TypeMessage:
		details = truncate(str(evt.Data, "text"), 200)

	case events.TypeTaskFailed:
		details = str(evt.Data, "error")
	}

	if details != "" {
		return fmt.Sprintf("[%s] %s", evt.Type, details)
	}

	return fmt.Sprintf("[%s]", evt.Type)
}

func str(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
