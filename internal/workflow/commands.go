package workflow

import (
	"context"

	"github.com/ferretbot/ferretbot/internal/bus"
	"github.com/ferretbot/ferretbot/internal/checks"
)

// handleRunStartCommand implements the workflow:run:start IPC command
// (spec §6): {workflowId, version?, args?, requestId}.
func (e *Engine) handleRunStartCommand(ctx context.Context, evt *bus.Event) error {
	requestID, _ := evt.Content["requestId"].(string)
	workflowID, _ := evt.Content["workflowId"].(string)
	version, _ := evt.Content["version"].(string)
	args, _ := evt.Content["args"].(map[string]any)

	run, err := e.StartRun(workflowID, version, args)
	if err != nil {
		e.emitCommandResult(evt, "workflow:run:start", requestID, false, err.Error(), nil)
		return nil
	}
	e.emitCommandResult(evt, "workflow:run:start", requestID, true, "", map[string]any{
		"runId": run.ID, "state": string(run.State),
	})
	return nil
}

// handleRunCancelCommand implements workflow:run:cancel: {runId, requestId}.
func (e *Engine) handleRunCancelCommand(ctx context.Context, evt *bus.Event) error {
	requestID, _ := evt.Content["requestId"].(string)
	runID, ok := intFromContent(evt.Content, "runId")
	if !ok {
		e.emitCommandResult(evt, "workflow:run:cancel", requestID, false, "missing or invalid runId", nil)
		return nil
	}
	if err := e.CancelRun(runID); err != nil {
		e.emitCommandResult(evt, "workflow:run:cancel", requestID, false, err.Error(), nil)
		return nil
	}
	e.emitCommandResult(evt, "workflow:run:cancel", requestID, true, "", map[string]any{"runId": runID})
	return nil
}

// handleRunListCommand implements workflow:run:list: {requestId}.
func (e *Engine) handleRunListCommand(ctx context.Context, evt *bus.Event) error {
	requestID, _ := evt.Content["requestId"].(string)
	runs := e.ListRuns()
	data := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		data = append(data, map[string]any{
			"runId": r.ID, "workflowId": r.WorkflowID, "workflowVersion": r.WorkflowVersion,
			"state": string(r.State), "createdAt": r.CreatedAt, "updatedAt": r.UpdatedAt,
		})
	}
	e.emitCommandResult(evt, "workflow:run:list", requestID, true, "", data)
	return nil
}

// handleRunResumeCommand implements workflow:run:resume: {runId, requestId}.
func (e *Engine) handleRunResumeCommand(ctx context.Context, evt *bus.Event) error {
	requestID, _ := evt.Content["requestId"].(string)
	runID, ok := intFromContent(evt.Content, "runId")
	if !ok {
		e.emitCommandResult(evt, "workflow:run:resume", requestID, false, "missing or invalid runId", nil)
		return nil
	}
	if err := e.ResumeRun(runID); err != nil {
		e.emitCommandResult(evt, "workflow:run:resume", requestID, false, err.Error(), nil)
		return nil
	}
	e.emitCommandResult(evt, "workflow:run:resume", requestID, true, "", map[string]any{"runId": runID})
	return nil
}

func (e *Engine) emitCommandResult(evt *bus.Event, command, requestID string, ok bool, message string, data any) {
	e.bus.Emit(bus.EmitInput{
		Type:      "agent:status",
		ClientID:  evt.ClientID,
		SessionID: evt.SessionID,
		Content: map[string]any{
			"kind":      "workflow_command_result",
			"command":   command,
			"requestId": requestID,
			"ok":        ok,
			"message":   message,
			"data":      data,
		},
	})
}

func intFromContent(content map[string]any, key string) (int, bool) {
	v, ok := content[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func toolResultsFromContent(content map[string]any) []checks.ToolResult {
	raw, ok := content["toolResults"]
	if !ok {
		return nil
	}
	if list, ok := raw.([]checks.ToolResult); ok {
		return list
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]checks.ToolResult, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tr := checks.ToolResult{}
		if n, ok := m["name"].(string); ok {
			tr.Name = n
		}
		if ec, ok := intFromContent(m, "exitCode"); ok {
			tr.ExitCode = ec
		} else if ec, ok := intFromContent(m, "code"); ok {
			tr.ExitCode = ec
		}
		if out2, ok := m["output"].(string); ok {
			tr.Output = out2
		}
		out = append(out, tr)
	}
	return out
}

func artifactsFromContent(content map[string]any) map[string]string {
	raw, ok := content["artifacts"]
	if !ok {
		return nil
	}
	if m, ok := raw.(map[string]string); ok {
		return m
	}
	if m, ok := raw.(map[string]any); ok {
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
