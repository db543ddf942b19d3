// Package agent implements the agent-loop collaborator (spec §4.3, §4.5,
// §6): the component that drives an "agent" step to completion once the
// workflow engine activates it. The engine only emits workflow:step:start
// and leaves the bus to carry the completion signal back; Loop is what
// actually calls the provider, assembles context, runs tools, and emits
// workflow:step:complete.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ferretbot/ferretbot/internal/bus"
	"github.com/ferretbot/ferretbot/internal/checks"
	"github.com/ferretbot/ferretbot/internal/contextasm"
	"github.com/ferretbot/ferretbot/internal/memory"
	"github.com/ferretbot/ferretbot/internal/provider"
	"github.com/ferretbot/ferretbot/internal/registry"
	"github.com/ferretbot/ferretbot/internal/skills"
	"github.com/ferretbot/ferretbot/internal/tools"
	"github.com/ferretbot/ferretbot/internal/workflow"
)

// defaultMaxToolIterations bounds a single step's provider/tool exchange so
// a model stuck calling tools forever can't wedge a step permanently active.
const defaultMaxToolIterations = 12

// defaultMaxSkillContentChars is the skill content cap used when
// Options.MaxSkillContentChars is unset. The skills loader has no default of
// its own (0 there means no truncation), so the loop always passes a cap.
const defaultMaxSkillContentChars = 6000

// defaultSystemPrompt is used when Options.SystemPrompt is empty.
const defaultSystemPrompt = "You are the agent executing one step of a workflow. " +
	"Follow the step instruction exactly, use the tools you are given when they " +
	"help, and report your result plainly without restating the instruction."

// RunReader is the slice of *workflow.Engine the loop needs: looking up a
// run's current args to render the step instruction and build prior
// context. A narrow interface keeps the loop testable without a live bus
// and registry.
type RunReader interface {
	GetRun(id int) (*workflow.Run, bool)
}

// Options configures model invocation and iteration limits. Zero values
// fall back to sane defaults.
type Options struct {
	Model                string
	MaxTokens            int
	Temperature          float64
	SystemPrompt         string
	MaxToolIterations    int
	MaxSkillContentChars int
}

// Loop subscribes to workflow:step:start and drives every agent-type step
// to a workflow:step:complete event, consuming the provider, tools, skills,
// and memory collaborators along the way (spec §6).
type Loop struct {
	bus      *bus.Bus
	runs     RunReader
	provider provider.Provider
	tools    *tools.Registry
	skills   *skills.Loader
	memory   memory.SessionMemory
	budgets  contextasm.Budgets
	opts     Options
	logger   *slog.Logger

	unsub bus.UnsubscribeFunc
}

// New constructs a Loop and subscribes it to workflow:step:start.
func New(b *bus.Bus, runs RunReader, prov provider.Provider, toolRegistry *tools.Registry, skillLoader *skills.Loader, mem memory.SessionMemory, budgets contextasm.Budgets, opts Options, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = defaultMaxToolIterations
	}
	if opts.MaxSkillContentChars <= 0 {
		opts.MaxSkillContentChars = defaultMaxSkillContentChars
	}

	l := &Loop{
		bus:      b,
		runs:     runs,
		provider: prov,
		tools:    toolRegistry,
		skills:   skillLoader,
		memory:   mem,
		budgets:  budgets,
		opts:     opts,
		logger:   logger.With("component", "agent-loop"),
	}
	l.unsub = b.Subscribe("workflow:step:start", l.handleStepStart)
	return l
}

// Close unsubscribes the loop from the bus.
func (l *Loop) Close() {
	if l.unsub != nil {
		l.unsub()
	}
}

// handleStepStart filters workflow:step:start down to agent-type steps
// (the engine already handles system and wait-for-input steps itself) and
// drives the rest in a goroutine so the bus's single consumer isn't blocked
// for the duration of a model call.
func (l *Loop) handleStepStart(ctx context.Context, evt *bus.Event) error {
	runID, ok := intFromContent(evt.Content, "runId")
	if !ok {
		return nil
	}
	stepID := evt.String("stepId")
	step, ok := evt.Content["step"].(registry.StepDefinition)
	if !ok || step.Type != registry.StepAgent {
		return nil
	}
	workflowDir, _ := evt.Content["workflowDir"].(string)
	sessionID, clientID := evt.SessionID, evt.ClientID

	go l.run(runID, stepID, step, workflowDir, sessionID, clientID)
	return nil
}

// run assembles context for one agent step, drives the provider/tool
// exchange to a final result, records the exchange in session memory, and
// emits workflow:step:complete (spec §4.3, §4.5).
func (l *Loop) run(runID int, stepID string, step registry.StepDefinition, workflowDir, sessionID, clientID string) {
	ctx := context.Background()

	run, ok := l.runs.GetRun(runID)
	if !ok {
		l.logger.Warn("agent step started for unknown run", "runId", runID, "stepId", stepID)
		return
	}

	instruction := workflow.RenderTemplate(step.Instruction, run.Args)

	skillsResult, err := l.skills.LoadSkillsForStep(workflowDir, step.LoadSkills, l.opts.MaxSkillContentChars)
	if err != nil {
		l.failStep(runID, stepID, fmt.Errorf("loading skills: %w", err))
		return
	}

	memSessionID := memorySessionID(run)
	convo, err := l.memory.CollectConversation(ctx, memSessionID, l.conversationTokenBudget())
	if err != nil {
		l.logger.Warn("collecting conversation failed, continuing without history", "runId", runID, "stepId", stepID, "error", err)
	}

	input := contextasm.Input{
		SystemPrompt:      l.opts.SystemPrompt,
		StepInstruction:   instruction,
		SkillsText:        skillsResult.Text,
		PriorContext:      priorContextFor(run, stepID, convo.Summary),
		ConversationTurns: newestFirst(convo.Turns),
	}
	assembled := contextasm.BuildMessages(l.budgets, input)

	resultText, toolResults, err := l.converse(ctx, runID, stepID, step, toProviderMessages(assembled.Messages), assembled.MaxOutputTokens)
	if err != nil {
		l.failStep(runID, stepID, err)
		return
	}

	now := time.Now().UnixMilli()
	if err := l.memory.AppendTurn(ctx, memSessionID, memory.Turn{Role: "user", Content: instruction, CreatedAt: now}); err != nil {
		l.logger.Warn("recording user turn failed", "runId", runID, "stepId", stepID, "error", err)
	}
	if err := l.memory.AppendTurn(ctx, memSessionID, memory.Turn{Role: "assistant", Content: resultText, CreatedAt: now}); err != nil {
		l.logger.Warn("recording assistant turn failed", "runId", runID, "stepId", stepID, "error", err)
	}

	l.bus.Emit(bus.EmitInput{
		Type: "agent:response", SessionID: sessionID, ClientID: clientID,
		Content: map[string]any{"runId": runID, "stepId": stepID, "text": resultText},
	})
	l.bus.Emit(bus.EmitInput{
		Type: "workflow:step:complete",
		Content: map[string]any{
			"runId": runID, "stepId": stepID, "result": resultText, "toolResults": toolResults,
		},
	})
}

// converse drives the provider/tool exchange for one step: it calls the
// provider, executes any requested tool calls and loops, and compacts and
// continues on a max_tokens finish, until a stop finish reason produces the
// step's final text (spec §4.5 "Continuation compaction").
func (l *Loop) converse(ctx context.Context, runID int, stepID string, step registry.StepDefinition, messages []provider.Message, maxOutputTokens int) (string, []checks.ToolResult, error) {
	toolSpecs := l.toolSpecsFor(step.Tools)

	var textParts []string
	var toolResults []checks.ToolResult
	firstContinuation := true

	for iter := 0; iter < l.opts.MaxToolIterations; iter++ {
		resp, err := l.provider.ChatCompletion(ctx, provider.Request{
			Messages:    messages,
			MaxTokens:   maxOutputTokens,
			Model:       l.opts.Model,
			Temperature: l.opts.Temperature,
			Tools:       toolSpecs,
		})
		if err != nil {
			return "", toolResults, fmt.Errorf("provider chat completion: %w", err)
		}

		switch resp.FinishReason {
		case provider.FinishToolUse:
			if resp.Text != "" {
				textParts = append(textParts, resp.Text)
			}
			messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
			for _, call := range resp.ToolCalls {
				result, execErr := l.tools.Execute(ctx, tools.ExecuteInput{
					Name: call.Name, Arguments: call.Arguments,
					Context: tools.ExecutionContext{RunID: runID, StepID: stepID},
				})
				if execErr != nil {
					result = tools.ExecuteResult{ExitCode: -1, Error: execErr.Error()}
				}
				toolResults = append(toolResults, checks.ToolResult{Name: call.Name, ExitCode: result.ExitCode, Output: result.Output})

				content, isError := result.Output, result.Error != ""
				if isError {
					content = result.Error
				}
				messages = append(messages, provider.Message{
					Role:       provider.RoleUser,
					ToolResult: &provider.ToolResult{ToolCallID: call.ID, Content: content, IsError: isError},
				})
			}

		case provider.FinishMaxTokens:
			textParts = append(textParts, resp.Text)
			history := fromProviderMessages(messages)
			history = append(history, contextasm.Message{Role: string(provider.RoleAssistant), Content: resp.Text})
			compacted := contextasm.Compact(history, l.budgets, contextasm.CompactOptions{
				LastCompletionTokens: resp.Usage.OutputTokens,
				FirstContinuation:    firstContinuation,
			})
			firstContinuation = false
			messages = toProviderMessages(compacted.Messages)
			maxOutputTokens = compacted.ContinuationTarget

		default: // FinishStop, FinishOther
			textParts = append(textParts, resp.Text)
			return strings.Join(textParts, ""), toolResults, nil
		}
	}

	return "", toolResults, fmt.Errorf("agent: step %s exceeded %d provider/tool iterations without finishing", stepID, l.opts.MaxToolIterations)
}

func (l *Loop) failStep(runID int, stepID string, err error) {
	l.logger.Error("agent step failed", "runId", runID, "stepId", stepID, "error", err)
	l.bus.Emit(bus.EmitInput{
		Type: "workflow:step:complete",
		Content: map[string]any{
			"runId": runID, "stepId": stepID, "result": err.Error(),
		},
	})
}

// conversationTokenBudget approximates how much of the context window the
// conversation layer can use, since memory.CollectConversation trims before
// BuildMessages ever sees the turns. It asks for a quarter of ContextLimit
// (at least 512 tokens); BuildMessages' own truncation is the final word.
func (l *Loop) conversationTokenBudget() int {
	reserve := l.budgets.ContextLimit / 4
	if reserve < 512 {
		reserve = 512
	}
	return reserve
}

// priorContextFor renders the prior layer: a compact log of previously
// completed steps in this run plus memory's summary of anything dropped
// from the conversation window (spec §4.5 "prior": compressed prior steps +
// conversation summary).
func priorContextFor(run *workflow.Run, stepID, conversationSummary string) string {
	var sb strings.Builder
	for _, rs := range run.OrderedSteps() {
		if rs.ID == stepID || rs.State != workflow.StepCompleted {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "step %s: %s", rs.ID, rs.Result)
	}
	if conversationSummary != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(conversationSummary)
	}
	return sb.String()
}

// memorySessionID scopes conversation history to the run: a run never
// shares a session with another run, so one agent step sees the run's own
// prior turns regardless of which client is watching it.
func memorySessionID(run *workflow.Run) string {
	return fmt.Sprintf("run-%d", run.ID)
}

// newestFirst reverses memory's chronological turns into the newest-first
// order contextasm.Input.ConversationTurns expects.
func newestFirst(turns []memory.Turn) []contextasm.Turn {
	out := make([]contextasm.Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = contextasm.Turn{Role: t.Role, Content: t.Content}
	}
	return out
}

func (l *Loop) toolSpecsFor(names []string) []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		d, ok := l.tools.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, provider.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: schemaToJSONSchema(d.Schema)})
	}
	return specs
}

func schemaToJSONSchema(s tools.Schema) map[string]any {
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = schemaToJSONSchema(v)
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = schemaToJSONSchema(*s.Items)
	}
	return m
}

// toProviderMessages maps assembled prompt layers onto provider roles. Only
// system/assistant/user content round-trips this way; tool-call structure
// is attached separately as messages are built during the converse loop.
func toProviderMessages(msgs []contextasm.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		role := provider.RoleUser
		switch m.Role {
		case "system":
			role = provider.RoleSystem
		case "assistant":
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Content: m.Content})
	}
	return out
}

// fromProviderMessages flattens provider messages (including tool-call and
// tool-result turns) down to plain content for Compact, which only reasons
// about text length and role, not structured tool payloads.
func fromProviderMessages(msgs []provider.Message) []contextasm.Message {
	out := make([]contextasm.Message, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.ToolResult != nil {
			content = m.ToolResult.Content
		}
		out = append(out, contextasm.Message{Role: string(m.Role), Content: content})
	}
	return out
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
