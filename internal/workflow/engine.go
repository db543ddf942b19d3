package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ferretbot/ferretbot/internal/bus"
	"github.com/ferretbot/ferretbot/internal/checks"
	"github.com/ferretbot/ferretbot/internal/ferrerrors"
	"github.com/ferretbot/ferretbot/internal/registry"
)

// Engine owns run records, schedules step execution, and persists every
// mutation (spec §4.3). Its exported methods (StartRun, CancelRun,
// ResumeRun) may be called directly by embedders (CLI, tests); in a serving
// process they are instead reached by subscribing to workflow:run:* command
// events so the bus's single-consumer discipline serializes them.
type Engine struct {
	bus        *bus.Bus
	registry   *registry.Registry
	evaluator  *checks.Evaluator
	workspace  Workspace
	storageDir string
	logger     *slog.Logger
	nameParser NameParser

	mu     sync.Mutex
	runs   map[int]*Run
	nextID int

	unsubs []bus.UnsubscribeFunc
}

// NewEngine constructs an Engine, loading any previously persisted runs from
// storageDir and subscribing to the bus events it reacts to.
func NewEngine(b *bus.Bus, reg *registry.Registry, ev *checks.Evaluator, ws Workspace, storageDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		bus:        b,
		registry:   reg,
		evaluator:  ev,
		workspace:  ws,
		storageDir: storageDir,
		logger:     logger.With("component", "workflow-engine"),
		nameParser: defaultNameParser{},
		runs:       make(map[int]*Run),
		nextID:     1,
	}

	persisted, err := loadPersistedRuns(storageDir)
	if err != nil {
		e.logger.Warn("failed to load persisted runs", "error", err)
	} else {
		e.runs = persisted
		e.nextID = nextAvailableID(persisted)
	}

	e.unsubs = []bus.UnsubscribeFunc{
		b.Subscribe("workflow:step:complete", e.handleStepCompleteEvent),
		b.Subscribe("user:input", e.handleUserInput),
		b.Subscribe("workflow:run:start", e.handleRunStartCommand),
		b.Subscribe("workflow:run:cancel", e.handleRunCancelCommand),
		b.Subscribe("workflow:run:list", e.handleRunListCommand),
		b.Subscribe("workflow:run:resume", e.handleRunResumeCommand),
	}
	return e
}

// SetNameParser overrides the wait-for-input name-extraction heuristic.
func (e *Engine) SetNameParser(p NameParser) {
	e.nameParser = p
}

// Close unsubscribes the engine from the bus.
func (e *Engine) Close() {
	for _, u := range e.unsubs {
		u()
	}
}

// GetRun returns the run record for id, if any.
func (e *Engine) GetRun(id int) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// ListRuns returns every known run record.
func (e *Engine) ListRuns() []*Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

// StartRun validates the workflow exists, allocates a run id, snapshots
// every step as pending, persists, and begins advancing (spec §4.3
// "Starting a run").
func (e *Engine) StartRun(workflowID, version string, args map[string]any) (*Run, error) {
	wf, ok := e.registry.Get(workflowID, version)
	if !ok {
		return nil, ferrerrors.WorkflowNotFound(workflowID, version)
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	if args == nil {
		args = make(map[string]any)
	}
	now := nowMillis()
	run := &Run{
		ID:              id,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		State:           StateQueued,
		Args:            args,
		CreatedAt:       now,
		UpdatedAt:       now,
		Steps:           make(map[string]*RunStepRecord, len(wf.Steps)),
		StepOrder:       make([]string, 0, len(wf.Steps)),
	}
	for _, s := range wf.Steps {
		run.Steps[s.ID] = &RunStepRecord{ID: s.ID, State: StepPending}
		run.StepOrder = append(run.StepOrder, s.ID)
	}

	e.mu.Lock()
	e.runs[id] = run
	e.mu.Unlock()

	e.bus.Emit(bus.EmitInput{Type: "workflow:run:queued", Content: map[string]any{
		"runId": run.ID, "workflowId": run.WorkflowID, "version": run.WorkflowVersion,
	}})
	e.mustPersist(run)

	e.advance(run, wf)
	return run, nil
}

// CancelRun unconditionally cancels a run (spec §4.3 "Cancellation").
func (e *Engine) CancelRun(runID int) error {
	run, ok := e.GetRun(runID)
	if !ok {
		return ferrerrors.RunNotFound(fmt.Sprint(runID))
	}
	run.State = StateCancelled
	run.Failure = nil
	run.UpdatedAt = nowMillis()
	e.mustPersist(run)
	e.bus.Emit(bus.EmitInput{Type: "workflow:run:complete", Content: map[string]any{
		"runId": run.ID, "state": string(StateCancelled),
	}})
	return nil
}

// ResumeRun approves the step currently blocking a waiting_approval run and
// re-enters advance (spec §4.3 "Approval gate").
func (e *Engine) ResumeRun(runID int) error {
	run, ok := e.GetRun(runID)
	if !ok {
		return ferrerrors.RunNotFound(fmt.Sprint(runID))
	}
	if run.State != StateWaitingApproval {
		return ferrerrors.InvalidRequest("run is not waiting for approval")
	}
	wf, ok := e.registry.Get(run.WorkflowID, run.WorkflowVersion)
	if !ok {
		return ferrerrors.WorkflowNotFound(run.WorkflowID, run.WorkflowVersion)
	}
	step, ready := e.findNextReadyStep(wf, run)
	if !ready {
		return ferrerrors.InvalidRequest("no step awaiting approval")
	}
	run.Steps[step.ID].Approved = true
	run.State = StateRunning
	e.advance(run, wf)
	return nil
}

// findNextReadyStep walks the workflow's ordered steps and returns the
// first whose run-state is pending and whose dependencies are all resolved
// (spec §4.3 "Scheduling algorithm").
func (e *Engine) findNextReadyStep(wf *registry.WorkflowDefinition, run *Run) (*registry.StepDefinition, bool) {
	for i := range wf.Steps {
		s := &wf.Steps[i]
		rs, ok := run.Steps[s.ID]
		if !ok || rs.State != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			depRS, ok := run.Steps[dep]
			if !ok || !depRS.State.resolved() {
				ready = false
				break
			}
		}
		if ready {
			return s, true
		}
	}
	return nil, false
}

func (e *Engine) allStepsResolved(run *Run) bool {
	for _, rs := range run.Steps {
		if !rs.State.resolved() {
			return false
		}
	}
	return true
}

// advance selects the next ready step (if any) and either completes the
// run, gates on approval/input, or activates and (for system steps)
// executes it inline (spec §4.3 "Advance").
func (e *Engine) advance(run *Run, wf *registry.WorkflowDefinition) {
	if run.State.terminal() || run.State == StateWaitingApproval || run.State == StateWaitingInput {
		return
	}
	for _, rs := range run.Steps {
		if rs.State == StepActive {
			return
		}
	}

	step, ok := e.findNextReadyStep(wf, run)
	if !ok {
		if e.allStepsResolved(run) {
			e.completeRun(run)
		}
		return
	}
	rs := run.Steps[step.ID]

	if step.Approval && !rs.Approved {
		run.State = StateWaitingApproval
		run.UpdatedAt = nowMillis()
		e.mustPersist(run)
		e.bus.Emit(bus.EmitInput{Type: "workflow:needs_approval", Content: map[string]any{
			"runId": run.ID, "stepId": step.ID,
		}})
		return
	}

	if step.Type == registry.StepWaitForInput {
		run.State = StateWaitingInput
		run.UpdatedAt = nowMillis()
		e.mustPersist(run)
		prompt := renderTemplate(step.Prompt, run.Args)
		e.bus.Emit(bus.EmitInput{Type: "workflow:needs_input", Content: map[string]any{
			"runId": run.ID, "stepId": step.ID, "prompt": prompt,
		}})
		e.bus.Emit(bus.EmitInput{Type: "agent:response", Content: map[string]any{
			"runId": run.ID, "stepId": step.ID, "text": prompt,
		}})
		return
	}

	rs.State = StepActive
	rs.StartedAt = nowMillis()
	run.State = StateRunning
	run.UpdatedAt = nowMillis()
	e.mustPersist(run)

	e.bus.Emit(bus.EmitInput{Type: "workflow:step:start", Content: map[string]any{
		"runId": run.ID, "workflowId": run.WorkflowID, "workflowVersion": run.WorkflowVersion,
		"stepId": step.ID, "step": step, "workflowDir": wf.Dir, "totalSteps": len(wf.Steps),
	}})

	if step.Type.IsSystem() {
		result, toolResults, artifacts, err := e.executeSystemStep(run, step)
		if err != nil {
			rs.AttemptCount++
			rs.State = StepFailed
			rs.CompletedAt = nowMillis()
			e.failRun(run, ferrerrors.CodeToolError, err.Error(), step.ID, rs.AttemptCount, step.OnFail == registry.OnFailBlocked)
			return
		}
		e.completeActiveStep(run, wf, step, rs, result, toolResults, artifacts, true)
	}
	// agent steps: the bus carries the completion signal via workflow:step:complete.
}

func (e *Engine) completeRun(run *Run) {
	run.State = StateCompleted
	run.UpdatedAt = nowMillis()
	e.mustPersist(run)
	e.bus.Emit(bus.EmitInput{Type: "workflow:run:complete", Content: map[string]any{
		"runId": run.ID, "state": string(StateCompleted),
	}})
}

func (e *Engine) failRun(run *Run, code, message, stepID string, attempts int, blocked bool) {
	run.Failure = &Failure{Code: code, Message: message, StepID: stepID, Attempts: attempts}
	if blocked {
		run.State = StateBlocked
	} else {
		run.State = StateFailed
	}
	run.UpdatedAt = nowMillis()
	e.mustPersist(run)
	e.bus.Emit(bus.EmitInput{Type: "workflow:run:complete", Content: map[string]any{
		"runId": run.ID, "state": string(run.State),
	}})
}

// completeActiveStep evaluates doneWhen against a step's proposed outcome
// and either completes, retries, or fails the step (spec §4.3 "Step
// completion").
func (e *Engine) completeActiveStep(run *Run, wf *registry.WorkflowDefinition, step *registry.StepDefinition, rs *RunStepRecord, resultText string, toolResults []checks.ToolResult, artifacts map[string]string, emitStepCompleteEvent bool) {
	rs.AttemptCount++

	checkCtx := checks.Context{StepOutput: resultText, ToolResults: toolResults, WorkflowInputs: run.Args, Artifacts: artifacts}
	passed, results := e.evaluator.Evaluate(step.DoneWhen, checkCtx)
	rs.CheckResults = results

	if passed {
		rs.State = StepCompleted
		rs.Result = resultText
		rs.ResultMeta = ResultMeta{ToolResults: toolResults, Artifacts: artifacts}
		rs.LastFailureHash = ""
		rs.CompletedAt = nowMillis()
		e.mustPersist(run)
		if emitStepCompleteEvent {
			e.bus.Emit(bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
				"runId": run.ID, "stepId": step.ID, "result": resultText,
			}})
		}
		e.advance(run, wf)
		return
	}

	hash := canonicalFailureHash(resultText, toolResults, artifacts)
	if rs.LastFailureHash != "" && hash == rs.LastFailureHash {
		rs.State = StepFailed
		rs.CompletedAt = nowMillis()
		e.failRun(run, ferrerrors.CodeNoProgress,
			fmt.Sprintf("step %s produced identical failing output twice in a row", step.ID),
			step.ID, rs.AttemptCount, true)
		return
	}
	rs.LastFailureHash = hash

	if rs.RetryCount < step.Retries {
		rs.RetryCount++
		rs.State = StepPending
		rs.StartedAt = 0
		e.mustPersist(run)
		e.advance(run, wf)
		return
	}

	rs.State = StepFailed
	rs.CompletedAt = nowMillis()
	e.failRun(run, ferrerrors.CodeCheckFailed, checkFailureMessage(results), step.ID, rs.AttemptCount, step.OnFail == registry.OnFailBlocked)
}

func checkFailureMessage(results []checks.Result) string {
	for _, r := range results {
		if !r.Passed {
			return r.Message
		}
	}
	return "success check failed"
}

// executeSystemStep runs a system_* step inline via the workspace
// collaborator (spec §4.3 "Advance").
func (e *Engine) executeSystemStep(run *Run, step *registry.StepDefinition) (result string, toolResults []checks.ToolResult, artifacts map[string]string, err error) {
	path := renderTemplate(step.Path, run.Args)

	switch step.Type {
	case registry.StepSystemWriteFile:
		content := renderTemplate(step.Content, run.Args)
		if err := e.workspace.WriteTextFile(path, content); err != nil {
			return "", nil, nil, err
		}
		return fmt.Sprintf("wrote %s", path), nil, map[string]string{path: path}, nil
	case registry.StepSystemEnsureFile:
		content := renderTemplate(step.Content, run.Args)
		if err := e.workspace.EnsureTextFile(path, content); err != nil {
			return "", nil, nil, err
		}
		return fmt.Sprintf("ensured %s", path), nil, map[string]string{path: path}, nil
	case registry.StepSystemDeleteFile:
		if err := e.workspace.RemovePath(path); err != nil {
			return "", nil, nil, err
		}
		return fmt.Sprintf("deleted %s", path), nil, nil, nil
	default:
		return "", nil, nil, fmt.Errorf("not a system step: %s", step.Type)
	}
}

// handleStepCompleteEvent drives step completion for agent steps (the bus
// carries their result) and silently ignores re-deliveries of the event the
// engine itself emitted for already-completed system steps.
func (e *Engine) handleStepCompleteEvent(ctx context.Context, evt *bus.Event) error {
	runID, ok := intFromContent(evt.Content, "runId")
	if !ok {
		return nil
	}
	stepID := evt.String("stepId")

	run, ok := e.GetRun(runID)
	if !ok {
		return nil
	}
	wf, ok := e.registry.Get(run.WorkflowID, run.WorkflowVersion)
	if !ok {
		return nil
	}
	rs, ok := run.Steps[stepID]
	if !ok || rs.State != StepActive {
		return nil
	}
	step, ok := wf.Step(stepID)
	if !ok {
		return nil
	}

	resultText := evt.String("result")
	toolResults := toolResultsFromContent(evt.Content)
	artifacts := artifactsFromContent(evt.Content)

	e.completeActiveStep(run, wf, &step, rs, resultText, toolResults, artifacts, false)
	return nil
}

// handleUserInput implements the wait-for-input gate (spec §4.3
// "Wait-for-input gate").
func (e *Engine) handleUserInput(ctx context.Context, evt *bus.Event) error {
	if evt.Consumed() {
		return nil
	}

	target := e.findWaitingRun(evt.SessionID)
	if target == nil {
		return nil
	}

	wf, ok := e.registry.Get(target.WorkflowID, target.WorkflowVersion)
	if !ok {
		return nil
	}
	step, ready := e.findNextReadyStep(wf, target)
	if !ready || step.Type != registry.StepWaitForInput {
		return nil
	}
	rs := target.Steps[step.ID]

	bound, _ := target.Args["sessionId"].(string)
	if bound == "" {
		target.Args["sessionId"] = evt.SessionID
	} else if bound != evt.SessionID {
		return nil // session-pinned: ignore input from any other session
	}

	text := strings.TrimSpace(extractInputText(evt.Content))
	value := text
	if promptRequestsName(step.Prompt) {
		name, ok := e.nameParser.ParseName(text)
		if !ok {
			e.mustPersist(target)
			evt.MarkConsumed()
			return nil
		}
		value = name
	}

	target.Args[step.ResponseKey] = value
	rs.State = StepCompleted
	rs.Result = value
	rs.CompletedAt = nowMillis()
	target.State = StateRunning
	target.UpdatedAt = nowMillis()
	e.mustPersist(target)
	evt.MarkConsumed()

	e.advance(target, wf)
	return nil
}

// findWaitingRun returns a run in waiting_input state whose sessionId is
// either unbound or matches sessionID (spec §4.3 session-pinning rules).
func (e *Engine) findWaitingRun(sessionID string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, run := range e.runs {
		if run.State != StateWaitingInput {
			continue
		}
		bound, _ := run.Args["sessionId"].(string)
		if bound == "" || bound == sessionID {
			return run
		}
	}
	return nil
}

func extractInputText(content map[string]any) string {
	if text, ok := content["text"].(string); ok {
		return text
	}
	if nested, ok := content["content"].(map[string]any); ok {
		if text, ok := nested["text"].(string); ok {
			return text
		}
	}
	return ""
}

func (e *Engine) mustPersist(run *Run) {
	if err := persistRun(e.storageDir, run); err != nil {
		panic(fmt.Sprintf("persisting run %d: %v", run.ID, err))
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
