package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ferretbot/ferretbot/internal/bus"
	"github.com/ferretbot/ferretbot/internal/checks"
	"github.com/ferretbot/ferretbot/internal/registry"
)

// fakeWorkspace is an in-memory Workspace for tests; it never touches disk.
type fakeWorkspace struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{files: make(map[string]string)}
}

func (w *fakeWorkspace) WriteTextFile(path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = content
	return nil
}

func (w *fakeWorkspace) EnsureTextFile(path, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		w.files[path] = content
	}
	return nil
}

func (w *fakeWorkspace) RemovePath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.files, path)
	return nil
}

func (w *fakeWorkspace) Exists(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[path]
	return ok
}

func (w *fakeWorkspace) ReadTextFile(path string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	content, ok := w.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func newTestEngine(t *testing.T) (*Engine, *bus.Bus, *registry.Registry, *fakeWorkspace) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	reg := registry.New()
	ws := newFakeWorkspace()
	e := NewEngine(b, reg, checks.NewEvaluator(), ws, t.TempDir(), logger)
	t.Cleanup(e.Close)
	return e, b, reg, ws
}

// collector subscribes to every bus event and records them in arrival order.
type collector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func newCollector(b *bus.Bus) *collector {
	c := &collector{}
	b.Subscribe(bus.Wildcard, func(ctx context.Context, evt *bus.Event) error {
		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
		return nil
	})
	return c
}

func (c *collector) typesOf() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *collector) waitFor(t *testing.T, evtType string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := 0
		for _, e := range c.events {
			if e.Type == evtType {
				count++
			}
		}
		c.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d occurrences of %s", n, evtType)
}

func agentStep(id string, retries int, dependsOn ...string) registry.StepDefinition {
	return registry.StepDefinition{
		ID:          id,
		Type:        registry.StepAgent,
		Instruction: "do work",
		Tools:       []string{"bash"},
		DependsOn:   dependsOn,
		DoneWhen:    []registry.CheckSpec{{Type: "contains", Text: "SUCCESS"}},
		Retries:     retries,
	}
}

func TestScenario1_TwoStepDAGCompletion(t *testing.T) {
	e, b, reg, _ := newTestEngine(t)
	c := newCollector(b)

	wf := registry.WorkflowDefinition{
		ID:      "test-wf",
		Version: "1.0.0",
		Steps: []registry.StepDefinition{
			{ID: "s1", Type: registry.StepAgent, Instruction: "x", Tools: []string{"bash"}, DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
			{ID: "s2", Type: registry.StepAgent, Instruction: "y", Tools: []string{"bash"}, DependsOn: []string{"s1"}, DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
		},
	}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := e.StartRun("test-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s1", "result": "done 1",
	}})
	c.waitFor(t, "workflow:step:start", 2)

	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s2", "result": "done 2",
	}})
	c.waitFor(t, "workflow:run:complete", 1)

	got, _ := e.GetRun(run.ID)
	if got.State != StateCompleted {
		t.Errorf("run state = %s, want completed", got.State)
	}

	types := c.typesOf()
	if countOccurrences(types, "workflow:run:queued") != 1 {
		t.Errorf("expected exactly one workflow:run:queued, got %v", types)
	}
	if countOccurrences(types, "workflow:step:start") != 2 {
		t.Errorf("expected exactly two workflow:step:start, got %v", types)
	}
}

func countOccurrences(items []string, target string) int {
	n := 0
	for _, it := range items {
		if it == target {
			n++
		}
	}
	return n
}

func TestScenario2_RetryThenFail(t *testing.T) {
	e, b, reg, _ := newTestEngine(t)
	c := newCollector(b)

	wf := registry.WorkflowDefinition{
		ID:      "retry-wf",
		Version: "1.0.0",
		Steps:   []registry.StepDefinition{agentStep("s1", 1)},
	}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := e.StartRun("retry-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s1", "result": "FAILURE",
	}})
	c.waitFor(t, "workflow:step:start", 2)

	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s1", "result": "FAILURE again",
	}})
	c.waitFor(t, "workflow:run:complete", 1)

	got, _ := e.GetRun(run.ID)
	if got.State != StateFailed {
		t.Errorf("run state = %s, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Code != "check_failed" {
		t.Errorf("failure = %+v, want check_failed", got.Failure)
	}
}

func TestScenario3_NoProgressDetection(t *testing.T) {
	e, b, reg, _ := newTestEngine(t)

	wf := registry.WorkflowDefinition{
		ID:      "stuck-wf",
		Version: "1.0.0",
		Steps:   []registry.StepDefinition{agentStep("s1", 5)},
	}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := e.StartRun("stuck-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s1", "result": "IDENTICAL_FAILURE",
	}})
	b.EmitAndWait(context.Background(), bus.EmitInput{Type: "workflow:step:complete", Content: map[string]any{
		"runId": run.ID, "stepId": "s1", "result": "IDENTICAL_FAILURE",
	}})

	got, _ := e.GetRun(run.ID)
	if got.State != StateBlocked {
		t.Errorf("run state = %s, want blocked", got.State)
	}
	if got.Failure == nil || got.Failure.Code != "no_progress" {
		t.Errorf("failure = %+v, want no_progress", got.Failure)
	}
}

func TestScenario4_SystemStepSideEffectAndUndo(t *testing.T) {
	e, _, reg, ws := newTestEngine(t)

	wf := registry.WorkflowDefinition{
		ID:      "fs-wf",
		Version: "1.0.0",
		Steps: []registry.StepDefinition{
			{ID: "write", Type: registry.StepSystemWriteFile, Path: "out.txt", Content: "hello", DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
			{ID: "delete", Type: registry.StepSystemDeleteFile, Path: "out.txt", DependsOn: []string{"write"}, DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
		},
	}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := e.StartRun("fs-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if ws.Exists("out.txt") {
		t.Error("expected out.txt to be deleted by the second step")
	}
	if run.State != StateCompleted {
		t.Errorf("run state = %s, want completed", run.State)
	}
	for _, id := range []string{"write", "delete"} {
		if run.Steps[id].State != StepCompleted {
			t.Errorf("step %s state = %s, want completed", id, run.Steps[id].State)
		}
	}
}

func TestScenario5_WaitForInputBinding(t *testing.T) {
	e, b, reg, ws := newTestEngine(t)

	wf := registry.WorkflowDefinition{
		ID:      "wait-wf",
		Version: "1.0.0",
		Steps: []registry.StepDefinition{
			{ID: "ask", Type: registry.StepWaitForInput, Prompt: "What is your name?", ResponseKey: "user_name", DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
			{ID: "write", Type: registry.StepSystemWriteFile, Path: "name.txt", Content: "{{ args.user_name }}", DependsOn: []string{"ask"}, DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
		},
	}
	if err := reg.Register(wf); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run, err := e.StartRun("wait-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.State != StateWaitingInput {
		t.Fatalf("run state = %s, want waiting_input", run.State)
	}

	b.EmitAndWait(context.Background(), bus.EmitInput{
		Type: "user:input", SessionID: "s1",
		Content: map[string]any{"text": "hello"},
	})

	got, _ := e.GetRun(run.ID)
	if got.State != StateWaitingInput {
		t.Errorf("run state after non-name input = %s, want still waiting_input", got.State)
	}
	if got.Args["sessionId"] != "s1" {
		t.Errorf("sessionId = %v, want bound to s1", got.Args["sessionId"])
	}

	b.EmitAndWait(context.Background(), bus.EmitInput{
		Type: "user:input", SessionID: "s1",
		Content: map[string]any{"text": "Morgan"},
	})

	got, _ = e.GetRun(run.ID)
	if got.State != StateCompleted {
		t.Fatalf("run state = %s, want completed", got.State)
	}
	content, err := ws.ReadTextFile("name.txt")
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if content != "Morgan" {
		t.Errorf("name.txt content = %q, want %q", content, "Morgan")
	}
}

func TestCancelRun(t *testing.T) {
	e, _, reg, _ := newTestEngine(t)
	wf := registry.WorkflowDefinition{
		ID:      "cancel-wf",
		Version: "1.0.0",
		Steps:   []registry.StepDefinition{agentStep("s1", 0)},
	}
	reg.Register(wf)
	run, _ := e.StartRun("cancel-wf", "", nil)

	if err := e.CancelRun(run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	got, _ := e.GetRun(run.ID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
}

func TestApprovalGate(t *testing.T) {
	e, b, reg, _ := newTestEngine(t)
	c := newCollector(b)

	wf := registry.WorkflowDefinition{
		ID:      "approve-wf",
		Version: "1.0.0",
		Steps: []registry.StepDefinition{
			{ID: "s1", Type: registry.StepAgent, Instruction: "x", Tools: []string{"bash"}, Approval: true, DoneWhen: []registry.CheckSpec{{Type: "non_empty"}}},
		},
	}
	reg.Register(wf)

	run, err := e.StartRun("approve-wf", "", nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.State != StateWaitingApproval {
		t.Fatalf("state = %s, want waiting_approval", run.State)
	}

	if err := e.ResumeRun(run.ID); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	c.waitFor(t, "workflow:step:start", 1)

	got, _ := e.GetRun(run.ID)
	if got.State != StateRunning {
		t.Errorf("state after resume = %s, want running", got.State)
	}
}

func TestPersistence_WritesRunJSON(t *testing.T) {
	e, _, reg, _ := newTestEngine(t)
	wf := registry.WorkflowDefinition{
		ID:      "persist-wf",
		Version: "1.0.0",
		Steps:   []registry.StepDefinition{agentStep("s1", 0)},
	}
	reg.Register(wf)
	run, _ := e.StartRun("persist-wf", "", nil)

	path := runPath(e.storageDir, run.ID)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected run file to exist: %v", err)
	}
}
