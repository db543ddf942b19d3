package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ferretbot/ferretbot/internal/ferrerrors"
)

func simpleStep(id string, dependsOn ...string) StepDefinition {
	return StepDefinition{
		ID:        id,
		Type:      StepAgent,
		DependsOn: dependsOn,
		Instruction: "do the thing",
		Tools:       []string{"bash"},
		DoneWhen:    []CheckSpec{{Type: "non_empty"}},
	}
}

func TestRegister_DuplicateVersionRejected(t *testing.T) {
	r := New()
	w := WorkflowDefinition{ID: "deploy", Version: "1.0.0", Steps: []StepDefinition{simpleStep("s1")}}

	if err := r.Register(w); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := r.Register(w)
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if ferrerrors.Code(err) != ferrerrors.CodeValidationError {
		t.Errorf("Code = %s, want %s", ferrerrors.Code(err), ferrerrors.CodeValidationError)
	}
}

func TestRegister_RejectsBadID(t *testing.T) {
	r := New()
	w := WorkflowDefinition{ID: "Deploy_Now", Version: "1.0.0", Steps: []StepDefinition{simpleStep("s1")}}
	if err := r.Register(w); err == nil {
		t.Fatal("expected invalid id to be rejected")
	}
}

func TestRegister_RejectsCycle(t *testing.T) {
	r := New()
	w := WorkflowDefinition{
		ID:      "cyclic",
		Version: "1.0.0",
		Steps: []StepDefinition{
			simpleStep("a", "b"),
			simpleStep("b", "a"),
		},
	}
	err := r.Register(w)
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
	if ferrerrors.Code(err) != ferrerrors.CodeValidationError {
		t.Errorf("Code = %s, want %s", ferrerrors.Code(err), ferrerrors.CodeValidationError)
	}
}

func TestRegister_RejectsUndeclaredDependency(t *testing.T) {
	r := New()
	w := WorkflowDefinition{
		ID:      "bad-dep",
		Version: "1.0.0",
		Steps:   []StepDefinition{simpleStep("a", "ghost")},
	}
	if err := r.Register(w); err == nil {
		t.Fatal("expected undeclared dependency to be rejected")
	}
}

func TestRegister_RequiresNonEmptyDoneWhen(t *testing.T) {
	r := New()
	step := simpleStep("a")
	step.DoneWhen = nil
	w := WorkflowDefinition{ID: "no-checks", Version: "1.0.0", Steps: []StepDefinition{step}}
	if err := r.Register(w); err == nil {
		t.Fatal("expected empty doneWhen to be rejected")
	}
}

func TestRegister_SystemStepFieldRequirements(t *testing.T) {
	tests := []struct {
		name    string
		step    StepDefinition
		wantErr bool
	}{
		{
			name: "write_file missing path",
			step: StepDefinition{ID: "w", Type: StepSystemWriteFile, Content: "x", DoneWhen: []CheckSpec{{Type: "non_empty"}}},
			wantErr: true,
		},
		{
			name: "write_file valid",
			step: StepDefinition{ID: "w", Type: StepSystemWriteFile, Path: "out.txt", Content: "x", DoneWhen: []CheckSpec{{Type: "non_empty"}}},
			wantErr: false,
		},
		{
			name: "delete_file with outputs forbidden",
			step: StepDefinition{ID: "d", Type: StepSystemDeleteFile, Path: "out.txt", Outputs: []string{"out.txt"}, DoneWhen: []CheckSpec{{Type: "non_empty"}}},
			wantErr: true,
		},
		{
			name: "wait_for_input missing responseKey",
			step: StepDefinition{ID: "wait", Type: StepWaitForInput, Prompt: "name?", DoneWhen: []CheckSpec{{Type: "non_empty"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			w := WorkflowDefinition{ID: "wf", Version: "1.0.0", Steps: []StepDefinition{tt.step}}
			err := r.Register(w)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGet_NoVersionReturnsHighestSemver(t *testing.T) {
	r := New()
	versions := []string{"1.0.0", "2.1.0", "1.9.9", "2.0.0-rc1", "2.0.0"}
	for _, v := range versions {
		w := WorkflowDefinition{ID: "deploy", Version: v, Steps: []StepDefinition{simpleStep("s1")}}
		if err := r.Register(w); err != nil {
			t.Fatalf("Register(%s) failed: %v", v, err)
		}
	}

	got, ok := r.Get("deploy", "")
	if !ok {
		t.Fatal("expected workflow to be found")
	}
	if got.Version != "2.1.0" {
		t.Errorf("Get() version = %s, want 2.1.0", got.Version)
	}
}

func TestGet_PrereleaseOutrankedByRelease(t *testing.T) {
	r := New()
	for _, v := range []string{"1.0.0-rc1", "1.0.0"} {
		if err := r.Register(WorkflowDefinition{ID: "wf", Version: v, Steps: []StepDefinition{simpleStep("s1")}}); err != nil {
			t.Fatalf("Register(%s) failed: %v", v, err)
		}
	}
	got, _ := r.Get("wf", "")
	if got.Version != "1.0.0" {
		t.Errorf("Get() version = %s, want 1.0.0 (release outranks prerelease)", got.Version)
	}
}

func TestGet_SpecificVersion(t *testing.T) {
	r := New()
	r.Register(WorkflowDefinition{ID: "wf", Version: "1.0.0", Steps: []StepDefinition{simpleStep("s1")}})
	r.Register(WorkflowDefinition{ID: "wf", Version: "2.0.0", Steps: []StepDefinition{simpleStep("s1")}})

	got, ok := r.Get("wf", "1.0.0")
	if !ok || got.Version != "1.0.0" {
		t.Errorf("Get(wf, 1.0.0) = %+v, %v", got, ok)
	}
}

func TestHas(t *testing.T) {
	r := New()
	if r.Has("wf") {
		t.Fatal("Has() should be false before registration")
	}
	r.Register(WorkflowDefinition{ID: "wf", Version: "1.0.0", Steps: []StepDefinition{simpleStep("s1")}})
	if !r.Has("wf") {
		t.Fatal("Has() should be true after registration")
	}
}

func TestList(t *testing.T) {
	r := New()
	r.Register(WorkflowDefinition{ID: "a", Version: "1.0.0", Name: "A", Steps: []StepDefinition{simpleStep("s1")}})
	r.Register(WorkflowDefinition{ID: "b", Version: "1.0.0", Name: "B", Steps: []StepDefinition{simpleStep("s1")}})

	summaries := r.List()
	if len(summaries) != 2 {
		t.Fatalf("List() returned %d summaries, want 2", len(summaries))
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	wfDir := filepath.Join(dir, "deploy")
	if err := os.MkdirAll(wfDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	content := `
id: deploy
version: 1.0.0
name: Deploy
steps:
  - id: s1
    type: agent
    instruction: do it
    tools: [bash]
    doneWhen:
      - type: non_empty
`
	if err := os.WriteFile(filepath.Join(wfDir, "workflow.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := New()
	if err := r.LoadAll(dir); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	w, ok := r.Get("deploy", "")
	if !ok {
		t.Fatal("expected deploy workflow to be registered")
	}
	if w.Dir != wfDir {
		t.Errorf("Dir = %s, want %s", w.Dir, wfDir)
	}
}

func TestLoadAll_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	content := `
id: deploy
version: 1.0.0
bogusField: true
steps:
  - id: s1
    type: agent
    instruction: do it
    tools: [bash]
    doneWhen:
      - type: non_empty
`
	if err := os.WriteFile(filepath.Join(dir, "workflow.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := New()
	if err := r.LoadAll(dir); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestCompareVersions_FallsBackToStringCompare(t *testing.T) {
	if c := compareVersions("foo", "bar"); c <= 0 {
		t.Errorf("compareVersions(foo, bar) = %d, want > 0", c)
	}
}
