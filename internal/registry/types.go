// Package registry owns immutable workflow definitions keyed by (id, version)
// (spec §4.2) and the workflow/step schema they're built from (spec §3).
package registry

// StepType enumerates the recognized workflow step kinds.
type StepType string

const (
	StepAgent            StepType = "agent"
	StepWaitForInput     StepType = "wait_for_input"
	StepSystemWriteFile  StepType = "system_write_file"
	StepSystemDeleteFile StepType = "system_delete_file"
	StepSystemEnsureFile StepType = "system_ensure_file"
)

// IsSystem reports whether t is one of the inline system-effect step kinds
// the engine executes itself rather than delegating to the bus (spec §4.3
// "Advance").
func (t StepType) IsSystem() bool {
	switch t {
	case StepSystemWriteFile, StepSystemDeleteFile, StepSystemEnsureFile:
		return true
	}
	return false
}

// OnFail enumerates what happens to a run when a step exhausts retries.
type OnFail string

const (
	OnFailRun     OnFail = "fail_run"
	OnFailBlocked OnFail = "blocked"
)

// InputType enumerates the scalar types a workflow input may declare.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
)

// InputDef describes one workflow-level input parameter.
type InputDef struct {
	Name     string    `yaml:"name" json:"name"`
	Type     InputType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Default  any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// CheckSpec describes one success-check descriptor (spec §4.4). Fields not
// relevant to a given Type are left zero; the evaluator ignores them.
type CheckSpec struct {
	Type         string `yaml:"type" json:"type"`
	Text         string `yaml:"text,omitempty" json:"text,omitempty"`
	Pattern      string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Expected     *int   `yaml:"expected,omitempty" json:"expected,omitempty"`
	Path         string `yaml:"path,omitempty" json:"path,omitempty"`
	PreviousHash string `yaml:"previousHash,omitempty" json:"previousHash,omitempty"`
}

// StepDefinition is one immutable step within a registered workflow.
type StepDefinition struct {
	ID           string      `yaml:"id" json:"id"`
	Type         StepType    `yaml:"type" json:"type"`
	Instruction  string      `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Tools        []string    `yaml:"tools,omitempty" json:"tools,omitempty"`
	LoadSkills   []string    `yaml:"loadSkills,omitempty" json:"loadSkills,omitempty"`
	DependsOn    []string    `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	DoneWhen     []CheckSpec `yaml:"doneWhen" json:"doneWhen"`
	Outputs      []string    `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	OnFail       OnFail      `yaml:"onFail,omitempty" json:"onFail,omitempty"`
	Retries      int         `yaml:"retries,omitempty" json:"retries,omitempty"`
	Approval     bool        `yaml:"approval,omitempty" json:"approval,omitempty"`

	// System-step fields.
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Mode    string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// wait_for_input fields.
	Prompt      string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	ResponseKey string `yaml:"responseKey,omitempty" json:"responseKey,omitempty"`
}

// WorkflowDefinition is an immutable, registered workflow (spec §3).
type WorkflowDefinition struct {
	ID          string           `yaml:"id" json:"id"`
	Version     string           `yaml:"version" json:"version"`
	Name        string           `yaml:"name,omitempty" json:"name,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []InputDef       `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`

	// Dir is the directory workflow.yaml was loaded from; used to resolve
	// relative skill and system-step file paths.
	Dir string `yaml:"-" json:"dir,omitempty"`
}

// Step looks up a step by id, returning (step, true) if found.
func (w *WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Summary is the list()-shaped projection of a workflow definition (spec §4.2).
type Summary struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}
