package registry

import (
	"github.com/ferretbot/ferretbot/internal/ferrerrors"
)

// recognizedCheckTypes mirrors the built-in kinds the checks package ships.
// validate does not consult it: a doneWhen entry only needs a non-empty
// type, so check kinds beyond these pass registration (third-party check
// kinds are legal per §4.4).
var recognizedCheckTypes = map[string]bool{
	"contains": true, "not_contains": true, "regex": true,
	"exit_code": true, "command_exit_code": true,
	"file_exists": true, "file_not_exists": true,
	"file_contains": true, "file_regex": true,
	"file_hash_changed": true, "non_empty": true,
}

// validate enforces the registration-time invariants from spec §3.
func validate(w *WorkflowDefinition) error {
	if !idPattern.MatchString(w.ID) {
		return ferrerrors.ValidationError("id", "must match ^[a-z0-9-]+$")
	}
	if w.Version == "" {
		return ferrerrors.ValidationError("version", "required")
	}
	if len(w.Steps) == 0 {
		return ferrerrors.ValidationError("steps", "workflow must declare at least one step")
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return ferrerrors.ValidationError("steps[].id", "required")
		}
		if seen[s.ID] {
			return ferrerrors.ValidationError("steps[].id", "duplicate step id: "+s.ID)
		}
		seen[s.ID] = true
	}

	for _, s := range w.Steps {
		if err := validateStep(w.ID, s, seen); err != nil {
			return err
		}
	}

	if cycle := findCycle(w.Steps); cycle != nil {
		return ferrerrors.CycleDetected(w.ID, cycle)
	}

	return nil
}

func validateStep(workflowID string, s StepDefinition, declared map[string]bool) error {
	for _, dep := range s.DependsOn {
		if !declared[dep] {
			return ferrerrors.ValidationError("steps["+s.ID+"].dependsOn",
				"references undeclared step id: "+dep)
		}
	}

	if len(s.DoneWhen) == 0 {
		return ferrerrors.ValidationError("steps["+s.ID+"].doneWhen", "must be non-empty")
	}
	for _, c := range s.DoneWhen {
		if c.Type == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].doneWhen[].type", "required")
		}
	}

	switch s.Type {
	case StepAgent:
		if s.Instruction == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].instruction", "required for agent steps")
		}
		if len(s.Tools) == 0 {
			return ferrerrors.ValidationError("steps["+s.ID+"].tools", "required for agent steps")
		}
	case StepSystemWriteFile, StepSystemEnsureFile:
		if s.Path == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].path", "required")
		}
		if s.Content == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].content", "required")
		}
	case StepSystemDeleteFile:
		if s.Path == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].path", "required")
		}
		if len(s.Outputs) > 0 {
			return ferrerrors.ValidationError("steps["+s.ID+"].outputs", "forbidden for delete steps")
		}
	case StepWaitForInput:
		if s.Prompt == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].prompt", "required for wait_for_input steps")
		}
		if s.ResponseKey == "" {
			return ferrerrors.ValidationError("steps["+s.ID+"].responseKey", "required for wait_for_input steps")
		}
	default:
		return ferrerrors.ValidationError("steps["+s.ID+"].type", "unrecognized step type: "+string(s.Type))
	}

	if s.OnFail != "" && s.OnFail != OnFailRun && s.OnFail != OnFailBlocked {
		return ferrerrors.ValidationError("steps["+s.ID+"].onFail", "must be fail_run or blocked")
	}
	if s.Retries < 0 {
		return ferrerrors.ValidationError("steps["+s.ID+"].retries", "must be >= 0")
	}

	return nil
}

// findCycle runs a DFS over the dependsOn graph and returns the first cycle
// found as an ordered slice of step ids, or nil if the graph is acyclic.
func findCycle(steps []StepDefinition) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found the cycle; slice the stack from dep's first occurrence.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
				return []string{dep}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
