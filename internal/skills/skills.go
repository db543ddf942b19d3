// Package skills implements the SkillLoader collaborator (spec §6): reading
// named skill content bundles out of a workflow directory so a step can pull
// reusable instructions into its context without inlining them in the
// workflow definition.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManifestName is the skill content file read from each skill's directory.
const ManifestName = "SKILL.md"

// Entry is one successfully loaded skill.
type Entry struct {
	Name    string
	Content string
}

// Result is the outcome of loadSkillsForStep.
type Result struct {
	Entries []Entry
	Missing []string
	Text    string
}

// Loader reads skill content from a workflow's skills directory.
type Loader struct{}

// NewLoader returns a Loader. It carries no state: every call is scoped to
// the workflowDir passed to LoadSkillsForStep.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadSkillsForStep reads each named skill's SKILL.md from
// <workflowDir>/skills/<name>/SKILL.md, truncating each to
// maxSkillContentChars when positive. Names with no matching file are
// reported in Missing rather than failing the call. Text concatenates the
// loaded entries in request order, each prefixed per spec §4.5.
func (l *Loader) LoadSkillsForStep(workflowDir string, skillNames []string, maxSkillContentChars int) (Result, error) {
	var result Result
	var sb strings.Builder

	for _, name := range skillNames {
		path := filepath.Join(workflowDir, "skills", name, ManifestName)
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				result.Missing = append(result.Missing, name)
				continue
			}
			return Result{}, fmt.Errorf("skills: read %s: %w", path, err)
		}
		text := string(content)
		if maxSkillContentChars > 0 && len(text) > maxSkillContentChars {
			text = text[:maxSkillContentChars] + "..."
		}
		result.Entries = append(result.Entries, Entry{Name: name, Content: text})

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Skill content: ")
		sb.WriteString(name)
		sb.WriteString("\n")
		sb.WriteString(text)
	}

	result.Text = sb.String()
	return result, nil
}
