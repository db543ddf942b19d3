package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ferretbot/ferretbot/internal/ferrerrors"
)

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Registry is the immutable store of workflow definitions keyed by
// (id, version) (spec §4.2). Treat it as an explicit, dependency-injected
// object; never read at module load time (spec §9).
type Registry struct {
	mu   sync.RWMutex
	byID map[string]map[string]*WorkflowDefinition // id -> version -> def
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]map[string]*WorkflowDefinition)}
}

// Register validates and adds a workflow definition. Registration fails on
// duplicate (id, version) or any violated invariant from spec §3.
func (r *Registry) Register(w WorkflowDefinition) error {
	if err := validate(&w); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.byID[w.ID]
	if !ok {
		versions = make(map[string]*WorkflowDefinition)
		r.byID[w.ID] = versions
	}
	if _, exists := versions[w.Version]; exists {
		return ferrerrors.DuplicateDefinition(w.ID, w.Version)
	}

	cp := w
	versions[w.Version] = &cp
	return nil
}

// Get returns the workflow with the given id. If version is empty, the
// highest version by semver comparison is returned (spec §4.2).
func (r *Registry) Get(id, version string) (*WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.byID[id]
	if !ok || len(versions) == 0 {
		return nil, false
	}

	if version != "" {
		w, ok := versions[version]
		return w, ok
	}

	var best *WorkflowDefinition
	for _, w := range versions {
		if best == nil || compareVersions(w.Version, best.Version) > 0 {
			best = w
		}
	}
	return best, best != nil
}

// Has reports whether any version of id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byID[id]
	return ok && len(versions) > 0
}

// List returns a summary of every registered workflow version.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Summary
	for _, versions := range r.byID {
		for _, w := range versions {
			out = append(out, Summary{
				ID:          w.ID,
				Version:     w.Version,
				Name:        w.Name,
				Description: w.Description,
			})
		}
	}
	return out
}

// LoadAll walks baseDir for workflow.yaml files and registers each one,
// setting Dir to the file's containing directory.
func (r *Registry) LoadAll(baseDir string) error {
	return filepath.WalkDir(baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path) != "workflow.yaml" {
			return nil
		}

		w, err := loadWorkflowFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		return r.Register(*w)
	})
}

func loadWorkflowFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var w WorkflowDefinition
	if err := dec.Decode(&w); err != nil {
		return nil, ferrerrors.Wrap(ferrerrors.CodeValidationError, "failed to parse workflow.yaml", err)
	}
	w.Dir = filepath.Dir(path)
	return &w, nil
}
