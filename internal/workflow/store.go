package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// persist writes run atomically to <storageDir>/run-<id>.json: it writes to
// a temp file in the same directory and renames over the target, so a
// reader never observes a partial write. Storage directory creation is
// lazy and idempotent.
func persistRun(storageDir string, run *Run) error {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run %d: %w", run.ID, err)
	}

	target := runPath(storageDir, run.ID)
	tmp, err := os.CreateTemp(storageDir, fmt.Sprintf(".run-%d-*.tmp", run.ID))
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing run %d: %w", run.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming run %d into place: %w", run.ID, err)
	}
	return nil
}

func runPath(storageDir string, id int) string {
	return filepath.Join(storageDir, fmt.Sprintf("run-%d.json", id))
}

// loadPersistedRuns reads every run-<id>.json under storageDir. In a run
// loaded in the running state, any step left active by a prior process
// reverts to pending so the run's next advance() can reactivate it. Neither
// this function nor NewEngine calls advance on the loaded runs.
func loadPersistedRuns(storageDir string) (map[int]*Run, error) {
	runs := make(map[int]*Run)

	entries, err := os.ReadDir(storageDir)
	if os.IsNotExist(err) {
		return runs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading storage dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(storageDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		resetCrashedRun(&run)
		runs[run.ID] = &run
	}
	return runs, nil
}

func resetCrashedRun(run *Run) {
	if run.State != StateRunning {
		return
	}
	for _, rs := range run.Steps {
		if rs.State == StepActive {
			rs.State = StepPending
			rs.StartedAt = 0
		}
	}
}

// nextAvailableID returns the highest persisted run id plus one, so a
// restarted engine never reissues an id already on disk.
func nextAvailableID(runs map[int]*Run) int {
	ids := make([]int, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		return 1
	}
	return ids[len(ids)-1] + 1
}
