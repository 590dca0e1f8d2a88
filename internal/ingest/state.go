package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State tracks which file contents were already ingested so reruns only
// upload changed files.
type State struct {
	LastRunAt      time.Time         `json:"last_run_at"`
	Files          map[string]string `json:"files"` // relative path -> content hash
	ChunksUploaded int               `json:"chunks_uploaded"`
	Errors         []string          `json:"errors,omitempty"`

	path string // not serialized
}

// LoadState loads the state file at path, or returns an empty state if it
// does not exist. An empty path gives a state that is never saved.
func LoadState(path string) (*State, error) {
	s := &State{Files: make(map[string]string), path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	return s, nil
}

// Save persists the state to disk.
func (s *State) Save() error {
	s.LastRunAt = time.Now().UTC()
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

// IsCurrent reports whether path was ingested with exactly this content.
func (s *State) IsCurrent(path, hash string) bool {
	return s.Files[path] == hash
}

func (s *State) MarkIngested(path, hash string, chunks int) {
	s.Files[path] = hash
	s.ChunksUploaded += chunks
}

func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}
