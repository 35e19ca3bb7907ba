// Package progress persists the minimal loop state that survives a restart.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DirName is the per-project directory holding autocoder state.
const DirName = ".autocoder"

// FileName is the progress file inside DirName.
const FileName = "progress.json"

// CompletionFileName is written inside DirName when the agent reports that the
// whole project is done.
const CompletionFileName = "complete"

// State is the resumable position of an iteration controller.
type State struct {
	LastIterationIndex int       `json:"last_iteration_index"`
	LastStatus         string    `json:"last_status"`
	Timestamp          time.Time `json:"timestamp"`
	// Initialized is set once an iteration has succeeded; it selects the coding
	// prompt over the initializer prompt.
	Initialized bool   `json:"initialized"`
	SessionID   string `json:"session_id,omitempty"`
	Worker      string `json:"worker,omitempty"`
}

// Store loads and saves State.
type Store interface {
	// Load returns nil, nil when no state has been saved yet.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state State) error
}

// PersistenceError reports that progress could not be read or written.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("progress %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// FileStore keeps State as indented JSON in a single file.
// Save writes a temp file in the same directory, syncs it and renames it over the
// target, so a crash leaves either the previous or the new file in place.
type FileStore struct {
	path string
	mu   sync.Mutex

	// beforeRename runs after the temp file is complete; tests use it to
	// simulate a crash between write and rename.
	beforeRename func(tempPath string) error
}

// NewFileStore returns a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// PathFor returns the progress file for projectDir. A non-empty worker gets
// its own file.
func PathFor(projectDir, worker string) string {
	name := FileName
	if worker != "" {
		name = fmt.Sprintf("progress-%s.json", worker)
	}
	return filepath.Join(projectDir, DirName, name)
}

// CompletionPath returns the project-complete signal file for projectDir.
func CompletionPath(projectDir string) string {
	return filepath.Join(projectDir, DirName, CompletionFileName)
}

// DenialsPath returns the gate denial log for projectDir.
func DenialsPath(projectDir string) string {
	return filepath.Join(projectDir, DirName, "denials.jsonl")
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the saved state.
func (s *FileStore) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: fmt.Errorf("failed to decode progress file: %w", err)}
	}
	if state.LastIterationIndex < 0 {
		return nil, &PersistenceError{Op: "load", Path: s.path, Err: fmt.Errorf("invalid last_iteration_index %d", state.LastIterationIndex)}
	}
	return &state, nil
}

// Save atomically replaces the saved state.
func (s *FileStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(state); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

func (s *FileStore) write(state State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create progress directory: %w", err)
	}

	file, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}
	tempPath := file.Name()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tempPath); err != nil {
			os.Remove(tempPath)
			return err
		}
	}

	// Atomic rename
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
	saves int
	// Err, when set, is returned by Save.
	Err error
}

// NewMemoryStore returns a store seeded with initial, which may be nil.
func NewMemoryStore(initial *State) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		copied := *initial
		m.state = &copied
	}
	return m
}

// Load returns a copy of the stored state.
func (m *MemoryStore) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	copied := *m.state
	return &copied, nil
}

// Save stores state unless Err is set.
func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return &PersistenceError{Op: "save", Path: "memory", Err: m.Err}
	}
	m.state = &state
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
