package gate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Denial is one rejected tool call.
type Denial struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Tool      string    `json:"tool"`
	Input     string    `json:"input,omitempty"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
}

// DenialLog is an append-only JSON lines file shared by the hook process and
// the session runner.
type DenialLog struct {
	path string
	mu   sync.Mutex
}

// NewDenialLog returns a log stored at path.
func NewDenialLog(path string) *DenialLog {
	return &DenialLog{path: path}
}

// Path returns the log location.
func (l *DenialLog) Path() string {
	return l.path
}

// Append writes d as one line. Each line is written with a single write call
// on an O_APPEND descriptor so concurrent hook processes do not interleave.
func (l *DenialLog) Append(d Denial) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return fmt.Errorf("failed to create denial log directory: %w", err)
	}

	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode denial: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open denial log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write denial log: %w", err)
	}
	return f.Close()
}

// Since returns denials recorded at or after t. A missing log yields none.
// Lines that do not decode are skipped.
func (l *DenialLog) Since(t time.Time) ([]Denial, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open denial log: %w", err)
	}
	defer f.Close()

	var denials []Denial
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var d Denial
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			continue
		}
		if !d.Time.Before(t) {
			denials = append(denials, d)
		}
	}
	if err := scanner.Err(); err != nil {
		return denials, fmt.Errorf("failed to read denial log: %w", err)
	}
	return denials, nil
}
