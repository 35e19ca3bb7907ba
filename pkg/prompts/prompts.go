// Package prompts loads and renders the task prompts sent to the agent.
// Built-in prompts can be overridden per project by files in
// <project>/prompts/<kind>.md.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/entrhq/autocoder/pkg/logging"
)

//go:embed templates/*.md
var builtin embed.FS

// Kind names a prompt.
type Kind string

const (
	KindInitializer Kind = "initializer"
	KindCoding      Kind = "coding"
	KindWorker      Kind = "worker"
)

// OverrideDir is the project subdirectory searched for prompt overrides.
const OverrideDir = "prompts"

// Select returns the prompt for a single-process run.
func Select(initialized bool) Kind {
	if initialized {
		return KindCoding
	}
	return KindInitializer
}

// Issue is the tracker issue rendered into the worker prompt.
type Issue struct {
	ID          string
	Identifier  string
	Title       string
	Description string
}

// Data is available to every prompt template.
type Data struct {
	ProjectDir       string
	Worker           string
	CompletionMarker string
	AllowedCommands  []string
	Iteration        int
	Issue            *Issue

	// CheckFeedback describes checks that failed after the previous session.
	CheckFeedback string
}

// Library renders prompts for one project.
type Library struct {
	projectDir string
	log        *logging.Logger
}

// NewLibrary returns a library that prefers overrides in projectDir.
func NewLibrary(projectDir string, log *logging.Logger) *Library {
	return &Library{projectDir: projectDir, log: log.With("prompts")}
}

// Source returns the raw template text for kind and where it came from.
func (l *Library) Source(kind Kind) (text, origin string, err error) {
	name := string(kind) + ".md"
	if l.projectDir != "" {
		path := filepath.Join(l.projectDir, OverrideDir, name)
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			return string(data), path, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", "", fmt.Errorf("failed to read prompt override %s: %w", path, err)
		}
	}

	data, err := builtin.ReadFile("templates/" + name)
	if err != nil {
		return "", "", fmt.Errorf("unknown prompt %q", kind)
	}
	return string(data), "builtin", nil
}

// Render executes the template for kind with data.
func (l *Library) Render(kind Kind, data Data) (string, error) {
	text, origin, err := l.Source(kind)
	if err != nil {
		return "", err
	}
	if kind == KindWorker && data.Issue == nil {
		return "", errors.New("worker prompt needs an issue")
	}

	tmpl, err := template.New(string(kind)).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s prompt (%s): %w", kind, origin, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt (%s): %w", kind, origin, err)
	}

	prompt := buf.String()
	l.log.Debugf("rendered %s prompt from %s (%d bytes)", kind, origin, len(prompt))
	return prompt, nil
}
