package gate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultDeniedPaths are project-relative patterns the agent may never write.
var DefaultDeniedPaths = []string{
	".git/**",
	".env",
	"**/.env",
	".autocoder/**",
	".claude_settings.json",
	"autocoder.yaml",
	"prompts/**",
}

// PathGuard restricts file-writing tools to the project directory.
// Denied patterns take precedence over allowed ones; with no allowed patterns
// every path inside the project is allowed.
type PathGuard struct {
	root    string
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewPathGuard compiles the glob patterns. Patterns use '/' as separator and are
// matched against paths relative to root.
func NewPathGuard(root string, allowed, denied []string) (*PathGuard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	g := &PathGuard{root: filepath.Clean(abs)}
	for _, pattern := range allowed {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		g.allowed = append(g.allowed, compiled)
	}
	for _, pattern := range denied {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern '%s': %w", pattern, err)
		}
		g.denied = append(g.denied, compiled)
	}
	return g, nil
}

// Check decides whether p may be written. Relative paths are resolved against
// the project root.
func (g *PathGuard) Check(p string) Decision {
	if strings.TrimSpace(p) == "" {
		return Deny("empty path", "")
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Deny("outside project directory", p)
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range g.denied {
		if pattern.Match(rel) {
			return Deny("protected path", rel)
		}
	}

	if len(g.allowed) == 0 {
		return Allow(rel)
	}
	for _, pattern := range g.allowed {
		if pattern.Match(rel) {
			return Allow(rel)
		}
	}
	return Deny("path not allowed", rel)
}
