package session

import (
	"encoding/json"
	"fmt"
	"os"
)

// LinearMCPURL is the hosted Linear MCP endpoint.
const LinearMCPURL = "https://mcp.linear.app/mcp"

// MCPServerConfig describes one MCP server the agent runtime may start or call.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// MCPConfig is the --mcp-config document.
type MCPConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// MCPOptions selects the servers to configure.
type MCPOptions struct {
	LinearAPIKey string
	// Browser enables the puppeteer server.
	Browser bool
	// SelfCommand, when set, runs the autocoder MCP server: program then args.
	SelfCommand []string
}

// BuildMCPConfig assembles the server map.
func BuildMCPConfig(opts MCPOptions) MCPConfig {
	config := MCPConfig{MCPServers: make(map[string]MCPServerConfig)}

	if opts.Browser {
		config.MCPServers["puppeteer"] = MCPServerConfig{
			Command: "npx",
			Args:    []string{"puppeteer-mcp-server"},
		}
	}

	if opts.LinearAPIKey != "" {
		config.MCPServers["linear"] = MCPServerConfig{
			Type: "http",
			URL:  LinearMCPURL,
			Headers: map[string]string{
				"Authorization": "Bearer " + opts.LinearAPIKey,
			},
		}
	}

	if len(opts.SelfCommand) > 0 {
		config.MCPServers["autocoder"] = MCPServerConfig{
			Command: opts.SelfCommand[0],
			Args:    opts.SelfCommand[1:],
		}
	}

	return config
}

// JSON renders the config for the command line.
func (c MCPConfig) JSON() (string, error) {
	blob, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal MCP config: %w", err)
	}
	return string(blob), nil
}

// WriteMCPConfig writes c to a private temp file outside the project and
// returns its path. The config carries the Linear key, so it never goes on a
// command line. The caller removes the file.
func WriteMCPConfig(c MCPConfig) (string, error) {
	blob, err := c.JSON()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "autocoder-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create MCP config: %w", err)
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to restrict MCP config: %w", err)
	}
	if _, err := f.WriteString(blob); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	return f.Name(), nil
}
