// Package config loads the gateway configuration from the environment,
// plus an optional YAML file naming MCP servers to expose to the engine.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Permission modes accepted by the engine.
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionBypassPermissions = "bypassPermissions"
	PermissionPlan              = "plan"
)

// Config is the effective gateway configuration. All values come from the
// environment; unset variables fall back to the defaults below.
type Config struct {
	ServerPort     int    `env:"SERVER_PORT,default=8080"`
	Model          string `env:"MODEL,default=sonnet"`
	MaxTurns       int    `env:"MAX_TURNS,default=100"`
	Cwd            string `env:"CWD"`
	PermissionMode string `env:"PERMISSION_MODE,default=default"`
	DBPath         string `env:"DB_PATH,default=./data/ccsdk.db"`
	IdleGraceMS    int    `env:"IDLE_GRACE_MS,default=60000"`
	WSIdleTimeoutS int    `env:"WS_IDLE_TIMEOUT_S,default=120"`
	QueueCapacity  int    `env:"QUEUE_CAPACITY,default=8"`
	MCPConfigPath  string `env:"MCP_CONFIG"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Cwd = wd
	}

	switch cfg.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypassPermissions, PermissionPlan:
	default:
		return nil, fmt.Errorf("invalid PERMISSION_MODE %q", cfg.PermissionMode)
	}

	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("invalid SERVER_PORT %d", cfg.ServerPort)
	}
	if cfg.MaxTurns < 1 {
		return nil, fmt.Errorf("invalid MAX_TURNS %d", cfg.MaxTurns)
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}

	return cfg, nil
}

// IdleGrace is the hub reclamation grace period.
func (c *Config) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceMS) * time.Millisecond
}

// WSIdleTimeout is the WebSocket read idle timeout.
func (c *Config) WSIdleTimeout() time.Duration {
	return time.Duration(c.WSIdleTimeoutS) * time.Second
}

// MCPServer describes one MCP server definition from the config file.
type MCPServer struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

type mcpFile struct {
	Servers []MCPServer `yaml:"servers"`
}

// DefaultMCPPath returns the default MCP servers file location
// (~/.ccgate/mcp.yaml).
func DefaultMCPPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home dir: %w", err)
	}
	return filepath.Join(home, ".ccgate", "mcp.yaml"), nil
}

// LoadMCPServers reads the MCP servers file at path (or the default location
// when path is empty). A missing file is not an error and yields no servers.
func LoadMCPServers(path string) ([]MCPServer, error) {
	if path == "" {
		p, err := DefaultMCPPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}

	var f mcpFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}

	for i, s := range f.Servers {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("mcp config %s: server %d missing name or command", path, i)
		}
	}

	return f.Servers, nil
}
