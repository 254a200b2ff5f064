package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ccgate/ccgate/pkg/config"
	"github.com/ccgate/ccgate/pkg/utils"
)

const (
	// stream-json lines can carry whole tool results; allow large lines.
	maxScanTokenSize = 1 << 20
	streamBuffer     = 64
	stderrTailLimit  = 2048
)

// ClaudeCLI runs turns by spawning the claude binary in stream-json mode and
// parsing its newline-delimited JSON output.
type ClaudeCLI struct {
	Binary string
	logger *slog.Logger
}

// NewClaudeCLI returns an adapter invoking "claude" from PATH.
func NewClaudeCLI() *ClaudeCLI {
	return &ClaudeCLI{Binary: "claude", logger: utils.GetLogger()}
}

// Stream spawns one engine turn. The returned stream ends with ErrCancelled
// if ctx is cancelled, or *Error if the process fails.
func (c *ClaudeCLI) Stream(ctx context.Context, prompt string, opts Options) (*Stream, error) {
	args, mcpFile, err := c.buildArgs(prompt, opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeIfSet(mcpFile)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		removeIfSet(mcpFile)
		return nil, &Error{Message: "failed to start engine process", Err: err}
	}

	st := NewStream(streamBuffer)

	go func() {
		defer removeIfSet(mcpFile)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			events, ok := c.parseLine(line)
			if !ok {
				continue
			}
			for _, ev := range events {
				if err := st.Emit(ctx, ev); err != nil {
					_ = cmd.Wait()
					st.Finish(ErrCancelled)
					return
				}
			}
		}

		scanErr := scanner.Err()
		if scanErr != nil {
			// The child may be blocked writing into the unread pipe;
			// Wait would deadlock against it.
			_ = cmd.Process.Kill()
		}
		waitErr := cmd.Wait()
		switch {
		case ctx.Err() != nil:
			st.Finish(ErrCancelled)
		case scanErr != nil:
			st.Finish(&Error{Message: "reading engine output", Err: scanErr})
		case waitErr != nil:
			st.Finish(&Error{Message: stderrTail(stderr.Bytes()), Err: waitErr})
		default:
			st.Finish(nil)
		}
	}()

	return st, nil
}

// buildArgs assembles the CLI invocation. When MCP servers are configured, a
// temporary JSON config file is written and its path returned for cleanup.
func (c *ClaudeCLI) buildArgs(prompt string, opts Options) ([]string, string, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" && opts.PermissionMode != config.PermissionDefault {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", opts.SystemPromptSuffix)
	}

	mcpFile := ""
	if len(opts.MCPServers) > 0 {
		path, err := writeMCPConfig(opts.MCPServers)
		if err != nil {
			return nil, "", err
		}
		mcpFile = path
		args = append(args, "--mcp-config", path)
	}

	return args, mcpFile, nil
}

type mcpServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func writeMCPConfig(servers []config.MCPServer) (string, error) {
	specs := map[string]mcpServerSpec{}
	for _, s := range servers {
		specs[s.Name] = mcpServerSpec{Command: s.Command, Args: s.Args, Env: s.Env}
	}
	b, err := json.Marshal(map[string]any{"mcpServers": specs})
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}

	f, err := os.CreateTemp("", "ccgate-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("create mcp config file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write mcp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close mcp config file: %w", err)
	}
	return f.Name(), nil
}

func removeIfSet(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "engine process failed"
	}
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}

// ========== stream-json decoding ==========

type rawLine struct {
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype"`
	SessionID      string          `json:"session_id"`
	Model          string          `json:"model"`
	Cwd            string          `json:"cwd"`
	Tools          []string        `json:"tools"`
	MCPServers     []rawMCPServer  `json:"mcp_servers"`
	PermissionMode string          `json:"permissionMode"`
	Message        *rawInner       `json:"message"`
	TotalCostUSD   float64         `json:"total_cost_usd"`
	DurationMS     int64           `json:"duration_ms"`
	IsError        bool            `json:"is_error"`
	Result         json.RawMessage `json:"result"`
}

type rawMCPServer struct {
	Name string `json:"name"`
}

type rawInner struct {
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// parseLine maps one stream-json line to zero or more normalized events.
// Unknown shapes are dropped with a warning.
func (c *ClaudeCLI) parseLine(line []byte) ([]Event, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		c.logger.Warn("Dropping unparseable engine output line", "error", err)
		return nil, false
	}

	switch raw.Type {
	case "system":
		names := make([]string, 0, len(raw.MCPServers))
		for _, s := range raw.MCPServers {
			names = append(names, s.Name)
		}
		return []Event{{
			Type:            EventSystem,
			Subtype:         raw.Subtype,
			EngineSessionID: raw.SessionID,
			Model:           raw.Model,
			Cwd:             raw.Cwd,
			Tools:           raw.Tools,
			MCPServers:      names,
			PermissionMode:  raw.PermissionMode,
		}}, true

	case "assistant":
		return c.parseAssistant(raw)

	case "user":
		return c.parseUser(raw)

	case "result":
		return []Event{{
			Type:       EventResult,
			Subtype:    raw.Subtype,
			Success:    raw.Subtype == "success",
			ResultText: flattenContent(raw.Result),
			CostUSD:    raw.TotalCostUSD,
			DurationMS: raw.DurationMS,
		}}, true
	}

	c.logger.Warn("Dropping unknown engine event type", "type", raw.Type)
	return nil, false
}

func (c *ClaudeCLI) parseAssistant(raw rawLine) ([]Event, bool) {
	blocks, ok := c.innerBlocks(raw)
	if !ok {
		return nil, false
	}
	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				events = append(events, Event{Type: EventAssistant, Subtype: "text", Text: b.Text})
			}
		case "tool_use":
			events = append(events, Event{
				Type:      EventToolUse,
				ToolName:  b.Name,
				ToolID:    b.ID,
				ToolInput: []byte(b.Input),
			})
		default:
			c.logger.Warn("Dropping unknown assistant block", "blockType", b.Type)
		}
	}
	return events, len(events) > 0
}

// parseUser handles both tool results (delivered as user-role blocks) and
// plain prompt echoes.
func (c *ClaudeCLI) parseUser(raw rawLine) ([]Event, bool) {
	if raw.Message == nil {
		return nil, false
	}

	var text string
	if err := json.Unmarshal(raw.Message.Content, &text); err == nil {
		return []Event{{Type: EventUser, Content: text}}, true
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw.Message.Content, &blocks); err != nil {
		c.logger.Warn("Dropping unparseable user message content", "error", err)
		return nil, false
	}

	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			events = append(events, Event{
				Type:      EventToolResult,
				ToolUseID: b.ToolUseID,
				Content:   flattenContent(b.Content),
				IsError:   b.IsError,
			})
		case "text":
			events = append(events, Event{Type: EventUser, Content: b.Text})
		default:
			c.logger.Warn("Dropping unknown user block", "blockType", b.Type)
		}
	}
	return events, len(events) > 0
}

// innerBlocks decodes a message's content as a block array.
func (c *ClaudeCLI) innerBlocks(raw rawLine) ([]rawBlock, bool) {
	if raw.Message == nil {
		return nil, false
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw.Message.Content, &blocks); err != nil {
		c.logger.Warn("Dropping unparseable message content", "error", err)
		return nil, false
	}
	return blocks, true
}

// flattenContent renders a string-or-block-array payload as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}
