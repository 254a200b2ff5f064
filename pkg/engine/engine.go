// Package engine wraps the external code-assistant behind a uniform
// streaming interface. Implementations map the underlying engine's output
// into the tagged Event set below.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ccgate/ccgate/pkg/config"
)

// ErrCancelled is surfaced by Stream.Err when the turn was aborted via the
// context.
var ErrCancelled = errors.New("turn cancelled")

// Error reports a failure of the underlying engine call.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine failure: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("engine failure: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures one streaming turn.
type Options struct {
	// ResumeToken continues a prior conversation; empty starts fresh.
	ResumeToken        string
	Model              string
	MaxTurns           int
	Cwd                string
	AllowedTools       []string
	SystemPromptSuffix string
	PermissionMode     string
	MCPServers         []config.MCPServer
}

// EventType tags one normalized engine event.
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventUser       EventType = "user"
)

// Event is one normalized engine event. Which fields are meaningful depends
// on Type.
type Event struct {
	Type    EventType
	Subtype string

	// system{init}
	EngineSessionID string
	Model           string
	Cwd             string
	Tools           []string
	MCPServers      []string
	PermissionMode  string

	// assistant
	Text string

	// tool_use
	ToolName  string
	ToolID    string
	ToolInput []byte

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool

	// result (exactly one, terminal)
	Success    bool
	ResultText string
	CostUSD    float64
	DurationMS int64
}

// Stream is one in-flight turn. Events is closed when the turn ends; Err is
// valid only after that and is nil, ErrCancelled, or *Error.
type Stream struct {
	events chan Event
	err    error
	done   chan struct{}
}

// NewStream creates a stream for an implementation to emit into.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events yields the turn's events in order. The channel is closed on
// completion, cancellation, or failure.
func (s *Stream) Events() <-chan Event { return s.events }

// Err reports how the stream ended. It must only be called after Events has
// been drained.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Emit delivers one event, giving up when ctx ends.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish closes the stream. err must be nil, ErrCancelled, or *Error.
// Must be called exactly once by the producing side.
func (s *Stream) Finish(err error) {
	s.err = err
	close(s.events)
	close(s.done)
}

// Engine starts streaming turns. Implementations must honor ctx cancellation
// promptly and must not retry silently.
type Engine interface {
	Stream(ctx context.Context, prompt string, opts Options) (*Stream, error)
}
