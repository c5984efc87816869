// Package llm defines the model-service contract used by the
// orchestration loop and the provider adapters that implement it.
package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role tags who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Message is one entry of a conversation history. Exactly one of Text,
// ToolCall, or ToolResult carries the content:
//
//   - user messages carry Text
//   - model messages carry Text or a ToolCall
//   - tool messages carry a ToolResult
type Message struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Time       time.Time   `json:"time"`
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // provider-assigned, when any
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the text output of a tool execution, paired with the
// ToolCall that requested it by Name (and ID when set).
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text, Time: time.Now()}
}

// ModelText builds a model text message.
func ModelText(text string) Message {
	return Message{Role: RoleModel, Text: text, Time: time.Now()}
}

// ModelToolCall builds a model message carrying a tool request.
func ModelToolCall(call ToolCall) Message {
	c := call
	return Message{Role: RoleModel, ToolCall: &c, Time: time.Now()}
}

// ToolOutput builds the tool message answering call.
func ToolOutput(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		ToolResult: &ToolResult{ID: call.ID, Name: call.Name, Content: content},
		Time:       time.Now(),
	}
}

// Schema describes a tool's parameters as a JSON-schema object.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property is a single named parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Map renders the schema in the generic map form some providers expect.
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
	}
	m := map[string]any{
		"type":       s.Type,
		"properties": props,
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	return m
}

// ToolSpec is what the model sees of a tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Mode controls whether the model may call a tool.
type Mode int

const (
	// ModeAuto lets the model choose between text and a tool call.
	ModeAuto Mode = iota
	// ModeAny requires a tool call.
	ModeAny
	// ModeNone forbids tool calls.
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeAny:
		return "any"
	case ModeNone:
		return "none"
	default:
		return "unknown"
	}
}

// Request is one completion call.
type Request struct {
	Model             string
	History           []Message
	Tools             []ToolSpec
	SystemInstruction string
	Mode              Mode
}

// CompletionKind discriminates the Completion sum type.
type CompletionKind int

const (
	KindText CompletionKind = iota
	KindToolRequest
)

func (k CompletionKind) String() string {
	if k == KindToolRequest {
		return "tool_request"
	}
	return "text"
}

// Completion is either a text reply or a tool request. Adapters set Kind
// from the presence of a structured function call in the response;
// FinishReason is informational only.
type Completion struct {
	Kind         CompletionKind
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
}

// TextReply builds a text completion.
func TextReply(text string) *Completion {
	return &Completion{Kind: KindText, Text: text}
}

// ToolRequest builds a tool-request completion.
func ToolRequest(call ToolCall) *Completion {
	c := call
	return &Completion{Kind: KindToolRequest, ToolCall: &c}
}

// IsToolRequest reports whether the model asked for a tool.
func (c *Completion) IsToolRequest() bool {
	return c.Kind == KindToolRequest && c.ToolCall != nil
}

// ErrUpstream matches every model-service failure.
var ErrUpstream = errors.New("model service error")

// UpstreamError reports a failed or unusable model-service response.
type UpstreamError struct {
	Provider   string
	StatusCode int // 0 when the failure was not an HTTP status
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both the cause and ErrUpstream so callers can test
// either with errors.Is.
func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}
