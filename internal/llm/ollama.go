package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/nugget/parley/internal/httpkit"
)

// OllamaClient talks to a local Ollama server's /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithLogger(logger)),
		logger:     logger,
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns object, not string
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Complete sends a non-streaming chat request to Ollama. Ollama has no
// forcing knob, so ModeAny behaves like ModeAuto; ModeNone omits tools.
func (c *OllamaClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.SystemInstruction, req.History),
	}
	if req.Mode != ModeNone {
		body.Tools = toOllamaTools(req.Tools)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Provider: "ollama", Message: "request failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &UpstreamError{Provider: "ollama", Message: "decode response", Err: err}
	}

	calls := chatResp.Message.ToolCalls
	if len(calls) == 0 && req.Mode != ModeNone {
		calls = parseTextToolCalls(chatResp.Message.Content, toolNames(req.Tools))
	}

	var out *Completion
	switch {
	case len(calls) > 0:
		out = ToolRequest(ToolCall{
			Name:      calls[0].Function.Name,
			Arguments: calls[0].Function.Arguments,
		})
		// Content that held a text-encoded call is markup, not a reply.
		if len(chatResp.Message.ToolCalls) > 0 {
			out.Text = chatResp.Message.Content
		}
	case strings.TrimSpace(chatResp.Message.Content) != "":
		out = TextReply(chatResp.Message.Content)
	default:
		return nil, &UpstreamError{Provider: "ollama", Message: "empty response"}
	}

	out.FinishReason = chatResp.DoneReason
	out.Provider = "ollama"
	out.Model = chatResp.Model
	out.InputTokens = chatResp.PromptEvalCount
	out.OutputTokens = chatResp.EvalCount
	return out, nil
}

func toOllamaMessages(system string, history []Message) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		switch {
		case m.ToolCall != nil:
			var tc ollamaToolCall
			tc.Function.Name = m.ToolCall.Name
			tc.Function.Arguments = m.ToolCall.Arguments
			msgs = append(msgs, ollamaMessage{Role: "assistant", ToolCalls: []ollamaToolCall{tc}})
		case m.ToolResult != nil:
			msgs = append(msgs, ollamaMessage{
				Role:     "tool",
				Content:  m.ToolResult.Content,
				ToolName: m.ToolResult.Name,
			})
		case m.Role == RoleModel:
			msgs = append(msgs, ollamaMessage{Role: "assistant", Content: m.Text})
		default:
			msgs = append(msgs, ollamaMessage{Role: "user", Content: m.Text})
		}
	}
	return msgs
}

func toOllamaTools(specs []ToolSpec) []map[string]any {
	if len(specs) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters.Map(),
			},
		})
	}
	return out
}

func toolNames(specs []ToolSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// parseTextToolCalls extracts tool calls that small models emit as JSON
// in the content instead of the native tool_calls field:
//   - raw object: {"name": "...", "arguments": {...}}
//   - array: [{"name": "...", "arguments": {...}}]
//   - tagged: <tool_call>...</tool_call>
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var parsed []textCall
	var many []textCall
	var one textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil {
		parsed = many
	} else if err := json.Unmarshal([]byte(content), &one); err == nil {
		parsed = []textCall{one}
	}

	var result []ollamaToolCall
	for _, p := range parsed {
		if p.Name == "" {
			continue
		}
		if len(validTools) > 0 && !slices.Contains(validTools, p.Name) {
			continue
		}
		var tc ollamaToolCall
		tc.Function.Name = p.Name
		tc.Function.Arguments = p.Arguments
		result = append(result, tc)
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
