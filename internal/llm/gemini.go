package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient is a Client backed by the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// GeminiOptions configures NewGeminiClient.
type GeminiOptions struct {
	APIKey     string
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL string
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, opts GeminiOptions, logger *slog.Logger) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger}, nil
}

// Complete sends one generateContent call. A response carrying a
// functionCall part is a tool request; otherwise its text is the reply.
func (c *GeminiClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(req.Tools)}}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: geminiMode(req.Mode)},
		}
	}

	contents := toGeminiContents(req.History)
	c.logger.Log(ctx, LevelTrace, "gemini request",
		"model", req.Model,
		"contents", len(contents),
		"tools", len(req.Tools),
		"mode", req.Mode.String(),
	)

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &UpstreamError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		return nil, &UpstreamError{Provider: "gemini", Message: "generate content", Err: err}
	}
	return fromGeminiResponse(resp)
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*Completion, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, &UpstreamError{Provider: "gemini", Message: "response has no candidates"}
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return nil, &UpstreamError{
			Provider: "gemini",
			Message:  fmt.Sprintf("candidate has no content (finish reason %q)", cand.FinishReason),
		}
	}

	var out *Completion
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil && out == nil {
			out = ToolRequest(ToolCall{
				ID:        part.FunctionCall.ID,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
		text.WriteString(part.Text)
	}
	switch {
	case out != nil:
		// Text alongside a call is kept for the single-hop fallback.
		out.Text = text.String()
	case strings.TrimSpace(text.String()) == "":
		return nil, &UpstreamError{Provider: "gemini", Message: "candidate has no text"}
	default:
		out = TextReply(text.String())
	}

	out.FinishReason = string(cand.FinishReason)
	out.Provider = "gemini"
	out.Model = resp.ModelVersion
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func toGeminiContents(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		switch {
		case m.ToolCall != nil:
			part := genai.NewPartFromFunctionCall(m.ToolCall.Name, m.ToolCall.Arguments)
			part.FunctionCall.ID = m.ToolCall.ID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleModel))
		case m.ToolResult != nil:
			part := genai.NewPartFromFunctionResponse(m.ToolResult.Name, map[string]any{
				"result": m.ToolResult.Content,
			})
			part.FunctionResponse.ID = m.ToolResult.ID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		case m.Role == RoleModel:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		}
	}
	return contents
}

func toGeminiDeclarations(specs []ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		decl := &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
		}
		// Gemini rejects an OBJECT schema with no properties.
		if len(s.Parameters.Properties) > 0 {
			decl.Parameters = toGeminiSchema(s.Parameters)
		}
		decls = append(decls, decl)
	}
	return decls
}

func toGeminiSchema(s Schema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = &genai.Schema{
			Type:        genai.Type(strings.ToUpper(p.Type)),
			Description: p.Description,
		}
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   s.Required,
	}
}

func geminiMode(m Mode) genai.FunctionCallingConfigMode {
	switch m {
	case ModeAny:
		return genai.FunctionCallingConfigModeAny
	case ModeNone:
		return genai.FunctionCallingConfigModeNone
	default:
		return genai.FunctionCallingConfigModeAuto
	}
}

// Ping lists a single model as a reachability check.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("list gemini models: %w", err)
	}
	return nil
}
