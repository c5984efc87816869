package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestFromGeminiResponse(t *testing.T) {
	tests := []struct {
		name     string
		resp     *genai.GenerateContentResponse
		wantKind CompletionKind
		wantText string
		wantTool string
		wantErr  bool
	}{
		{name: "nil response", resp: nil, wantErr: true},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, wantErr: true},
		{
			name: "candidate without content",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
				{FinishReason: genai.FinishReasonSafety},
			}},
			wantErr: true,
		},
		{
			name: "text reply",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content:      genai.NewContentFromText("Hello there!", genai.RoleModel),
				FinishReason: genai.FinishReasonStop,
			}}},
			wantKind: KindText,
			wantText: "Hello there!",
		},
		{
			name: "blank text",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: genai.NewContentFromText("   ", genai.RoleModel),
			}}},
			wantErr: true,
		},
		{
			name: "function call wins over text",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: genai.NewContentFromParts([]*genai.Part{
					genai.NewPartFromText("Let me calculate."),
					genai.NewPartFromFunctionCall("calculate", map[string]any{"expression": "12 * 7"}),
				}, genai.RoleModel),
				FinishReason: genai.FinishReasonStop,
			}}},
			wantKind: KindToolRequest,
			wantText: "Let me calculate.",
			wantTool: "calculate",
		},
		{
			name: "text after function call is kept",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: genai.NewContentFromParts([]*genai.Part{
					genai.NewPartFromFunctionCall("calculate", map[string]any{"expression": "1 + 1"}),
					genai.NewPartFromText("It is 2."),
				}, genai.RoleModel),
			}}},
			wantKind: KindToolRequest,
			wantText: "It is 2.",
			wantTool: "calculate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fromGeminiResponse(tt.resp)
			if tt.wantErr {
				if !errors.Is(err, ErrUpstream) {
					t.Fatalf("error = %v, want ErrUpstream", err)
				}
				if got != nil {
					t.Errorf("completion = %+v, want nil", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("fromGeminiResponse() error: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if tt.wantText != "" && got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", got.Text, tt.wantText)
			}
			if tt.wantTool != "" && (got.ToolCall == nil || got.ToolCall.Name != tt.wantTool) {
				t.Errorf("tool call = %+v, want %q", got.ToolCall, tt.wantTool)
			}
		})
	}
}

func TestToGeminiContents_ToolPairing(t *testing.T) {
	call := ToolCall{Name: "defineWord", Arguments: map[string]any{"word": "AI"}}
	contents := toGeminiContents([]Message{
		UserText("define AI"),
		ModelToolCall(call),
		ToolOutput(call, "Artificial Intelligence"),
		ModelText("AI means artificial intelligence."),
	})

	if len(contents) != 4 {
		t.Fatalf("contents = %d, want 4", len(contents))
	}
	if contents[1].Role != "model" || contents[1].Parts[0].FunctionCall == nil {
		t.Errorf("contents[1] = %+v, want model functionCall", contents[1])
	}
	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "defineWord" || fr.Response["result"] != "Artificial Intelligence" {
		t.Errorf("contents[2] function response = %+v", fr)
	}
	if contents[3].Role != "model" || contents[3].Parts[0].Text == "" {
		t.Errorf("contents[3] = %+v, want model text", contents[3])
	}
}

func TestToGeminiDeclarations(t *testing.T) {
	decls := toGeminiDeclarations([]ToolSpec{
		testSpecs()[0],
		{Name: "getTime", Description: "Current time", Parameters: Schema{Type: "object"}},
	})
	if len(decls) != 2 {
		t.Fatalf("declarations = %d, want 2", len(decls))
	}
	calc := decls[0]
	if calc.Parameters == nil || calc.Parameters.Type != genai.TypeObject {
		t.Fatalf("calculate parameters = %+v", calc.Parameters)
	}
	if calc.Parameters.Properties["expression"].Type != genai.TypeString {
		t.Errorf("expression type = %q", calc.Parameters.Properties["expression"].Type)
	}
	if decls[1].Parameters != nil {
		t.Errorf("getTime parameters = %+v, want nil for no-arg tool", decls[1].Parameters)
	}
}

func TestGeminiMode(t *testing.T) {
	tests := map[Mode]genai.FunctionCallingConfigMode{
		ModeAuto: genai.FunctionCallingConfigModeAuto,
		ModeAny:  genai.FunctionCallingConfigModeAny,
		ModeNone: genai.FunctionCallingConfigModeNone,
	}
	for in, want := range tests {
		if got := geminiMode(in); got != want {
			t.Errorf("geminiMode(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestGeminiComplete_RoundTrip(t *testing.T) {
	var sawBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q, want generateContent call", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &sawBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"functionCall": {"name": "calculate", "args": {"expression": "12 * 7"}}}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 21, "candidatesTokenCount": 5}
		}`)
	}))
	defer srv.Close()

	c, err := NewGeminiClient(context.Background(), GeminiOptions{
		APIKey:     "test-key",
		HTTPClient: srv.Client(),
		BaseURL:    srv.URL + "/",
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewGeminiClient() error: %v", err)
	}

	comp, err := c.Complete(context.Background(), &Request{
		Model:             "gemini-2.0-flash",
		History:           []Message{UserText("What is 12 * 7?")},
		Tools:             testSpecs(),
		SystemInstruction: "You're a helpful tutor.",
		Mode:              ModeAuto,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if !comp.IsToolRequest() || comp.ToolCall.Name != "calculate" {
		t.Fatalf("completion = %+v, want calculate tool request", comp)
	}
	if comp.InputTokens != 21 || comp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 21/5", comp.InputTokens, comp.OutputTokens)
	}
	if _, ok := sawBody["systemInstruction"]; !ok {
		t.Errorf("request body missing systemInstruction: %v", sawBody)
	}
	if _, ok := sawBody["tools"]; !ok {
		t.Errorf("request body missing tools: %v", sawBody)
	}
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiOptions{}, nil); err == nil {
		t.Fatal("NewGeminiClient without key should error")
	}
}
