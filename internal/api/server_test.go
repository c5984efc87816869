package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/health"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/persona"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// fakeLLM answers with the persona-independent reply produced by fn.
type fakeLLM struct {
	mu sync.Mutex
	fn func(req *llm.Request) (*llm.Completion, error)
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.fn(req)
	if c != nil {
		c.Provider, c.Model = "fake", "fake-model"
		c.InputTokens, c.OutputTokens = 50, 5
	}
	return c, err
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

// echo replies "echo: <last user text>".
func echo(req *llm.Request) (*llm.Completion, error) {
	last := req.History[len(req.History)-1]
	return llm.TextReply("echo: " + last.Text), nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	chat   *fakeLLM
	store  *session.MemoryStore
	locker *session.Locker
	usage  *usage.Store
	bus    *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	personas, err := persona.Load("", "support")
	if err != nil {
		t.Fatal(err)
	}
	classifier := &fakeLLM{fn: func(req *llm.Request) (*llm.Completion, error) {
		if strings.Contains(req.History[0].Text, "*") {
			return llm.TextReply("tutor"), nil
		}
		return llm.TextReply("support"), nil
	}}
	rt := router.NewRouter(slog.Default(), classifier, personas, router.Config{Model: "router"})

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	us, err := usage.New(db)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		chat:   &fakeLLM{fn: echo},
		store:  session.NewMemoryStore(),
		locker: session.NewLocker(-1),
		usage:  us,
		bus:    events.NewBus(),
	}
	reg := tools.NewRegistry(tools.Options{Location: time.UTC}, slog.Default())
	loop := agent.NewLoop(slog.Default(), env.chat, rt, personas, reg, env.store, env.locker, agent.Config{Model: "chat"})
	loop.SetUsageRecorder(us)
	loop.AddObserver(env.bus)

	env.server = NewServer("127.0.0.1", 0, loop, rt, slog.Default())
	env.server.SetPersonas(personas)
	env.server.SetTools(reg)
	env.server.SetUsageStore(us)
	env.server.SetEventBus(env.bus)
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		_ = env.server.Shutdown(context.Background())
		env.http.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path, body string) (int, ChatResponse) {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	out.RequestID = resp.Header.Get(requestIDHeader)
	return resp.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantCode   int
		wantReply  string
		wantRouted string
	}{
		{"routed by classifier", "/chat", `{"message":"Hello","sessionId":"a"}`, 200, "echo: Hello", "support"},
		{"v1 path", "/v1/chat", `{"message":"2 * 3","sessionId":"b"}`, 200, "echo: 2 * 3", "tutor"},
		{"explicit persona", "/chat", `{"message":"Hello","sessionId":"c","persona":"travel"}`, 200, "echo: Hello", "travel"},
		{"unknown persona is ignored", "/chat", `{"message":"Hello","sessionId":"d","persona":"pirate"}`, 200, "echo: Hello", "support"},
		{"malformed body", "/chat", `{"message":`, 400, ReplyServerError, ""},
		{"empty body", "/chat", ``, 400, ReplyServerError, ""},
		{"empty message", "/chat", `{"message":"  "}`, 400, ReplyServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.post(t, tt.path, tt.body)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if resp.Reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", resp.Reply, tt.wantReply)
			}
			if resp.RoutedTo != tt.wantRouted {
				t.Errorf("routedTo = %q, want %q", resp.RoutedTo, tt.wantRouted)
			}
		})
	}
}

func TestChat_ResponseShape(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/chat", "application/json", strings.NewReader(`{"message":"Hello","sessionId":"shape"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"reply": "echo: Hello", "routedTo": "support"}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if id := resp.Header.Get(requestIDHeader); !strings.HasPrefix(id, "r_") {
		t.Errorf("%s = %q, want a request id", requestIDHeader, id)
	}
}

func TestChat_DefaultSession(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.post(t, "/chat", `{"message":"hi"}`); code != 200 {
		t.Fatalf("status = %d", code)
	}
	if got := len(env.store.History(agent.DefaultSessionID)); got != 2 {
		t.Errorf("default session history = %d, want 2", got)
	}
}

func TestChat_ModelError(t *testing.T) {
	env := newTestEnv(t)
	env.chat.fn = func(*llm.Request) (*llm.Completion, error) {
		return nil, &llm.UpstreamError{Provider: "fake", StatusCode: 500, Message: "internal"}
	}

	code, resp := env.post(t, "/chat", `{"message":"hi","sessionId":"x"}`)
	if code != http.StatusInternalServerError || resp.Reply != ReplyModelError {
		t.Errorf("got %d %+v, want 500 %q", code, resp, ReplyModelError)
	}
}

func TestChat_Busy(t *testing.T) {
	env := newTestEnv(t)

	release, err := env.locker.Acquire(context.Background(), "held")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	code, resp := env.post(t, "/chat", `{"message":"hi","sessionId":"held"}`)
	if code != http.StatusTooManyRequests || resp.Reply != ReplyBusy {
		t.Errorf("got %d %+v, want 429 %q", code, resp, ReplyBusy)
	}
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	exchange := func(frame string) ChatResponse {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp ChatResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		return resp
	}

	if resp := exchange(`{"message":"one","sessionId":"ws"}`); resp.Reply != "echo: one" || resp.RoutedTo != "support" {
		t.Errorf("first frame = %+v", resp)
	}
	if resp := exchange(`not json`); resp.Reply != ReplyServerError {
		t.Errorf("bad frame = %+v, want server error", resp)
	}
	if resp := exchange(`{"message":"two","sessionId":"ws"}`); resp.Reply != "echo: two" {
		t.Errorf("second frame = %+v", resp)
	}
	if got := len(env.store.History("ws")); got != 4 {
		t.Errorf("history = %d, want 4", got)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, resp := env.post(t, "/chat", `{"message":"Hello","sessionId":"ev"}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.TurnEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.RequestID != resp.RequestID || ev.Session != "ev" || ev.Persona != "support" || ev.Outcome != events.OutcomeReply {
		t.Errorf("event = %+v", ev)
	}
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/chat", `{"message":"hello","sessionId":"s1"}`)

	code, body := env.get(t, "/v1/sessions")
	if code != 200 {
		t.Fatalf("list status = %d", code)
	}
	var list struct {
		Count    int               `json:"count"`
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Sessions[0].ID != "s1" || list.Sessions[0].Messages != 2 {
		t.Errorf("list = %+v", list)
	}

	code, body = env.get(t, "/v1/sessions/s1")
	if code != 200 {
		t.Fatalf("get status = %d", code)
	}
	var sess session.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Role != llm.RoleUser || sess.Messages[1].Text != "echo: hello" {
		t.Errorf("session = %+v", sess)
	}

	if code, _ := env.get(t, "/v1/sessions/missing"); code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", code)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.http.URL+"/v1/sessions/s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if _, ok := env.store.Get("s1"); ok {
		t.Error("session still present after delete")
	}
}

func TestSessionDelete_BusySession(t *testing.T) {
	env := newTestEnv(t)
	if code, _ := env.post(t, "/chat", `{"message":"hello","sessionId":"busy"}`); code != http.StatusOK {
		t.Fatalf("seed chat status = %d", code)
	}

	release, err := env.locker.Acquire(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	req, _ := http.NewRequest(http.MethodDelete, env.http.URL+"/v1/sessions/busy", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", resp.StatusCode)
	}
	if _, ok := env.store.Get("busy"); !ok {
		t.Error("session removed while a turn held it")
	}
}

// collect returns the text of every element with the given atom.
func collect(n *html.Node, a atom.Atom, out *[]string) {
	if n.Type == html.ElementNode && n.DataAtom == a {
		var buf bytes.Buffer
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&buf, c)
		}
		*out = append(*out, buf.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collect(c, a, out)
	}
}

func TestSessionTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.chat.fn = func(req *llm.Request) (*llm.Completion, error) {
		if req.Mode == llm.ModeAuto {
			return llm.ToolRequest(llm.ToolCall{Name: "calculate", Arguments: map[string]any{"expression": "12 * 7"}}), nil
		}
		return llm.TextReply("It is **84**."), nil
	}
	env.post(t, "/chat", `{"message":"What is 12 * 7? <script>alert(1)</script>","sessionId":"t"}`)

	code, body := env.get(t, "/v1/sessions/t/transcript")
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("parse transcript: %v", err)
	}

	var titles, headings, scripts, strong []string
	collect(doc, atom.Title, &titles)
	collect(doc, atom.H3, &headings)
	collect(doc, atom.Script, &scripts)
	collect(doc, atom.Strong, &strong)

	if len(titles) != 1 || titles[0] != "Session t" {
		t.Errorf("titles = %q", titles)
	}
	if len(headings) != 4 {
		t.Errorf("message headings = %d, want 4: %q", len(headings), headings)
	}
	if len(scripts) != 0 {
		t.Errorf("raw HTML from a message was rendered: %q", scripts)
	}
	if len(strong) != 1 || strong[0] != "84" {
		t.Errorf("markdown emphasis = %q, want [84]", strong)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.get(t, "/v1/personas")
	if code != 200 {
		t.Fatalf("personas status = %d", code)
	}
	var ps struct {
		Default  string            `json:"default"`
		Personas []persona.Persona `json:"personas"`
	}
	if err := json.Unmarshal(body, &ps); err != nil {
		t.Fatal(err)
	}
	if ps.Default != "support" || len(ps.Personas) != 3 {
		t.Errorf("personas = %+v", ps)
	}

	code, body = env.get(t, "/v1/tools")
	if code != 200 {
		t.Fatalf("tools status = %d", code)
	}
	var ts struct {
		Tools []llm.ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(body, &ts); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, spec := range ts.Tools {
		names = append(names, spec.Name)
	}
	if strings.Join(names, ",") != "calculate,defineWord,getTime" {
		t.Errorf("tools = %v", names)
	}
}

func TestRouterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, resp := env.post(t, "/chat", `{"message":"6 * 7","sessionId":"r"}`)

	code, body := env.get(t, "/v1/router/explain/"+resp.RequestID)
	if code != 200 {
		t.Fatalf("explain status = %d", code)
	}
	var d router.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatal(err)
	}
	if d.Persona != "tutor" || d.Source != router.SourceClassified {
		t.Errorf("decision = %+v", d)
	}

	if code, _ := env.get(t, "/v1/router/explain/r_nope"); code != http.StatusNotFound {
		t.Errorf("unknown request status = %d, want 404", code)
	}

	code, body = env.get(t, "/v1/router/audit?limit=5")
	if code != 200 || !bytes.Contains(body, []byte(`"count":1`)) {
		t.Errorf("audit = %d %s", code, body)
	}

	code, body = env.get(t, "/v1/router/stats")
	if code != 200 || !bytes.Contains(body, []byte(`"total_requests":1`)) {
		t.Errorf("stats = %d %s", code, body)
	}
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/chat", `{"message":"Hello","sessionId":"u"}`)

	code, body := env.get(t, "/v1/usage?hours=1")
	if code != 200 {
		t.Fatalf("status = %d: %s", code, body)
	}
	var out struct {
		Total     usage.Summary            `json:"total"`
		ByPersona map[string]usage.Summary `json:"by_persona"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	// One routing call and one conversation call.
	if out.Total.TotalRecords != 2 || out.Total.TotalInputTokens != 100 {
		t.Errorf("total = %+v", out.Total)
	}
	if out.ByPersona["support"].TotalRecords != 2 {
		t.Errorf("by persona = %+v", out.ByPersona)
	}

	if code, _ := env.get(t, "/v1/usage?hours=-3"); code != http.StatusBadRequest {
		t.Errorf("negative hours status = %d, want 400", code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/v1/version", "/"} {
		code, body := env.get(t, path)
		if code != 200 {
			t.Errorf("GET %s = %d", path, code)
		}
		if !json.Valid(body) {
			t.Errorf("GET %s body is not JSON: %s", path, body)
		}
	}
	if code, _ := env.get(t, "/nope"); code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", code)
	}
}

func TestHealthReportsProviders(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	monitor := health.NewMonitor(health.Backoff{Initial: time.Millisecond, Retries: 1, Poll: time.Hour}, slog.Default())
	t.Cleanup(func() {
		cancel()
		monitor.Wait()
	})
	if err := monitor.Watch(ctx, "ollama", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := monitor.Watch(ctx, "gemini", func(context.Context) error { return errors.New("401 unauthorized") }); err != nil {
		t.Fatal(err)
	}
	env.server.SetHealth(monitor)

	var got struct {
		Status    string          `json:"status"`
		Providers []health.Status `json:"providers"`
	}
	deadline := time.Now().Add(time.Second)
	for {
		_, body := env.get(t, "/health")
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatal(err)
		}
		checked := len(got.Providers) == 2 && !got.Providers[0].LastCheck.IsZero() && !got.Providers[1].LastCheck.IsZero()
		if checked || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if len(got.Providers) != 2 || got.Providers[0].Name != "gemini" || got.Providers[0].LastError != "401 unauthorized" || !got.Providers[1].Ready {
		t.Errorf("providers = %+v", got.Providers)
	}
}
