// Package agent implements the per-message orchestration loop: resolve
// the persona, record the user message, ask the model, run at most one
// requested tool, ask again, and record the reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/persona"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// Fixed replies returned in place of model text.
const (
	FallbackReply = "Sorry, I couldn't complete that request."
	TimeoutReply  = "Sorry, the model took too long to respond."
)

// DefaultSessionID is used when a request names no session.
const DefaultSessionID = "default"

var (
	// ErrSessionBusy is returned when another turn holds the session for
	// longer than the queue wait.
	ErrSessionBusy = errors.New("session busy")
	// ErrUpstream is returned when the first model call fails. It is the
	// same sentinel the model adapters wrap.
	ErrUpstream = llm.ErrUpstream
)

// Request is one incoming message.
type Request struct {
	Message   string
	SessionID string
	Persona   string // Explicit persona, optional
}

// Response is the outcome of a turn.
type Response struct {
	Reply     string   `json:"reply"`
	PersonaID string   `json:"routedTo,omitempty"`
	ToolCalls []string `json:"toolCalls,omitempty"`
	Model     string   `json:"model,omitempty"`
	RequestID string   `json:"requestId"`
	Fallback  bool     `json:"fallback,omitempty"`
}

// Resolver picks the persona for a turn.
type Resolver interface {
	Resolve(ctx context.Context, req router.Request) (string, *router.Decision)
}

// UsageRecorder persists per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TurnObserver is notified after every turn. It must not block.
type TurnObserver interface {
	ObserveTurn(ev events.TurnEvent)
}

// Config bounds a turn.
type Config struct {
	Model           string        // Conversation model
	TurnTimeout     time.Duration // Whole turn, zero for none
	UpstreamTimeout time.Duration // Each model call, zero for none
}

// Loop runs turns. It is safe for concurrent use; turns on the same
// session are serialized by the locker.
type Loop struct {
	logger    *slog.Logger
	llm       llm.Client
	router    Resolver
	personas  *persona.Registry
	tools     *tools.Registry
	sessions  session.Store
	locker    *session.Locker
	config    Config
	usage     UsageRecorder
	observers []TurnObserver
}

// NewLoop creates a loop over the given collaborators.
func NewLoop(logger *slog.Logger, client llm.Client, resolver Resolver, personas *persona.Registry,
	registry *tools.Registry, sessions session.Store, locker *session.Locker, config Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:   logger,
		llm:      client,
		router:   resolver,
		personas: personas,
		tools:    registry,
		sessions: sessions,
		locker:   locker,
		config:   config,
	}
}

// SetUsageRecorder enables token usage recording.
func (l *Loop) SetUsageRecorder(u UsageRecorder) {
	l.usage = u
}

// AddObserver registers a turn observer.
func (l *Loop) AddObserver(o TurnObserver) {
	l.observers = append(l.observers, o)
}

// Sessions returns the store the loop writes to.
func (l *Loop) Sessions() session.Store {
	return l.sessions
}

// SessionBusy reports whether a turn holds or awaits the session.
func (l *Loop) SessionBusy(id string) bool {
	return l.locker.Held(id)
}

// turn carries per-turn state through Run.
type turn struct {
	id       string
	session  string
	persona  persona.Persona
	log      *slog.Logger
	records  []usage.Record
	outcome  string
	started  time.Time
	response *Response
}

// Run handles one message. It returns ErrSessionBusy when the session
// stays busy past the queue wait and an error wrapping ErrUpstream when
// the first model call fails. Every other failure, including a timed out
// model call, resolves to a reply.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	t := &turn{
		id:       generateRequestID(),
		session:  req.SessionID,
		started:  time.Now(),
		outcome:  events.OutcomeError,
		response: &Response{},
	}
	if t.session == "" {
		t.session = DefaultSessionID
	}
	t.response.RequestID = t.id
	t.log = l.logger.With("request_id", t.id, "session", t.session)
	defer l.finish(ctx, t)

	release, err := l.locker.Acquire(ctx, t.session)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			t.outcome = events.OutcomeBusy
			t.log.Warn("session busy, rejecting message")
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, t.session)
		}
		return nil, fmt.Errorf("wait for session %s: %w", t.session, err)
	}
	defer release()

	if l.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.TurnTimeout)
		defer cancel()
	}
	ctx = tools.WithRequestID(ctx, t.id)

	// Persona first: it selects the system instruction for both calls.
	personaID, decision := l.router.Resolve(ctx, router.Request{
		ID:      t.id,
		Persona: req.Persona,
		Message: req.Message,
	})
	if decision != nil && decision.Classified() && decision.Error == "" {
		t.records = append(t.records, usage.Record{
			Model:        decision.Model,
			Provider:     decision.Provider,
			Phase:        usage.PhaseRoute,
			InputTokens:  decision.InputTokens,
			OutputTokens: decision.OutputTokens,
		})
	}
	p, ok := l.personas.Get(personaID)
	if !ok {
		p = l.personas.Default()
	}
	t.persona = p
	t.response.PersonaID = p.ID
	t.log = t.log.With("persona", p.ID)

	// The user message stays in history even when the first call fails.
	l.sessions.Append(t.session, llm.UserText(req.Message))

	specs := l.tools.Specs()
	first, err := l.complete(ctx, t, usage.PhaseFirst, specs, llm.ModeAuto)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("turn %s: %w", t.id, ctxErr)
		}
		if isTimeout(err) {
			t.log.Warn("first model call timed out", "error", err)
			return l.reply(t, TimeoutReply, true), nil
		}
		t.log.Error("first model call failed", "error", err)
		return nil, fmt.Errorf("turn %s: %w", t.id, err)
	}

	if !first.IsToolRequest() {
		t.log.Debug("model replied directly", "finish_reason", first.FinishReason)
		return l.reply(t, first.Text, false), nil
	}

	// The tool request and its result are appended together so the pair
	// can never be split.
	call := *first.ToolCall
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	result, toolErr := l.tools.Result(ctx, call)
	if toolErr != nil {
		t.log.Info("tool returned failure text", "tool", call.Name, "error", toolErr)
	}
	t.response.ToolCalls = append(t.response.ToolCalls, call.Name)
	l.sessions.Append(t.session, llm.ModelToolCall(call), llm.ToolOutput(call, result))

	// Tool specs stay attached so the history's tool messages remain
	// valid for the provider; ModeNone forbids a new call.
	second, err := l.complete(ctx, t, usage.PhaseSecond, specs, llm.ModeNone)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("turn %s: %w", t.id, ctxErr)
		}
		t.log.Error("second model call failed", "error", err, "timeout", isTimeout(err))
		return l.reply(t, FallbackReply, true), nil
	case second.IsToolRequest():
		// Single tool hop: a further request is recorded but not executed.
		t.log.Warn("model requested a second tool, not executing", "tool", second.ToolCall.Name)
		if strings.TrimSpace(second.Text) != "" {
			return l.reply(t, second.Text, false), nil
		}
		return l.reply(t, FallbackReply, true), nil
	default:
		return l.reply(t, second.Text, false), nil
	}
}

// complete makes one bounded model call with the session's full history.
func (l *Loop) complete(ctx context.Context, t *turn, phase string, specs []llm.ToolSpec, mode llm.Mode) (*llm.Completion, error) {
	if l.config.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.UpstreamTimeout)
		defer cancel()
	}

	history := l.sessions.History(t.session)
	start := time.Now()
	comp, err := l.llm.Complete(ctx, &llm.Request{
		Model:             l.config.Model,
		History:           history,
		Tools:             specs,
		SystemInstruction: t.persona.Instruction,
		Mode:              mode,
	})
	elapsed := time.Since(start)
	if err != nil {
		// Adapters do not always wrap the context error.
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", err, cerr)
		}
		return nil, err
	}

	model := comp.Model
	if model == "" {
		model = l.config.Model
	}
	t.response.Model = model
	t.records = append(t.records, usage.Record{
		Model:        model,
		Provider:     comp.Provider,
		Phase:        phase,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
	})
	t.log.Debug("model call complete",
		"phase", phase,
		"kind", comp.Kind.String(),
		"history", len(history),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return comp, nil
}

// reply appends text as the model's message and completes the response.
func (l *Loop) reply(t *turn, text string, fallback bool) *Response {
	l.sessions.Append(t.session, llm.ModelText(text))
	t.response.Reply = text
	t.response.Fallback = fallback
	if fallback {
		t.outcome = events.OutcomeFallback
	} else {
		t.outcome = events.OutcomeReply
	}
	return t.response
}

// finish records usage and notifies observers. Failures are logged only.
func (l *Loop) finish(ctx context.Context, t *turn) {
	elapsed := time.Since(t.started)

	if l.usage != nil && len(t.records) > 0 {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		for _, rec := range t.records {
			rec.RequestID = t.id
			rec.SessionID = t.session
			rec.Persona = t.persona.ID
			if err := l.usage.Record(rctx, rec); err != nil {
				t.log.Warn("failed to record usage", "phase", rec.Phase, "error", err)
			}
		}
		cancel()
	}

	ev := events.TurnEvent{
		RequestID:  t.id,
		Session:    t.session,
		Persona:    t.persona.ID,
		ToolCalls:  t.response.ToolCalls,
		Model:      t.response.Model,
		DurationMs: elapsed.Milliseconds(),
		Outcome:    t.outcome,
		Timestamp:  t.started,
	}
	for _, o := range l.observers {
		o.ObserveTurn(ev)
	}

	t.log.Info("turn complete",
		"outcome", t.outcome,
		"tools", t.response.ToolCalls,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// generateRequestID returns a short random ID for log correlation.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
