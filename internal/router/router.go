// Package router selects the persona for a message that arrives without
// one, using a single isolated classification call to the model.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/persona"
)

// Request contains the information needed for a routing decision.
type Request struct {
	ID      string // Turn request ID, recorded in the audit log
	Persona string // Explicit persona requested by the caller, may be empty
	Message string // The user's message
}

// Source records how a decision was reached.
type Source string

const (
	SourceExplicit   Source = "explicit"   // Caller named a registered persona
	SourceClassified Source = "classified" // Model returned a registered persona
	SourceFallback   Source = "fallback"   // Default persona after a failed classification
)

// Decision records why a persona was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input
	QueryLength int    `json:"query_length"`
	Requested   string `json:"requested,omitempty"`

	// Classification call, empty for explicit decisions
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	RawLabel     string `json:"raw_label,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	LatencyMs    int64  `json:"latency_ms,omitempty"`
	Error        string `json:"error,omitempty"`

	// Outcome
	Source    Source `json:"source"`
	Persona   string `json:"persona"`
	Reasoning string `json:"reasoning"`
}

// Classified reports whether the decision made a model call.
func (d *Decision) Classified() bool {
	return d.Source != SourceExplicit
}

// Config holds router configuration.
type Config struct {
	Model       string        // Model used for classification calls
	Timeout     time.Duration // Bound on a classification call, zero for none
	MaxAuditLog int           // How many decisions to keep in memory
}

// Router resolves the persona for each turn. It never touches sessions.
type Router struct {
	logger   *slog.Logger
	llm      llm.Client
	personas *persona.Registry
	config   Config

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
	latency  map[string]int64 // Summed classification latency per persona
	samples  map[string]int64 // Classified decisions per persona
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	PersonaCounts map[string]int64 `json:"persona_counts"`
	SourceCounts  map[string]int64 `json:"source_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// NewRouter creates a router that classifies with client over the
// personas in reg.
func NewRouter(logger *slog.Logger, client llm.Client, reg *persona.Registry, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		llm:      client,
		personas: reg,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats:    newStats(),
		latency:  make(map[string]int64),
		samples:  make(map[string]int64),
	}
}

func newStats() Stats {
	return Stats{
		PersonaCounts: make(map[string]int64),
		SourceCounts:  make(map[string]int64),
		AvgLatencyMs:  make(map[string]int64),
	}
}

// Resolve returns the persona ID for req. A registered explicit persona
// is returned unchanged. Otherwise the model classifies the message and
// any failure falls back to the default persona, so the result is always
// a registered ID.
func (r *Router) Resolve(ctx context.Context, req Request) (string, *Decision) {
	decision := &Decision{
		RequestID:   req.ID,
		Timestamp:   time.Now(),
		QueryLength: len(req.Message),
		Requested:   req.Persona,
	}

	switch {
	case req.Persona != "" && r.personas.Has(req.Persona):
		decision.Source = SourceExplicit
		decision.Persona = req.Persona
		decision.Reasoning = "Caller requested " + req.Persona + "."
	default:
		if req.Persona != "" {
			r.logger.Debug("ignoring unregistered persona", "request_id", req.ID, "persona", req.Persona)
		}
		r.classify(ctx, req.Message, decision)
	}

	r.recordDecision(*decision)

	r.logger.Info("persona routed",
		"request_id", decision.RequestID,
		"persona", decision.Persona,
		"source", string(decision.Source),
		"reasoning", decision.Reasoning,
	)
	return decision.Persona, decision
}

func (r *Router) classify(ctx context.Context, message string, decision *Decision) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	fallback := r.personas.Default().ID
	decision.Model = r.config.Model

	start := time.Now()
	comp, err := r.llm.Complete(ctx, &llm.Request{
		Model:             r.config.Model,
		History:           []llm.Message{llm.UserText(message)},
		SystemInstruction: r.instruction(),
		Mode:              llm.ModeNone,
	})
	decision.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		r.logger.Warn("persona classification failed",
			"request_id", decision.RequestID,
			"error", err,
		)
		decision.Source = SourceFallback
		decision.Persona = fallback
		decision.Error = err.Error()
		decision.Reasoning = "Classification failed, using default " + fallback + "."
		return
	}

	if comp.Model != "" {
		decision.Model = comp.Model
	}
	decision.Provider = comp.Provider
	decision.InputTokens = comp.InputTokens
	decision.OutputTokens = comp.OutputTokens
	decision.RawLabel = comp.Text

	if id, ok := Parse(comp.Text, r.personas).ID(); ok {
		decision.Source = SourceClassified
		decision.Persona = id
		decision.Reasoning = "Model classified message as " + id + "."
		return
	}

	decision.Source = SourceFallback
	decision.Persona = fallback
	decision.Reasoning = fmt.Sprintf("Unrecognized label %q, using default %s.", comp.Text, fallback)
}

// instruction builds the system instruction for a classification call.
func (r *Router) instruction() string {
	var sb strings.Builder
	sb.WriteString("You route chat messages to the assistant persona best suited to answer them.\n\n")
	sb.WriteString("Personas:\n")
	for _, p := range r.personas.All() {
		sb.WriteString("- " + p.ID)
		if p.Description != "" {
			sb.WriteString(": " + p.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nReply with exactly one of these ids and nothing else: ")
	sb.WriteString(strings.Join(r.personas.IDs(), ", "))
	sb.WriteString(".")
	return sb.String()
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.PersonaCounts[d.Persona]++
	r.stats.SourceCounts[string(d.Source)]++
	if d.Classified() {
		r.latency[d.Persona] += d.LatencyMs
		r.samples[d.Persona]++
		r.stats.AvgLatencyMs[d.Persona] = r.latency[d.Persona] / r.samples[d.Persona]
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := newStats()
	out.TotalRequests = r.stats.TotalRequests
	for k, v := range r.stats.PersonaCounts {
		out.PersonaCounts[k] = v
	}
	for k, v := range r.stats.SourceCounts {
		out.SourceCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		out.AvgLatencyMs[k] = v
	}
	return out
}

// Explain returns the decision recorded for requestID, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
