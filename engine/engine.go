// Package engine runs the conversational loop: it generates the
// companion's reply to each user message and feeds the finished turn
// into memory analysis in the background.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/collaborativehq/sage-memory/llm"
	"github.com/collaborativehq/sage-memory/memory"
)

// Engine wires the completion service, the memory store, and the
// analyzer into one conversational runner.
type Engine struct {
	completer llm.Completer
	store     memory.Store
	analyzer  *memory.Analyzer
	logger    *zap.Logger

	maxContextItems int
	analyzeTimeout  time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithAnalyzer enables background memory analysis of each turn.
func WithAnalyzer(a *memory.Analyzer) Option {
	return func(e *Engine) {
		e.analyzer = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxContextItems caps the number of recent memory items included
// in the companion's system prompt.
func WithMaxContextItems(n int) Option {
	return func(e *Engine) {
		e.maxContextItems = n
	}
}

// New creates an engine.
func New(completer llm.Completer, store memory.Store, opts ...Option) *Engine {
	e := &Engine{
		completer:       completer,
		store:           store,
		maxContextItems: 10,
		analyzeTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("engine")
	return e
}

// Input is one user message to respond to.
type Input struct {
	UserID    string
	SessionID string

	// UserName is optional; a display name is generated on first
	// contact when empty.
	UserName string

	UserMessage string
}

// Output is the companion's reply.
type Output struct {
	Response string
	User     *memory.User
}

// Run answers one user message. Memory analysis of the turn happens
// in the background and never delays or fails the reply.
func (e *Engine) Run(ctx context.Context, in *Input) (*Output, error) {
	if in == nil || in.UserID == "" {
		return nil, fmt.Errorf("engine: missing user id")
	}
	if strings.TrimSpace(in.UserMessage) == "" {
		return nil, fmt.Errorf("engine: empty message")
	}

	user, err := e.store.EnsureUser(ctx, in.UserID, in.UserName)
	if err != nil {
		return nil, fmt.Errorf("engine: ensure user: %w", err)
	}

	response := e.respond(ctx, user, in.UserMessage)

	if e.analyzer != nil {
		turn := memory.ConversationTurn{
			SessionID:         in.SessionID,
			UserMessage:       in.UserMessage,
			AssistantResponse: response,
		}
		// Detached from the request context: the reply has already
		// been produced, analysis runs on its own clock.
		go func() {
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.analyzeTimeout)
			defer cancel()
			if err := e.analyzer.Analyze(actx, user.UserID, turn); err != nil {
				e.logger.Warn("turn analysis failed",
					zap.String("user_id", user.UserID), zap.Error(err))
			}
		}()
	}

	return &Output{Response: response, User: user}, nil
}

// respond generates the companion reply, degrading to pattern-based
// responses when the completion service is unavailable.
func (e *Engine) respond(ctx context.Context, user *memory.User, message string) string {
	temperature := 0.8
	raw, err := e.completer.Complete(ctx, llm.Request{
		System:      e.systemPrompt(ctx, user),
		Prompt:      message,
		MaxTokens:   500,
		Temperature: &temperature,
	})
	if err != nil {
		e.logger.Warn("completion unavailable, using fallback response",
			zap.String("user_id", user.UserID), zap.Error(err))
		return fallbackResponse(message)
	}
	return softenTone(strings.TrimSpace(raw))
}

// systemPrompt renders the persona prompt with the user's recent
// memory context. Store errors just mean an uncontextualized prompt.
func (e *Engine) systemPrompt(ctx context.Context, user *memory.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, personaPrompt, user.Name)

	items, err := e.store.Items(ctx, user.UserID)
	if err != nil || len(items) == 0 {
		return b.String()
	}
	if len(items) > e.maxContextItems {
		items = items[len(items)-e.maxContextItems:]
	}
	b.WriteString("\n\nWhat you remember about them:\n")
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it.Format(200))
		b.WriteString("\n")
	}
	return b.String()
}

const personaPrompt = `You are Sage, a warm, reflective conversational companion talking with %s.

Guidelines:
- Listen more than you advise; reflect back what you hear
- Ask gentle, open questions instead of giving directives
- Never diagnose or prescribe
- Keep responses to a few sentences of plain text`

// directivePatterns maps directive phrasing to gentler alternatives.
var directivePatterns = [][2]string{
	{"You should", "You might find"},
	{"You need to", "You could explore"},
	{"You must", "You might consider"},
	{"I recommend", "I wonder if"},
	{"Try this", "What if you"},
	{"Here's what you should do", "What feels right for you"},
}

// softenTone rewrites directive phrases that slip through the prompt.
func softenTone(response string) string {
	for _, p := range directivePatterns {
		response = strings.ReplaceAll(response, p[0], p[1])
	}
	return response
}

// fallbackResponse answers without the completion service, keyed off
// simple emotional vocabulary.
func fallbackResponse(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "overwhelmed", "stressed", "anxious"):
		return "That sounds like a lot to carry right now. What would it feel like to set one small thing down, just for a moment?"
	case containsAny(lower, "sad", "sadness", "grief", "loss"):
		return "I can feel the weight of that sadness. Sadness often holds such important truths. What is yours telling you?"
	case containsAny(lower, "stuck", "trapped"):
		return "Being stuck can feel so heavy. Sometimes the way forward isn't about moving at all, but about understanding what's holding us. What do you sense beneath that stuckness?"
	case containsAny(lower, "angry", "frustrated", "mad"):
		return "That anger has something to say. Anger often protects something tender underneath. What might it be guarding for you?"
	default:
		return "That sounds like something that carries weight for you. Would you like to explore what's beneath the surface?"
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
