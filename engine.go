package bitpart

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Engine drives conversations: it resolves bots, routes events to flows,
// runs the interpreter one step at a time, persists durable effects, and
// fans outgoing messages out to the callback URL.
//
// An Engine is safe for concurrent use. It does NOT serialize two concurrent
// requests for the same client triple; callers that need one-at-a-time
// semantics must serialize externally.
type Engine struct {
	store   Store
	interp  Interpreter
	logger  *slog.Logger
	http    *http.Client
	tracer  Tracer
	metrics Metrics
	pick    func(n int) int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient sets the client used for callback URL delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.http = c }
}

// WithTracer enables span creation around request handling.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics enables engine-level measurements.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPicker overrides the router's tie-break picker. pick(n) must return a
// value in [0, n). The default is the process RNG; tests inject a
// deterministic picker.
func WithPicker(pick func(n int) int) Option {
	return func(e *Engine) { e.pick = pick }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Engine over the given store and interpreter.
func New(store Store, interp Interpreter, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		interp: interp,
		logger: nopLogger,
		http:   &http.Client{Timeout: 10 * time.Second},
		pick:   rand.IntN,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}
