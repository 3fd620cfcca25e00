package bitpart

import "encoding/json"

// InterpreterEventType discriminates the tagged events an Interpreter pushes
// into its sink. The set is closed.
type InterpreterEventType string

const (
	EventMessage  InterpreterEventType = "message"
	EventShout    InterpreterEventType = "shout"
	EventRemember InterpreterEventType = "remember"
	EventForget   InterpreterEventType = "forget"
	EventLog      InterpreterEventType = "log"
	EventHold     InterpreterEventType = "hold"
	EventNext     InterpreterEventType = "next"
	EventError    InterpreterEventType = "error"
)

// ForgetOp describes a scripted forget. All clears every memory for the
// client; otherwise Keys lists the memory keys to delete.
type ForgetOp struct {
	All  bool
	Keys []string
}

// LogLevel is the severity of an interpreter log event.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// LogEvent is a scripted log line. Never persisted; forwarded to the host
// logging sink.
type LogEvent struct {
	Level   LogLevel
	Flow    string
	Line    int
	Message string
}

// Next is a goto directive. Flow "" means stay in the current flow; a nil
// Step means "start" when Flow or Bot is set and an implicit end otherwise;
// Bot "" means internal goto, otherwise a switch-bot to the named target.
type Next struct {
	Flow string
	Step *Step
	Bot  string
}

// InterpreterEvent is one tagged event from the interpreter stream. Exactly
// the field matching Type is set.
type InterpreterEvent struct {
	Type    InterpreterEventType
	Message *OutMessage // EventMessage, EventShout, EventError
	Memory  *Memory     // EventRemember
	Forget  *ForgetOp   // EventForget
	Log     *LogEvent   // EventLog
	Hold    *Hold       // EventHold
	Next    *Next       // EventNext
}

// CompiledFlow is a compiled flow from a bot's AST. The engine treats it as
// opaque except for locating the origin of inserted steps.
type CompiledFlow interface {
	// InsertOrigin reports the flow an inserted step named step came from,
	// if the compiled flow carries such an insertion.
	InsertOrigin(step string) (flow string, ok bool)
}

// Interpreter is the bot-language runtime the engine drives. Implementations
// own no persistent state; every call receives copies.
type Interpreter interface {
	// Validate checks the bot program and, on success, populates bot.AST
	// with the base64-encoded compiled form.
	Validate(bot *Bot) error

	// SearchModules resolves the bot's module references, possibly
	// rewriting them in place.
	SearchModules(bot *Bot) error

	// LoadComponents returns the table of native components injected into
	// every bot.
	LoadComponents() (map[string]json.RawMessage, error)

	// Interpret drives the bot state machine from the given context and
	// event, pushing tagged events into sink. It closes sink when done and
	// is run by the engine on a dedicated goroutine.
	Interpret(bot Bot, ctx Context, ev Event, sink chan<- InterpreterEvent)

	// GetStep returns the source text of a step within a flow.
	GetStep(step string, flowSource string, flow CompiledFlow) string

	// DecodeAST decodes a bot's base64 AST into compiled flows keyed by
	// flow name.
	DecodeAST(encoded string) (map[string]CompiledFlow, error)
}
