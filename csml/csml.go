// Package csml is a compact reference interpreter for the bot step language
// the engine drives. It implements the bitpart.Interpreter contract: flows
// are plain text split into labeled steps, and each step is a sequence of
// directives (say, ask, remember, forget, shout, log, goto, error).
//
// The package exists so the server binary and end-to-end tests run without
// an external interpreter; production deployments may swap in any
// implementation of the contract.
package csml

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bitpart/bitpart"
)

// defaultStepLimit caps interpretation when the event carries no limit.
const defaultStepLimit = 100

// Interp implements bitpart.Interpreter.
type Interp struct{}

var _ bitpart.Interpreter = (*Interp)(nil)

// New creates an interpreter.
func New() *Interp {
	return &Interp{}
}

// compiledFlow is the compiled form of one flow: step sources by step name,
// plus the origin flow of inserted steps.
type compiledFlow struct {
	Steps   map[string]string
	Inserts map[string]string
}

// InsertOrigin reports the flow an inserted step came from.
func (f *compiledFlow) InsertOrigin(step string) (string, bool) {
	from, ok := f.Inserts[step]
	return from, ok
}

var _ bitpart.CompiledFlow = (*compiledFlow)(nil)

// stepLabel matches a step label at the start of a line.
var stepLabel = regexp.MustCompile(`(?m)^\s*([A-Za-z_][A-Za-z0-9_]*):`)

// compile splits a flow's source into named steps. A step's source runs
// from its label through the character before the next label.
func compile(content string) compiledFlow {
	cf := compiledFlow{Steps: make(map[string]string), Inserts: make(map[string]string)}
	locs := stepLabel.FindAllStringSubmatchIndex(content, -1)
	for i, loc := range locs {
		name := content[loc[2]:loc[3]]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		cf.Steps[name] = strings.TrimSpace(content[loc[0]:end])
	}
	return cf
}

// Validate compiles every flow, checks the default flow exists, and
// populates bot.AST with the base64-encoded compiled form.
func (i *Interp) Validate(bot *bitpart.Bot) error {
	if len(bot.Flows) == 0 {
		return fmt.Errorf("bot has no flows")
	}
	hasDefault := false
	compiled := make(map[string]compiledFlow, len(bot.Flows))
	for _, flow := range bot.Flows {
		cf := compile(flow.Content)
		if len(cf.Steps) == 0 {
			return fmt.Errorf("flow %q has no steps", flow.Name)
		}
		compiled[flow.Name] = cf
		if flow.ID == bot.DefaultFlow || flow.Name == bot.DefaultFlow {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("default_flow %q does not exist", bot.DefaultFlow)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(compiled); err != nil {
		return fmt.Errorf("encode ast: %w", err)
	}
	bot.AST = base64.StdEncoding.EncodeToString(buf.Bytes())
	return nil
}

// SearchModules resolves module references. The reference interpreter has no
// module registry; bots carrying modules are rejected.
func (i *Interp) SearchModules(bot *bitpart.Bot) error {
	if len(bot.Modules) > 0 {
		return fmt.Errorf("module %q cannot be resolved", bot.Modules[0].Name)
	}
	return nil
}

// LoadComponents returns the native component table. Empty here.
func (i *Interp) LoadComponents() (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}

// DecodeAST decodes a bot's base64 AST into compiled flows by name.
func (i *Interp) DecodeAST(encoded string) (map[string]bitpart.CompiledFlow, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ast: %w", err)
	}
	var compiled map[string]compiledFlow
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&compiled); err != nil {
		return nil, fmt.Errorf("decode ast: %w", err)
	}
	out := make(map[string]bitpart.CompiledFlow, len(compiled))
	for name, cf := range compiled {
		c := cf
		out[name] = &c
	}
	return out, nil
}

// GetStep returns the source text of a step. The compiled flow wins; the raw
// flow source is the fallback.
func (i *Interp) GetStep(step string, flowSource string, flow bitpart.CompiledFlow) string {
	if cf, ok := flow.(*compiledFlow); ok && cf != nil {
		if src, ok := cf.Steps[step]; ok {
			return src
		}
	}
	cf := compile(flowSource)
	return cf.Steps[step]
}

// Interpret drives the bot from the given context and event, pushing tagged
// events into sink. Closes sink when done.
func (i *Interp) Interpret(bot bitpart.Bot, ctx bitpart.Context, ev bitpart.Event, sink chan<- bitpart.InterpreterEvent) {
	defer close(sink)

	run := &runner{bot: bot, ctx: ctx, ev: ev, sink: sink}
	run.execute()
}

// runner holds interpretation state for one Interpret call.
type runner struct {
	bot  bitpart.Bot
	ctx  bitpart.Context
	ev   bitpart.Event
	sink chan<- bitpart.InterpreterEvent
}

func (r *runner) emit(ev bitpart.InterpreterEvent) {
	r.sink <- ev
}

func (r *runner) fail(msg string) {
	content, _ := json.Marshal(map[string]string{"error": msg})
	r.emit(bitpart.InterpreterEvent{
		Type:    bitpart.EventError,
		Message: &bitpart.OutMessage{ContentType: "error", Content: content},
	})
}

// flowByName resolves a flow by id or name, case-insensitive.
func (r *runner) flowByName(name string) (*bitpart.Flow, bool) {
	for i := range r.bot.Flows {
		if strings.EqualFold(r.bot.Flows[i].ID, name) || strings.EqualFold(r.bot.Flows[i].Name, name) {
			return &r.bot.Flows[i], true
		}
	}
	return nil, false
}

func (r *runner) execute() {
	limit := r.ev.StepLimit
	if limit <= 0 {
		limit = defaultStepLimit
	}

	flow, ok := r.flowByName(r.ctx.Flow)
	if !ok {
		r.fail(fmt.Sprintf("Flow '%s' does not exist", r.ctx.Flow))
		return
	}
	stepName := r.ctx.Step.Name

	// On resume, skip directives up to and past the recorded hold point.
	resumeFrom := -1
	if r.ctx.Hold != nil {
		resumeFrom = r.ctx.Hold.Index
	}

	for executed := 0; executed < limit; executed++ {
		cf := compile(flow.Content)
		src, ok := cf.Steps[stepName]
		if !ok {
			r.fail(fmt.Sprintf("Step '%s' does not exist in flow '%s'", stepName, flow.Name))
			return
		}

		next := r.runStep(src, resumeFrom)
		resumeFrom = -1
		if next == nil {
			// Suspended (hold) or failed (error).
			return
		}

		if next.Bot != "" {
			r.emit(bitpart.InterpreterEvent{Type: bitpart.EventNext, Next: next})
			return
		}
		if next.Flow != "" {
			target, ok := r.flowByName(next.Flow)
			if !ok {
				r.fail(fmt.Sprintf("Flow '%s' does not exist", next.Flow))
				return
			}
			r.emit(bitpart.InterpreterEvent{Type: bitpart.EventNext, Next: next})
			flow = target
			stepName = "start"
			if next.Step != nil {
				stepName = next.Step.Name
			}
			continue
		}
		if next.Step == nil || next.Step.Name == "end" {
			r.emit(bitpart.InterpreterEvent{Type: bitpart.EventNext, Next: &bitpart.Next{Step: &bitpart.Step{Name: "end"}}})
			return
		}
		r.emit(bitpart.InterpreterEvent{Type: bitpart.EventNext, Next: next})
		stepName = next.Step.Name
	}

	r.fail("step limit reached")
}

// runStep executes one step's directives. Returns the goto target (a step
// named "end" when the step falls off its last directive), or nil when
// interpretation stops here (hold or error).
func (r *runner) runStep(src string, resumeFrom int) *bitpart.Next {
	// Drop the leading label.
	if idx := strings.Index(src, ":"); idx >= 0 {
		src = src[idx+1:]
	}
	directives := tokenize(src)

	for idx := 0; idx < len(directives); idx++ {
		if idx <= resumeFrom {
			continue
		}
		d := directives[idx]
		switch d.keyword {
		case "say":
			content, _ := json.Marshal(map[string]string{"text": d.arg})
			r.emit(bitpart.InterpreterEvent{
				Type:    bitpart.EventMessage,
				Message: &bitpart.OutMessage{ContentType: "text", Content: content},
			})

		case "shout":
			content, _ := json.Marshal(map[string]string{"text": d.arg})
			r.emit(bitpart.InterpreterEvent{
				Type:    bitpart.EventShout,
				Message: &bitpart.OutMessage{ContentType: "text", Content: content},
			})

		case "ask":
			content, _ := json.Marshal(map[string]string{"text": d.arg})
			r.emit(bitpart.InterpreterEvent{
				Type:    bitpart.EventMessage,
				Message: &bitpart.OutMessage{ContentType: "text", Content: content},
			})
			r.emit(bitpart.InterpreterEvent{
				Type: bitpart.EventHold,
				Hold: &bitpart.Hold{
					Index:    idx,
					StepVars: json.RawMessage("{}"),
					Secure:   r.ev.Secure,
				},
			})
			return nil

		case "remember":
			value := json.RawMessage(d.extra)
			if !json.Valid(value) {
				value, _ = json.Marshal(d.extra)
			}
			r.emit(bitpart.InterpreterEvent{
				Type:   bitpart.EventRemember,
				Memory: &bitpart.Memory{Key: d.arg, Value: value},
			})

		case "forget":
			op := &bitpart.ForgetOp{}
			if d.arg == "all" {
				op.All = true
			} else {
				op.Keys = []string{d.arg}
			}
			r.emit(bitpart.InterpreterEvent{Type: bitpart.EventForget, Forget: op})

		case "log":
			r.emit(bitpart.InterpreterEvent{
				Type: bitpart.EventLog,
				Log:  &bitpart.LogEvent{Level: bitpart.LogInfo, Flow: r.ctx.Flow, Message: d.arg},
			})

		case "error":
			r.fail(d.arg)
			return nil

		case "goto":
			switch {
			case d.arg == "end":
				return &bitpart.Next{Step: &bitpart.Step{Name: "end"}}
			case strings.HasPrefix(d.arg, "@"):
				return &bitpart.Next{Bot: strings.TrimPrefix(d.arg, "@")}
			case d.arg == "flow":
				n := &bitpart.Next{Flow: d.extra}
				if d.extra2 != "" {
					n.Step = &bitpart.Step{Name: d.extra2}
				}
				return n
			default:
				return &bitpart.Next{Step: &bitpart.Step{Name: d.arg}}
			}
		}
	}

	// Falling off the end of a step ends the conversation.
	return &bitpart.Next{Step: &bitpart.Step{Name: "end"}}
}

// directive is one parsed step instruction.
type directive struct {
	keyword string
	arg     string
	extra   string
	extra2  string
}

// tokenize splits a step body into directives, honoring quoted strings.
func tokenize(src string) []directive {
	words := splitWords(src)
	var out []directive
	for i := 0; i < len(words); i++ {
		switch words[i] {
		case "say", "ask", "shout", "log", "error":
			if i+1 < len(words) {
				out = append(out, directive{keyword: words[i], arg: unquote(words[i+1])})
				i++
			}
		case "forget":
			if i+1 < len(words) {
				out = append(out, directive{keyword: "forget", arg: words[i+1]})
				i++
			}
		case "remember":
			// remember key = value
			if i+3 < len(words) && words[i+2] == "=" {
				out = append(out, directive{keyword: "remember", arg: words[i+1], extra: unquoteJSON(words[i+3])})
				i += 3
			}
		case "goto":
			if i+1 >= len(words) {
				continue
			}
			d := directive{keyword: "goto", arg: words[i+1]}
			i++
			if d.arg == "flow" && i+1 < len(words) {
				d.extra = words[i+1]
				i++
				if i+1 < len(words) && !isKeyword(words[i+1]) {
					d.extra2 = words[i+1]
					i++
				}
			}
			out = append(out, d)
		}
	}
	return out
}

// splitWords splits on whitespace keeping double-quoted strings intact.
func splitWords(src string) []string {
	var words []string
	var cur strings.Builder
	inQuote := false
	for _, r := range src {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}

// unquoteJSON keeps valid JSON as-is and strips quotes from plain strings.
func unquoteJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	return strings.Trim(s, `"`)
}

func isKeyword(s string) bool {
	switch s {
	case "say", "ask", "shout", "log", "error", "forget", "remember", "goto":
		return true
	}
	return false
}
