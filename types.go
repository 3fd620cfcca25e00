package bitpart

import (
	"encoding/json"
	"strings"
)

// --- Identity ---

// Client identifies a conversational endpoint: one user on one channel
// talking to one bot. All durable state is keyed or scoped by this triple.
// A missing component is never inferred.
type Client struct {
	BotID     string `json:"bot_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// --- Bot program ---

// Flow is a named unit inside a bot. Commands are literal strings matched
// against incoming events (case-insensitive equality, or as regex targets).
type Flow struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	Commands []string `json:"commands"`
}

// MultiBot is one entry of a bot's hand-off allow-list.
type MultiBot struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	VersionID string `json:"version_id,omitempty"`
}

// Module is an external component reference resolved by the interpreter.
type Module struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Bot is an in-memory bot program. AppsEndpoint, Multibot, and AST are set
// on load and never serialized into the stored row.
type Bot struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	AppsEndpoint        string          `json:"apps_endpoint,omitempty"`
	Flows               []Flow          `json:"flows"`
	NativeComponents    json.RawMessage `json:"native_components,omitempty"`
	CustomComponents    json.RawMessage `json:"custom_components,omitempty"`
	DefaultFlow         string          `json:"default_flow"`
	AST                 string          `json:"-"`
	NoInterruptionDelay int64           `json:"no_interruption_delay,omitempty"`
	Env                 string          `json:"env,omitempty"`
	Modules             []Module        `json:"modules,omitempty"`
	Multibot            []MultiBot      `json:"multibot,omitempty"`
}

// BotVersion is an immutable snapshot of a bot program.
type BotVersion struct {
	Bot           Bot    `json:"bot"`
	VersionID     string `json:"version_id"`
	EngineVersion string `json:"engine_version"`
}

// --- Durable records ---

// Conversation statuses.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Message directions.
const (
	DirectionSend    = "SEND"
	DirectionReceive = "RECEIVE"
)

// Conversation is a single logical user-bot session. At most one OPEN
// conversation exists per client triple at any time.
type Conversation struct {
	ID     string `json:"id"`
	Client Client `json:"client"`
	FlowID string `json:"flow_id"`
	StepID string `json:"step_id"`
	Status string `json:"status"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// MemoryRecord is one scripted key/value entry. The memory table is
// append-only with no key uniqueness; the latest-inserted value for a key is
// the one loaded.
type MemoryRecord struct {
	ID        string `json:"id"`
	Client    Client `json:"client"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// MessageRecord is one row of the append-only chat log.
type MessageRecord struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	FlowID           string          `json:"flow_id"`
	StepID           string          `json:"step_id"`
	Direction        string          `json:"direction"`
	Payload          json.RawMessage `json:"payload"`
	ContentType      string          `json:"content_type"`
	MessageOrder     int             `json:"message_order"`
	InteractionOrder int             `json:"interaction_order"`
	CreatedAt        int64           `json:"created_at"`
	ExpiresAt        int64           `json:"expires_at,omitempty"`
}

// StateRecord is one row of the engine-internal typed KV store, unique by
// (client, type, key).
type StateRecord struct {
	ID        string          `json:"id"`
	Client    Client          `json:"client"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// State rows the engine itself reads and writes.
const (
	StateTypeHold  = "hold"
	StateKeyHold   = "position"
	StateTypeDelay = "delay"
	StateKeyDelay  = "content"
	StateTypeBot   = "bot"
	StateKeyBot    = "previous"
)

// --- Interpreter-facing step model ---

// StepKind distinguishes how a step position was reached, which controls how
// its source text is located for fingerprinting.
type StepKind int

const (
	// StepNormal is a step of the conversation's current flow.
	StepNormal StepKind = iota
	// StepUnknownFlow is a step whose owning flow is determined dynamically.
	StepUnknownFlow
	// StepInserted is a step inserted from a named flow.
	StepInserted
)

// Step is the interpreter's program counter. Flow is set only for
// StepInserted.
type Step struct {
	Name string   `json:"name"`
	Flow string   `json:"flow,omitempty"`
	Kind StepKind `json:"kind"`
}

// Hold is an interpreter-requested suspension. Index and StepVars are opaque
// interpreter state; Previous carries the prior hold chain when steps nest.
type Hold struct {
	Index    int             `json:"index"`
	StepVars json.RawMessage `json:"step_vars"`
	StepName string          `json:"step_name,omitempty"`
	FlowName string          `json:"flow_name,omitempty"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Secure   bool            `json:"secure"`
}

// APIInfo is handed to the interpreter when the bot has an apps endpoint.
type APIInfo struct {
	AppsEndpoint string `json:"apps_endpoint"`
	Client       Client `json:"client"`
}

// Context is the transient per-step object the interpreter consumes and
// mutates. It is reconstructed per request from the conversation row plus a
// fresh memory load; never persisted directly.
type Context struct {
	Flow     string
	Step     Step
	Metadata json.RawMessage
	Current  map[string]json.RawMessage
	Hold     *Hold
	APIInfo  *APIInfo
}

// --- Interpreter output ---

// OutMessage is one outbound chat payload produced by the interpreter.
type OutMessage struct {
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content"`
}

// JSON renders the message as its wire payload object.
func (m OutMessage) JSON() json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}

// Memory is a scripted remember operation: key plus JSON value.
type Memory struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StoredValue renders the value the way the durable store expects it:
// JSON text with surrounding quote characters stripped.
func (m Memory) StoredValue() string {
	return strings.Trim(string(m.Value), `"'`)
}

// SwitchBot is a hand-off target returned by the driver. The caller
// re-enters the engine with the target bot.
type SwitchBot struct {
	BotID     string `json:"bot_id"`
	VersionID string `json:"version_id,omitempty"`
	Flow      string `json:"flow,omitempty"`
	Step      string `json:"step"`
}

// FlowTrigger is the payload of a flow_trigger event.
type FlowTrigger struct {
	FlowID string `json:"flow_id"`
	StepID string `json:"step_id,omitempty"`
}

// --- Inbound envelope ---

// SerializedEvent is the inbound event envelope as received on the wire.
type SerializedEvent struct {
	ID          string          `json:"id"`
	Client      Client          `json:"client"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	StepLimit   int             `json:"step_limit,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	TTLDuration *int64          `json:"ttl_duration,omitempty"`
	LowDataMode *bool           `json:"low_data_mode,omitempty"`
}

// Event is the typed, validated form of an inbound event.
type Event struct {
	ContentType  string
	ContentValue string
	Content      json.RawMessage
	TTLDuration  *int64
	LowDataMode  *bool
	StepLimit    int
	Secure       bool
}

// Request is the full inbound request envelope: a bot reference plus an
// event. At least one of Bot, (VersionID, BotID), or BotID must be set;
// when several are, resolution uses the first present in that order.
type Request struct {
	Bot          *Bot            `json:"bot,omitempty"`
	BotID        string          `json:"bot_id,omitempty"`
	VersionID    string          `json:"version_id,omitempty"`
	AppsEndpoint string          `json:"apps_endpoint,omitempty"`
	Multibot     []MultiBot      `json:"multibot,omitempty"`
	Event        SerializedEvent `json:"event"`
}

// UnmarshalJSON accepts "fn_endpoint" as an alias for "apps_endpoint".
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var aux struct {
		plain
		FnEndpoint string `json:"fn_endpoint,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	if r.AppsEndpoint == "" {
		r.AppsEndpoint = aux.FnEndpoint
	}
	return nil
}

// --- Outbound envelope ---

// ReplyMessage is one formatted outbound message in a reply envelope.
type ReplyMessage struct {
	Payload          json.RawMessage `json:"payload"`
	InteractionOrder int             `json:"interaction_order"`
	ConversationID   string          `json:"conversation_id"`
	Direction        string          `json:"direction"`
}

// ReplyEnvelope is the synchronous reply from one engine request, and the
// shape POSTed to the callback URL for each burst.
type ReplyEnvelope struct {
	Messages        []ReplyMessage `json:"messages"`
	ConversationEnd bool           `json:"conversation_end"`
	RequestID       string         `json:"request_id"`
	ReceivedAt      string         `json:"received_at"`
	Client          Client         `json:"client"`
}
