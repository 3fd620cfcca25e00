package bitpart

import (
	"context"
	"encoding/json"
	"strings"
)

// serializedBot is the stored wire layout of a bot program. apps_endpoint,
// multibot, and the compiled AST are never serialized; they are set on load
// from the reference. Component tables are stored as JSON-encoded strings.
type serializedBot struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Flows               []Flow   `json:"flows"`
	NativeComponents    *string  `json:"native_components,omitempty"`
	CustomComponents    *string  `json:"custom_components,omitempty"`
	DefaultFlow         string   `json:"default_flow"`
	NoInterruptionDelay *int64   `json:"no_interruption_delay,omitempty"`
	Env                 *string  `json:"env,omitempty"`
	Modules             []Module `json:"modules,omitempty"`
}

// MarshalBot renders a bot into its stored wire form.
func MarshalBot(bot Bot) ([]byte, error) {
	sb := serializedBot{
		ID:          bot.ID,
		Name:        bot.Name,
		Flows:       bot.Flows,
		DefaultFlow: bot.DefaultFlow,
		Modules:     bot.Modules,
	}
	if len(bot.NativeComponents) > 0 {
		s := string(bot.NativeComponents)
		sb.NativeComponents = &s
	}
	if len(bot.CustomComponents) > 0 {
		s := string(bot.CustomComponents)
		sb.CustomComponents = &s
	}
	if bot.NoInterruptionDelay > 0 {
		d := bot.NoInterruptionDelay
		sb.NoInterruptionDelay = &d
	}
	if bot.Env != "" {
		env := bot.Env
		sb.Env = &env
	}
	return json.Marshal(sb)
}

// UnmarshalBot parses a stored bot row back into a Bot.
func UnmarshalBot(data []byte) (Bot, error) {
	var sb serializedBot
	if err := json.Unmarshal(data, &sb); err != nil {
		return Bot{}, interpErrorf("invalid stored bot: %v", err)
	}
	bot := Bot{
		ID:          sb.ID,
		Name:        sb.Name,
		Flows:       sb.Flows,
		DefaultFlow: sb.DefaultFlow,
		Modules:     sb.Modules,
	}
	if sb.NativeComponents != nil {
		bot.NativeComponents = json.RawMessage(*sb.NativeComponents)
	}
	if sb.CustomComponents != nil {
		bot.CustomComponents = json.RawMessage(*sb.CustomComponents)
	}
	if sb.NoInterruptionDelay != nil {
		bot.NoInterruptionDelay = *sb.NoInterruptionDelay
	}
	if sb.Env != nil {
		bot.Env = *sb.Env
	}
	return bot, nil
}

// BotRef names a bot one of three ways: inline program, exact version, or
// latest version by bot ID.
type BotRef struct {
	Inline       *Bot
	VersionID    string
	BotID        string
	AppsEndpoint string
	Multibot     []MultiBot
}

// botRef derives the bot reference from a request envelope. Resolution
// order: inline bot, then (version_id, bot_id), then bot_id.
func (r *Request) botRef() (BotRef, error) {
	switch {
	case r.Bot != nil:
		bot := *r.Bot
		if r.Multibot != nil {
			bot.Multibot = r.Multibot
		}
		return BotRef{Inline: &bot}, nil
	case r.VersionID != "" && r.BotID != "":
		return BotRef{
			VersionID:    r.VersionID,
			BotID:        r.BotID,
			AppsEndpoint: r.AppsEndpoint,
			Multibot:     r.Multibot,
		}, nil
	case r.BotID != "":
		return BotRef{
			BotID:        r.BotID,
			AppsEndpoint: r.AppsEndpoint,
			Multibot:     r.Multibot,
		}, nil
	default:
		return BotRef{}, interpErrorf("invalid bot reference")
	}
}

// resolveBot turns a reference into a validated bot snapshot. Stored lookups
// that find no row are manager errors naming the reference; module search
// and validation failures are interpreter errors.
func (e *Engine) resolveBot(ctx context.Context, ref BotRef) (*Bot, error) {
	var bot Bot
	switch {
	case ref.Inline != nil:
		bot = *ref.Inline
	case ref.VersionID != "":
		version, err := e.store.GetBotVersion(ctx, ref.VersionID)
		if err != nil {
			return nil, storageError("get bot version", err)
		}
		if version == nil {
			return nil, managerErrorf("bot version (%s) not found in db", ref.VersionID)
		}
		bot = version.Bot
		bot.AppsEndpoint = ref.AppsEndpoint
		bot.Multibot = ref.Multibot
	default:
		version, err := e.store.GetLatestBotVersion(ctx, ref.BotID)
		if err != nil {
			return nil, storageError("get latest bot version", err)
		}
		if version == nil {
			return nil, managerErrorf("bot (%s) not found in db", ref.BotID)
		}
		bot = version.Bot
		bot.AppsEndpoint = ref.AppsEndpoint
		bot.Multibot = ref.Multibot
	}

	if err := e.interp.SearchModules(&bot); err != nil {
		return nil, interpErrorf("%v", err)
	}
	if err := e.interp.Validate(&bot); err != nil {
		return nil, interpErrorf("%v", err)
	}
	if bot.NativeComponents == nil {
		components, err := e.interp.LoadComponents()
		if err != nil {
			return nil, interpErrorf("%v", err)
		}
		if len(components) > 0 {
			raw, _ := json.Marshal(components)
			bot.NativeComponents = raw
		}
	}
	return &bot, nil
}

// CreateBot validates a bot program and stores it as a new immutable
// version. Module search and validation failures are interpreter errors.
func (e *Engine) CreateBot(ctx context.Context, bot Bot) (BotVersion, error) {
	if err := e.interp.SearchModules(&bot); err != nil {
		return BotVersion{}, interpErrorf("%v", err)
	}
	if err := e.interp.Validate(&bot); err != nil {
		return BotVersion{}, interpErrorf("%v", err)
	}
	version, err := e.store.CreateBot(ctx, bot, EngineVersion)
	if err != nil {
		return BotVersion{}, storageError("create bot", err)
	}
	e.logger.Info("bot version created", "bot_id", bot.ID, "version_id", version.VersionID)
	return version, nil
}

// flowByID retrieves a flow by identifier. Matching is case-insensitive and
// accepts either the flow's id or its name.
func flowByID(id string, flows []Flow) (*Flow, error) {
	for i := range flows {
		if strings.EqualFold(flows[i].ID, id) || strings.EqualFold(flows[i].Name, id) {
			return &flows[i], nil
		}
	}
	return nil, interpErrorf("Flow '%s' does not exist", id)
}

// defaultFlow retrieves the bot's default flow, which must exist.
func defaultFlow(bot *Bot) (*Flow, error) {
	for i := range bot.Flows {
		if bot.Flows[i].ID == bot.DefaultFlow || bot.Flows[i].Name == bot.DefaultFlow {
			return &bot.Flows[i], nil
		}
	}
	return nil, interpErrorf("The bot's default_flow does not exist")
}
