package bitpart

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// StartConversation processes one inbound request end to end: normalize the
// event, resolve the bot, pick or resume the conversation position, honor
// holds and the no-interruption window, drive the interpreter, and follow
// switch-bot hand-offs until a final reply is produced.
func (e *Engine) StartConversation(ctx context.Context, req Request) (ReplyEnvelope, error) {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.request",
			StringAttr("bot_id", req.Event.Client.BotID),
			StringAttr("request_id", req.Event.ID))
		defer span.End()
	}

	ref, err := req.botRef()
	if err != nil {
		return ReplyEnvelope{}, err
	}

	ev, err := NewEvent(req.Event)
	if err != nil {
		return ReplyEnvelope{}, err
	}

	// Downstream scripts always see an object, never null.
	metadata := req.Event.Metadata
	if len(metadata) == 0 || bytes.Equal(bytes.TrimSpace(metadata), []byte("null")) {
		metadata = json.RawMessage("{}")
	}

	client := req.Event.Client
	start := time.Now()

	var pending *SwitchBot
	for {
		bot, err := e.resolveBot(ctx, ref)
		if err != nil {
			return ReplyEnvelope{}, err
		}

		if pending != nil {
			// Hand-off re-entry: a synthesized flow_trigger aimed at the
			// recorded position, or the target's default flow.
			flowID := pending.Flow
			if flowID == "" {
				flowID = bot.DefaultFlow
			}
			content, _ := json.Marshal(FlowTrigger{FlowID: flowID, StepID: pending.Step})
			ev = Event{
				ContentType:  "flow_trigger",
				ContentValue: string(content),
				Content:      content,
				TTLDuration:  ev.TTLDuration,
				LowDataMode:  ev.LowDataMode,
				StepLimit:    ev.StepLimit,
				Secure:       ev.Secure,
			}
		}

		reply, sw, err := e.processRequest(ctx, &req, ev, metadata, client, bot)
		if err != nil {
			return ReplyEnvelope{}, err
		}
		if e.metrics != nil {
			e.metrics.RecordRequest(ctx, client.BotID, time.Since(start), reply.ConversationEnd)
		}
		if sw == nil {
			return reply, nil
		}

		pending = sw
		client.BotID = sw.BotID
		ref = BotRef{VersionID: sw.VersionID, BotID: sw.BotID}
	}
}

// processRequest runs one request against one resolved bot.
func (e *Engine) processRequest(ctx context.Context, req *Request, ev Event, metadata json.RawMessage, client Client, bot *Bot) (ReplyEnvelope, *SwitchBot, error) {
	data, err := e.initConversation(ctx, req, ev, metadata, client, bot)
	if err != nil {
		return ReplyEnvelope{}, nil, err
	}

	// No-interruption window: inside the window the event is dropped.
	if bot.NoInterruptionDelay > 0 {
		blocked, err := e.checkDelayWindow(ctx, data, bot.NoInterruptionDelay)
		if err != nil {
			return ReplyEnvelope{}, nil, err
		}
		if blocked {
			return ReplyEnvelope{}, nil, nil
		}
	}

	if err := e.checkHold(ctx, data, bot); err != nil {
		return ReplyEnvelope{}, nil, err
	}

	// Inbound persistence: secure events leave only a marker behind;
	// low-data mode suppresses the RECEIVE row entirely.
	if !data.LowData {
		payload := req.Event.Payload
		if ev.Secure {
			payload = json.RawMessage(`{"content_type":"secure"}`)
		}
		if err := e.store.CreateMessages(ctx, data.ConversationID, data.Context.Flow, data.Context.Step.Name,
			DirectionReceive, []json.RawMessage{payload}, 0, expiresAt(data.TTL)); err != nil {
			return ReplyEnvelope{}, nil, storageError("create receive message", err)
		}
	}

	return e.driveStep(ctx, data, ev, bot)
}

// initConversation builds the per-request conversation data: selects or
// creates the OPEN conversation, applies the flow router, and loads the
// memory snapshot.
func (e *Engine) initConversation(ctx context.Context, req *Request, ev Event, metadata json.RawMessage, client Client, bot *Bot) (*ConversationData, error) {
	def, err := defaultFlow(bot)
	if err != nil {
		return nil, err
	}

	ttl := ttlDuration(ev)
	lowData := lowDataMode(ev)

	c := Context{
		Flow:     def.Name,
		Step:     Step{Name: "start"},
		Metadata: metadata,
	}
	if bot.AppsEndpoint != "" {
		c.APIInfo = &APIInfo{AppsEndpoint: bot.AppsEndpoint, Client: client}
	}

	// A flow requested by the event takes precedence over any previously
	// open conversation; router errors mean "no match" and fall through.
	var routed *Flow
	var routedStep string
	if flow, step, err := e.searchFlow(ctx, ev, bot, client); err == nil {
		routed, routedStep = flow, step
	}

	open, err := e.store.LatestOpenConversation(ctx, client)
	if err != nil {
		return nil, storageError("latest open conversation", err)
	}

	var conversationID string
	switch {
	case routed != nil && open != nil:
		c.Flow = routed.Name
		c.Step = Step{Name: routedStep}
		conversationID = open.ID
	case routed != nil:
		c.Flow = routed.Name
		c.Step = Step{Name: routedStep}
		conversationID, err = e.store.CreateConversation(ctx, routed.ID, routedStep, client, expiresAt(ttl))
		if err != nil {
			return nil, storageError("create conversation", err)
		}
	case open != nil:
		if flow, err := flowByID(open.FlowID, bot.Flows); err == nil {
			c.Flow = flow.Name
			c.Step = Step{Name: open.StepID}
		}
		conversationID = open.ID
	default:
		conversationID, err = e.store.CreateConversation(ctx, def.ID, "start", client, expiresAt(ttl))
		if err != nil {
			return nil, storageError("create conversation", err)
		}
	}

	mems, err := e.store.MemoriesByClient(ctx, client, 0, 0)
	if err != nil {
		return nil, storageError("load memories", err)
	}
	c.Current = make(map[string]json.RawMessage, len(mems))
	for _, m := range mems {
		// Insertion order: the latest-written value for a key wins.
		c.Current[m.Key] = memoryLiteral(m.Value)
	}

	data := &ConversationData{
		ConversationID: conversationID,
		RequestID:      req.Event.ID,
		Client:         client,
		CallbackURL:    req.Event.CallbackURL,
		Context:        c,
		Metadata:       metadata,
		TTL:            ttl,
		LowData:        lowData,
	}

	// Pin the row to wherever the request starts from.
	flowID := c.Flow
	if flow, err := flowByID(c.Flow, bot.Flows); err == nil {
		flowID = flow.ID
	}
	if err := e.store.UpdateConversation(ctx, conversationID, flowID, c.Step.Name); err != nil {
		return nil, storageError("update conversation", err)
	}

	return data, nil
}

// delayState is the (delay, content) state row payload.
type delayState struct {
	DelayValue int64 `json:"delay_value"`
	Timestamp  int64 `json:"timestamp"`
}

// checkDelayWindow reports whether the request falls inside an active
// no-interruption window, opening a new window otherwise.
func (e *Engine) checkDelayWindow(ctx context.Context, data *ConversationData, delay int64) (bool, error) {
	raw, err := e.store.GetState(ctx, data.Client, StateTypeDelay, StateKeyDelay)
	if err != nil {
		return false, storageError("get delay", err)
	}
	if raw != nil {
		var st delayState
		if err := json.Unmarshal(raw, &st); err == nil {
			if st.Timestamp+st.DelayValue >= NowUnix() {
				return true, nil
			}
		}
	}

	value, _ := json.Marshal(delayState{DelayValue: delay, Timestamp: NowUnix()})
	if err := e.store.SetState(ctx, data.Client, StateTypeDelay, StateKeyDelay, value, expiresAt(data.TTL)); err != nil {
		return false, storageError("set delay", err)
	}
	return false, nil
}

// memoryLiteral re-reads a stored memory value as JSON; bare strings (the
// stored form strips quotes) are re-quoted.
func memoryLiteral(value string) json.RawMessage {
	raw := json.RawMessage(value)
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(value)
	return quoted
}
