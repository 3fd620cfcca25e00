package bitpart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConversationData is the mutable per-request state the driver operates on.
type ConversationData struct {
	ConversationID string
	RequestID      string
	Client         Client
	CallbackURL    string
	Context        Context
	Metadata       json.RawMessage
	Messages       []OutMessage
	TTL            *time.Duration
	LowData        bool
}

// cloneContext deep-copies the context handed to the interpreter so that no
// mutable state is shared across the goroutine boundary.
func cloneContext(c Context) Context {
	clone := c
	if c.Current != nil {
		clone.Current = make(map[string]json.RawMessage, len(c.Current))
		for k, v := range c.Current {
			clone.Current[k] = v
		}
	}
	if c.Hold != nil {
		h := *c.Hold
		clone.Hold = &h
	}
	if c.APIInfo != nil {
		a := *c.APIInfo
		clone.APIInfo = &a
	}
	return clone
}

// driveStep runs one inbound request through the interpreter, draining its
// event stream and translating each event into durable effects. It may cover
// any number of internal goto transitions before returning the formatted
// reply and an optional switch-bot hand-off.
func (e *Engine) driveStep(ctx context.Context, data *ConversationData, ev Event, bot *Bot) (ReplyEnvelope, *SwitchBot, error) {
	if _, err := flowByID(data.Context.Flow, bot.Flows); err != nil {
		return ReplyEnvelope{}, nil, err
	}

	interactionOrder := 0
	conversationEnd := false
	var switchBot *SwitchBot

	e.logger.Info("interpreter: start interpretation",
		"bot_id", data.Client.BotID,
		"user_id", data.Client.UserID,
		"channel_id", data.Client.ChannelID,
		"flow", data.Context.Flow)

	// The interpreter is synchronous and blocking; it runs on a dedicated
	// goroutine with copies of the bot and context, and the stream is
	// drained here. It closes the sink when done.
	sink := make(chan InterpreterEvent)
	go e.interp.Interpret(*bot, cloneContext(data.Context), ev, sink)

	memories := make(map[string]Memory)

drain:
	for {
		if ctx.Err() != nil {
			go func() {
				for range sink {
				}
			}()
			return ReplyEnvelope{}, nil, ctx.Err()
		}
		var received InterpreterEvent
		var ok bool
		select {
		case received, ok = <-sink:
			if !ok {
				break drain
			}
		case <-ctx.Done():
			// Stop promptly; the discard goroutine unblocks the
			// interpreter so it can run to completion and close the sink.
			go func() {
				for range sink {
				}
			}()
			return ReplyEnvelope{}, nil, ctx.Err()
		}

		switch received.Type {
		case EventRemember:
			memories[received.Memory.Key] = *received.Memory

		case EventForget:
			if received.Forget.All {
				clear(memories)
				if err := e.store.DeleteMemories(ctx, data.Client); err != nil {
					return ReplyEnvelope{}, nil, storageError("delete memories", err)
				}
				continue
			}
			for _, key := range received.Forget.Keys {
				delete(memories, key)
				if err := e.store.DeleteMemory(ctx, data.Client, key); err != nil {
					return ReplyEnvelope{}, nil, storageError("delete memory", err)
				}
			}

		case EventMessage:
			e.logger.Debug("sending message",
				"bot_id", data.Client.BotID,
				"user_id", data.Client.UserID,
				"channel_id", data.Client.ChannelID,
				"flow", data.Context.Flow)
			e.sendToCallback(ctx, data, []OutMessage{*received.Message}, interactionOrder, false)
			data.Messages = append(data.Messages, *received.Message)

		case EventShout:
			// The callback sees the unmutated message once; the durable log
			// gets one clone per open conversation with that conversation's
			// client injected into the content.
			e.sendToCallback(ctx, data, []OutMessage{*received.Message}, interactionOrder, false)

			convos, err := e.store.OpenConversationsByBot(ctx, data.Client.BotID, 0, 0)
			if err != nil {
				return ReplyEnvelope{}, nil, storageError("open conversations by bot", err)
			}
			for _, c := range convos {
				clone := *received.Message
				clone.Content = injectClient(clone.Content, c.Client)
				data.Messages = append(data.Messages, clone)
			}

		case EventLog:
			e.emitInterpreterLog(data, received.Log)

		case EventHold:
			e.logger.Debug("hold bot",
				"bot_id", data.Client.BotID,
				"user_id", data.Client.UserID,
				"channel_id", data.Client.ChannelID,
				"flow", data.Context.Flow)
			if err := e.persistHold(ctx, data, bot, received.Hold); err != nil {
				return ReplyEnvelope{}, nil, err
			}

		case EventNext:
			if received.Next.Bot == "" {
				done, err := e.internalGoto(ctx, data, bot, memories, received.Next, &interactionOrder, &conversationEnd)
				if err != nil {
					return ReplyEnvelope{}, nil, err
				}
				if done {
					break drain
				}
				continue
			}
			sw, err := e.manageSwitchBot(ctx, data, bot, received.Next, &interactionOrder, &conversationEnd)
			if err != nil {
				return ReplyEnvelope{}, nil, err
			}
			if sw != nil {
				switchBot = sw
				break drain
			}

		case EventError:
			conversationEnd = true
			e.logger.Error("interpreter error",
				"bot_id", data.Client.BotID,
				"user_id", data.Client.UserID,
				"channel_id", data.Client.ChannelID,
				"flow", data.Context.Flow)
			e.sendToCallback(ctx, data, []OutMessage{*received.Message}, interactionOrder, true)
			data.Messages = append(data.Messages, *received.Message)
			if err := e.store.SetConversationStatus(ctx, data.ConversationID, StatusClosed); err != nil {
				return ReplyEnvelope{}, nil, storageError("close conversation", err)
			}
		}
	}

	// Low-data mode suppresses inbound persistence only; outbound rows are
	// always written.
	payloads := make([]json.RawMessage, 0, len(data.Messages))
	for _, m := range data.Messages {
		payloads = append(payloads, m.JSON())
	}
	if err := e.store.CreateMessages(ctx, data.ConversationID, data.Context.Flow, data.Context.Step.Name,
		DirectionSend, payloads, interactionOrder, expiresAt(data.TTL)); err != nil {
		return ReplyEnvelope{}, nil, storageError("create messages", err)
	}

	mems := make([]Memory, 0, len(memories))
	for _, m := range memories {
		mems = append(mems, m)
	}
	if err := e.store.CreateMemories(ctx, data.Client, mems, expiresAt(data.TTL)); err != nil {
		return ReplyEnvelope{}, nil, storageError("create memories", err)
	}

	if e.metrics != nil {
		e.metrics.RecordMessages(ctx, data.Client.BotID, len(data.Messages))
	}

	return formatEnvelope(data, data.Messages, interactionOrder, conversationEnd), switchBot, nil
}

// internalGoto applies a goto (flow, step) directive. Returns done=true when
// the drain loop should stop (conversation ended).
func (e *Engine) internalGoto(ctx context.Context, data *ConversationData, bot *Bot, memories map[string]Memory, next *Next, interactionOrder *int, conversationEnd *bool) (bool, error) {
	e.logger.Debug("goto",
		"bot_id", data.Client.BotID,
		"user_id", data.Client.UserID,
		"channel_id", data.Client.ChannelID,
		"flow", data.Context.Flow,
		"step", data.Context.Step.Name)

	if next.Flow != "" {
		updateCurrentContext(data, memories)
		flow, err := flowByID(next.Flow, bot.Flows)
		if err != nil {
			return false, err
		}
		step := Step{Name: "start"}
		if next.Step != nil {
			step = *next.Step
		}
		data.Context.Flow = next.Flow
		data.Context.Step = step
		if err := e.store.UpdateConversation(ctx, data.ConversationID, flow.ID, step.Name); err != nil {
			return false, storageError("update conversation", err)
		}
		*interactionOrder++
		return false, nil
	}

	step := Step{Name: "end"}
	if next.Step != nil {
		step = *next.Step
	}
	if step.Name == "end" {
		*conversationEnd = true
		// Empty burst keeps callback ordering: consumers learn the
		// conversation ended before the synchronous reply lands.
		e.sendToCallback(ctx, data, nil, *interactionOrder, true)
		data.Context.Step = step
		if err := e.store.UpdateConversation(ctx, data.ConversationID, "", "end"); err != nil {
			return false, storageError("update conversation", err)
		}
		if err := e.store.SetConversationStatus(ctx, data.ConversationID, StatusClosed); err != nil {
			return false, storageError("close conversation", err)
		}
		return true, nil
	}

	data.Context.Step = step
	if err := e.store.UpdateConversation(ctx, data.ConversationID, "", step.Name); err != nil {
		return false, storageError("update conversation", err)
	}
	*interactionOrder++
	return false, nil
}

// manageSwitchBot validates a hand-off against the bot's multibot allow-list.
// An allowed switch closes the conversation, writes the previous-bot
// breadcrumb onto the destination triple, and returns the hand-off target.
// A disallowed target emits an error message and ends the conversation.
func (e *Engine) manageSwitchBot(ctx context.Context, data *ConversationData, bot *Bot, next *Next, interactionOrder *int, conversationEnd *bool) (*SwitchBot, error) {
	var target *MultiBot
	for i := range bot.Multibot {
		mb := &bot.Multibot[i]
		if next.Bot == mb.ID || (mb.Name != "" && next.Bot == mb.Name) {
			target = mb
			break
		}
	}

	if target == nil {
		errMsg := fmt.Sprintf("Switching to Bot: (%s) is not allowed", next.Bot)
		content, _ := json.Marshal(map[string]string{"error": errMsg})
		msg := OutMessage{ContentType: "error", Content: content}
		e.sendToCallback(ctx, data, []OutMessage{msg}, *interactionOrder, true)
		data.Messages = append(data.Messages, msg)
		e.logger.Error("switch bot rejected", "flow", data.Context.Flow, "target", next.Bot)
		*conversationEnd = true
		if err := e.store.SetConversationStatus(ctx, data.ConversationID, StatusClosed); err != nil {
			return nil, storageError("close conversation", err)
		}
		return nil, nil
	}

	step := Step{Name: "start"}
	if next.Step != nil {
		step = *next.Step
	}

	msg := switchBotMessage(target.ID, data.Client)
	data.Messages = append(data.Messages, msg)
	e.sendToCallback(ctx, data, []OutMessage{msg}, *interactionOrder, true)

	e.logger.Info("switch bot", "flow", data.Context.Flow, "target", target.ID)

	if err := e.store.SetConversationStatus(ctx, data.ConversationID, StatusClosed); err != nil {
		return nil, storageError("close conversation", err)
	}

	breadcrumb, _ := json.Marshal(map[string]string{
		"bot":  data.Client.BotID,
		"flow": data.Context.Flow,
		"step": data.Context.Step.Name,
	})
	destination := Client{
		BotID:     target.ID,
		ChannelID: data.Client.ChannelID,
		UserID:    data.Client.UserID,
	}
	if err := e.store.SetState(ctx, destination, StateTypeBot, StateKeyBot, breadcrumb, expiresAt(data.TTL)); err != nil {
		return nil, storageError("set previous bot", err)
	}

	return &SwitchBot{
		BotID:     target.ID,
		VersionID: target.VersionID,
		Flow:      next.Flow,
		Step:      step.Name,
	}, nil
}

// switchBotMessage is the outbound payload announcing a hand-off.
func switchBotMessage(targetBotID string, client Client) OutMessage {
	content, _ := json.Marshal(map[string]any{
		"bot_id": targetBotID,
		"client": client,
	})
	return OutMessage{ContentType: "switch_bot", Content: content}
}

// updateCurrentContext folds the memories written so far into the context's
// current snapshot, so flows entered via goto see them.
func updateCurrentContext(data *ConversationData, memories map[string]Memory) {
	if data.Context.Current == nil {
		data.Context.Current = make(map[string]json.RawMessage, len(memories))
	}
	for key, mem := range memories {
		data.Context.Current[key] = mem.Value
	}
}

// injectClient inserts a client object into a message content object. Non-
// object content is returned unchanged.
func injectClient(content json.RawMessage, client Client) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil {
		return content
	}
	clientJSON, _ := json.Marshal(client)
	obj["client"] = clientJSON
	merged, err := json.Marshal(obj)
	if err != nil {
		return content
	}
	return merged
}

// emitInterpreterLog forwards a scripted log event to the host logger.
func (e *Engine) emitInterpreterLog(data *ConversationData, ev *LogEvent) {
	args := []any{
		"bot_id", data.Client.BotID,
		"user_id", data.Client.UserID,
		"channel_id", data.Client.ChannelID,
		"flow", ev.Flow,
		"line", ev.Line,
	}
	switch ev.Level {
	case LogError:
		e.logger.Error(ev.Message, args...)
	case LogWarn:
		e.logger.Warn(ev.Message, args...)
	case LogInfo:
		e.logger.Info(ev.Message, args...)
	default:
		e.logger.Debug(ev.Message, args...)
	}
}
