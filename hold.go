package bitpart

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// holdRecord is the serialized form persisted in the (hold, position) state
// row. Hash is the MD5 fingerprint of the suspended step's source text; it
// protects resume from code drift.
type holdRecord struct {
	Index    int             `json:"index"`
	StepVars json.RawMessage `json:"step_vars"`
	Hash     string          `json:"hash"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Secure   bool            `json:"secure"`
}

// stepHash fingerprints the source text of the context's current step.
// The source is located through the interpreter: for a normal step within
// the current flow's compiled form; for a dynamically-determined flow by
// first checking the target flow's insertions; for an inserted step against
// its originating flow.
func (e *Engine) stepHash(c *Context, bot *Bot) (string, error) {
	if bot.AST == "" {
		return "", interpErrorf("not valid ast")
	}
	compiled, err := e.interp.DecodeAST(bot.AST)
	if err != nil {
		return "", interpErrorf("not valid ast")
	}
	def, err := defaultFlow(bot)
	if err != nil {
		return "", err
	}

	var src string
	switch c.Step.Kind {
	case StepNormal:
		flow, err := flowByID(c.Flow, bot.Flows)
		if err != nil {
			return "", err
		}
		cf, ok := compiled[c.Flow]
		if !ok {
			cf = compiled[def.Name]
		}
		src = e.interp.GetStep(c.Step.Name, flow.Content, cf)

	case StepUnknownFlow:
		flow, err := flowByID(c.Flow, bot.Flows)
		if err != nil {
			return "", err
		}
		target, ok := compiled[c.Flow]
		if !ok {
			src = e.interp.GetStep(c.Step.Name, flow.Content, compiled[def.Name])
			break
		}
		if origin, ok := target.InsertOrigin(c.Step.Name); ok {
			if originCompiled, ok := compiled[origin]; ok {
				originFlow, err := flowByID(origin, bot.Flows)
				if err != nil {
					return "", err
				}
				src = e.interp.GetStep(c.Step.Name, originFlow.Content, originCompiled)
			} else {
				src = e.interp.GetStep(c.Step.Name, flow.Content, compiled[def.Name])
			}
		} else {
			src = e.interp.GetStep(c.Step.Name, flow.Content, target)
		}

	case StepInserted:
		flow, err := flowByID(c.Step.Flow, bot.Flows)
		if err != nil {
			return "", err
		}
		cf, ok := compiled[c.Step.Flow]
		if !ok {
			cf = compiled[def.Name]
		}
		src = e.interp.GetStep(c.Step.Name, flow.Content, cf)
	}

	return fmt.Sprintf("%x", md5.Sum([]byte(src))), nil
}

// checkHold loads an open hold for the client and validates its fingerprint
// against the conversation's current step. On a match the hold is consumed:
// its row is deleted and the interpreter resumes from the recorded spot. On
// a mismatch the hold is discarded and the conversation restarts from the
// start of its recorded flow.
func (e *Engine) checkHold(ctx context.Context, data *ConversationData, bot *Bot) error {
	raw, err := e.store.GetState(ctx, data.Client, StateTypeHold, StateKeyHold)
	if err != nil {
		return storageError("get hold", err)
	}
	if raw == nil {
		return nil
	}

	var rec holdRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Unreadable holds cannot be resumed; drop and start fresh.
		return e.discardHold(ctx, data)
	}

	hash, err := e.stepHash(&data.Context, bot)
	if err != nil || hash != rec.Hash {
		e.logger.Info("hold fingerprint mismatch, restarting flow",
			"bot_id", data.Client.BotID,
			"user_id", data.Client.UserID,
			"channel_id", data.Client.ChannelID,
			"flow", data.Context.Flow)
		return e.discardHold(ctx, data)
	}

	if err := e.store.DeleteState(ctx, data.Client, StateTypeHold, StateKeyHold); err != nil {
		return storageError("delete hold", err)
	}
	data.Context.Hold = &Hold{
		Index:    rec.Index,
		StepVars: rec.StepVars,
		StepName: data.Context.Step.Name,
		FlowName: data.Context.Flow,
		Previous: rec.Previous,
		Secure:   rec.Secure,
	}
	return nil
}

// discardHold removes the hold row and resets the conversation to the start
// of its recorded flow.
func (e *Engine) discardHold(ctx context.Context, data *ConversationData) error {
	if err := e.store.DeleteState(ctx, data.Client, StateTypeHold, StateKeyHold); err != nil {
		return storageError("delete hold", err)
	}
	data.Context.Hold = nil
	data.Context.Step = Step{Name: "start"}
	if err := e.store.UpdateConversation(ctx, data.ConversationID, "", "start"); err != nil {
		return storageError("update conversation", err)
	}
	return nil
}

// persistHold stores an interpreter-requested suspension with the current
// step's fingerprint.
func (e *Engine) persistHold(ctx context.Context, data *ConversationData, bot *Bot, hold *Hold) error {
	hash, err := e.stepHash(&data.Context, bot)
	if err != nil {
		return err
	}
	rec := holdRecord{
		Index:    hold.Index,
		StepVars: hold.StepVars,
		Hash:     hash,
		Previous: hold.Previous,
		Secure:   hold.Secure,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return interpErrorf("serialize hold: %v", err)
	}
	if err := e.store.SetState(ctx, data.Client, StateTypeHold, StateKeyHold, value, expiresAt(data.TTL)); err != nil {
		return storageError("set hold", err)
	}
	if e.metrics != nil {
		e.metrics.RecordHold(ctx, data.Client.BotID)
	}
	data.Context.Hold = hold
	return nil
}
