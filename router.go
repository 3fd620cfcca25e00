package bitpart

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// searchFlow chooses the starting (flow, step) for a new interaction.
// flow_trigger events name a flow directly; regex and plain events are
// matched against every flow's command table, picking uniformly at random on
// ties. A regex event matches a command that its pattern matches or that is
// identical to the pattern text. Any successful match deletes an open hold
// for the client.
//
// The router is advisory: callers treat an error as "no match" and fall back
// to the open conversation's recorded position, or the bot default.
func (e *Engine) searchFlow(ctx context.Context, ev Event, bot *Bot, client Client) (*Flow, string, error) {
	switch ev.ContentType {
	case "flow_trigger":
		if err := e.store.DeleteState(ctx, client, StateTypeHold, StateKeyHold); err != nil {
			return nil, "", storageError("delete hold", err)
		}
		var trigger FlowTrigger
		if err := json.Unmarshal([]byte(ev.ContentValue), &trigger); err != nil {
			return nil, "", interpErrorf("invalid flow_trigger content: %v", err)
		}
		flow, err := flowByID(trigger.FlowID, bot.Flows)
		if err != nil {
			fallback, err := defaultFlow(bot)
			if err != nil {
				return nil, "", err
			}
			return fallback, "start", nil
		}
		if trigger.StepID != "" {
			return flow, trigger.StepID, nil
		}
		return flow, "start", nil

	case "regex":
		pattern, err := regexp.Compile(ev.ContentValue)
		if err != nil {
			return nil, "", interpErrorf("no match found for regex: %s", ev.ContentValue)
		}
		var matched []*Flow
		for i := range bot.Flows {
			for _, cmd := range bot.Flows[i].Commands {
				if cmd == ev.ContentValue || pattern.MatchString(cmd) {
					matched = append(matched, &bot.Flows[i])
					break
				}
			}
		}
		if len(matched) == 0 {
			return nil, "", interpErrorf("no match found for regex: %s", ev.ContentValue)
		}
		flow := matched[e.pick(len(matched))]
		if err := e.store.DeleteState(ctx, client, StateTypeHold, StateKeyHold); err != nil {
			return nil, "", storageError("delete hold", err)
		}
		return flow, "start", nil

	default:
		var matched []*Flow
		for i := range bot.Flows {
			for _, cmd := range bot.Flows[i].Commands {
				if strings.EqualFold(cmd, ev.ContentValue) {
					matched = append(matched, &bot.Flows[i])
					break
				}
			}
		}
		if len(matched) == 0 {
			return nil, "", interpErrorf("Flow '%s' does not exist", ev.ContentValue)
		}
		flow := matched[e.pick(len(matched))]
		if err := e.store.DeleteState(ctx, client, StateTypeHold, StateKeyHold); err != nil {
			return nil, "", storageError("delete hold", err)
		}
		return flow, "start", nil
	}
}
