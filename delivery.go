package bitpart

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// replyTimeFormat is ISO-8601 with millisecond precision; UTC renders as Z.
const replyTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// formatEnvelope wraps a set of outbound messages in the reply-envelope
// shape shared by the synchronous reply and the callback POSTs.
func formatEnvelope(data *ConversationData, msgs []OutMessage, interactionOrder int, end bool) ReplyEnvelope {
	formatted := make([]ReplyMessage, 0, len(msgs))
	for _, m := range msgs {
		formatted = append(formatted, ReplyMessage{
			Payload:          m.JSON(),
			InteractionOrder: interactionOrder,
			ConversationID:   data.ConversationID,
			Direction:        DirectionSend,
		})
	}
	return ReplyEnvelope{
		Messages:        formatted,
		ConversationEnd: end,
		RequestID:       data.RequestID,
		ReceivedAt:      time.Now().UTC().Format(replyTimeFormat),
		Client:          data.Client,
	}
}

// sendToCallback POSTs one burst of messages to the request's callback URL
// as it is produced. Delivery is best-effort: a failure is logged at warn
// and does not affect engine state. No retries.
func (e *Engine) sendToCallback(ctx context.Context, data *ConversationData, msgs []OutMessage, interactionOrder int, end bool) {
	if data.CallbackURL == "" {
		return
	}
	envelope := formatEnvelope(data, msgs, interactionOrder, end)
	body, err := json.Marshal(envelope)
	if err != nil {
		e.logger.Warn("callback envelope encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, data.CallbackURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("callback request build failed", "url", data.CallbackURL, "error", err)
		return
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		e.logger.Warn("callback_url call failed", "url", data.CallbackURL, "error", err)
		if e.metrics != nil {
			e.metrics.RecordCallbackFailure(ctx)
		}
		return
	}
	resp.Body.Close()
}
