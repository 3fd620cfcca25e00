package bitpart

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// eventPayload is the payload section of an inbound event envelope.
type eventPayload struct {
	ContentType string          `json:"content_type"`
	Content     json.RawMessage `json:"content"`
	Secure      *bool           `json:"secure,omitempty"`
}

// NewEvent validates an inbound event envelope and extracts its typed
// content. Validation failures are interpreter-kind errors; the engine never
// retries normalization.
func NewEvent(se SerializedEvent) (Event, error) {
	var payload eventPayload
	if err := json.Unmarshal(se.Payload, &payload); err != nil {
		return Event{}, interpErrorf("invalid event payload: %v", err)
	}
	if payload.ContentType == "" {
		return Event{}, interpErrorf("no content_type in event payload")
	}

	value, err := eventContent(payload.ContentType, payload.Content)
	if err != nil {
		return Event{}, err
	}

	// Absent secure defaults to true.
	secure := true
	if payload.Secure != nil {
		secure = *payload.Secure
	}

	return Event{
		ContentType:  payload.ContentType,
		ContentValue: value,
		Content:      payload.Content,
		TTLDuration:  se.TTLDuration,
		LowDataMode:  se.LowDataMode,
		StepLimit:    se.StepLimit,
		Secure:       secure,
	}, nil
}

// eventContent applies the per-content-type extraction rule.
func eventContent(contentType string, content json.RawMessage) (string, error) {
	switch contentType {
	case "file", "audio", "video", "image", "url":
		if v, ok := stringField(content, "url"); ok {
			return v, nil
		}
		return "", interpErrorf("no url content in event")
	case "payload":
		if v, ok := stringField(content, "payload"); ok {
			return v, nil
		}
		return "", interpErrorf("no payload content in event")
	case "text":
		if v, ok := stringField(content, "text"); ok {
			return v, nil
		}
		return "", interpErrorf("no text content in event")
	case "regex":
		if v, ok := stringField(content, "payload"); ok {
			return v, nil
		}
		return "", interpErrorf("invalid payload for event type regex")
	case "flow_trigger":
		var trigger FlowTrigger
		if err := json.Unmarshal(content, &trigger); err != nil || trigger.FlowID == "" {
			return "", interpErrorf("invalid content for event type flow_trigger: expect flow_id and optional step_id")
		}
		return string(content), nil
	default:
		return "", interpErrorf("%s is not a valid content_type", contentType)
	}
}

// stringField extracts a string field from a JSON object.
func stringField(raw json.RawMessage, key string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(obj[key], &s); err != nil {
		return "", false
	}
	return s, true
}

// ttlDuration resolves the event's retention window: the event value wins,
// then the TTL_DURATION env var (days). Nil means rows never expire.
func ttlDuration(ev Event) *time.Duration {
	if ev.TTLDuration != nil {
		d := time.Duration(*ev.TTLDuration) * 24 * time.Hour
		return &d
	}
	if v := os.Getenv("TTL_DURATION"); v != "" {
		if days, err := strconv.ParseInt(v, 10, 64); err == nil {
			d := time.Duration(days) * 24 * time.Hour
			return &d
		}
	}
	return nil
}

// lowDataMode resolves the event's low-data flag: the event value wins, then
// the LOW_DATA_MODE env var.
func lowDataMode(ev Event) bool {
	if ev.LowDataMode != nil {
		return *ev.LowDataMode
	}
	if v := os.Getenv("LOW_DATA_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return false
}

// expiresAt converts a TTL into an absolute Unix expiry, or 0 for none.
func expiresAt(ttl *time.Duration) int64 {
	if ttl == nil {
		return 0
	}
	return time.Now().Add(*ttl).Unix()
}
