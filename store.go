package bitpart

import (
	"context"
	"encoding/json"
)

// Store abstracts durable persistence for bots, conversations, memories,
// messages, and engine state. All writes are individual transactions; there
// is no multi-entity atomicity requirement. Absent rows are reported as nil
// results, not errors. updated_at maintenance is the store's job; the engine
// never sets it.
type Store interface {
	// --- Bot versions ---

	// CreateBot stores a new immutable version of the bot program and
	// returns it with its surrogate version ID.
	CreateBot(ctx context.Context, bot Bot, engineVersion string) (BotVersion, error)
	// ListBots returns distinct bot IDs, newest first.
	ListBots(ctx context.Context, limit, offset int) ([]string, error)
	// GetBotVersions returns all versions of a bot, newest first.
	GetBotVersions(ctx context.Context, botID string, limit, offset int) ([]BotVersion, error)
	GetBotVersion(ctx context.Context, versionID string) (*BotVersion, error)
	GetLatestBotVersion(ctx context.Context, botID string) (*BotVersion, error)
	DeleteBotVersion(ctx context.Context, versionID string) error
	// DeleteBot removes every version of the bot along with its
	// conversations, memories, messages, and state rows.
	DeleteBot(ctx context.Context, botID string) error

	// --- Conversations ---

	// CreateConversation inserts a new OPEN conversation and returns its ID.
	CreateConversation(ctx context.Context, flowID, stepID string, client Client, expiresAt int64) (string, error)
	SetConversationStatus(ctx context.Context, id, status string) error
	// CloseClientConversations sets every conversation of the client to the
	// given status.
	CloseClientConversations(ctx context.Context, client Client, status string) error
	// LatestOpenConversation returns the most recently created OPEN
	// conversation for the client, or nil.
	LatestOpenConversation(ctx context.Context, client Client) (*Conversation, error)
	ConversationsByClient(ctx context.Context, client Client, limit, offset int) ([]Conversation, error)
	OpenConversationsByBot(ctx context.Context, botID string, limit, offset int) ([]Conversation, error)
	// UpdateConversation updates the flow and/or step position. An empty
	// string leaves the column unchanged.
	UpdateConversation(ctx context.Context, id, flowID, stepID string) error

	// --- Memories ---

	CreateMemory(ctx context.Context, client Client, key, value string, expiresAt int64) error
	// CreateMemories bulk-inserts scripted memories, stripping surrounding
	// quote characters from each JSON-serialized value.
	CreateMemories(ctx context.Context, client Client, mems []Memory, expiresAt int64) error
	// GetMemory returns the latest-inserted record for the key, or nil.
	GetMemory(ctx context.Context, client Client, key string) (*MemoryRecord, error)
	// MemoriesByClient returns the client's memories in insertion order.
	MemoriesByClient(ctx context.Context, client Client, limit, offset int) ([]MemoryRecord, error)
	DeleteMemory(ctx context.Context, client Client, key string) error
	DeleteMemories(ctx context.Context, client Client) error

	// --- Messages ---

	// CreateMessages appends one batch of chat payloads. message_order is
	// the index within payloads; every row carries interactionOrder.
	CreateMessages(ctx context.Context, conversationID, flowID, stepID, direction string, payloads []json.RawMessage, interactionOrder int, expiresAt int64) error
	MessagesByClient(ctx context.Context, client Client, limit, offset int) ([]MessageRecord, error)

	// --- State ---

	// GetState returns the value at (client, type, key), or nil.
	GetState(ctx context.Context, client Client, typ, key string) (json.RawMessage, error)
	StatesByClient(ctx context.Context, client Client) ([]StateRecord, error)
	// SetState upserts by the composite unique key (client, type, key).
	SetState(ctx context.Context, client Client, typ, key string, value json.RawMessage, expiresAt int64) error
	DeleteState(ctx context.Context, client Client, typ, key string) error

	// --- Maintenance ---

	// PurgeExpired deletes rows whose expires_at has lapsed and reports how
	// many were removed.
	PurgeExpired(ctx context.Context, now int64) (int, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}
