// Package postgres implements bitpart.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitpart/bitpart"
)

// Store implements bitpart.Store backed by PostgreSQL. Insertion order is
// tracked by a bigserial seq column on the append-only tables.
type Store struct {
	pool *pgxpool.Pool
}

var _ bitpart.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			bot_id TEXT NOT NULL,
			bot TEXT NOT NULL,
			engine_version TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			conversation_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			content_type TEXT NOT NULL,
			message_order INT NOT NULL,
			interaction_order INT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS states (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			UNIQUE(bot_id, channel_id, user_id, type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_bot ON bots(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(bot_id, channel_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_bot_status ON conversations(bot_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_client ON memories(bot_id, channel_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Bot versions ---

func (s *Store) CreateBot(ctx context.Context, bot bitpart.Bot, engineVersion string) (bitpart.BotVersion, error) {
	serialized, err := bitpart.MarshalBot(bot)
	if err != nil {
		return bitpart.BotVersion{}, err
	}
	id := bitpart.NewID()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bots (id, bot_id, bot, engine_version, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, bot.ID, string(serialized), engineVersion, bitpart.NowUnix())
	if err != nil {
		return bitpart.BotVersion{}, fmt.Errorf("insert bot: %w", err)
	}
	stored, err := bitpart.UnmarshalBot(serialized)
	if err != nil {
		return bitpart.BotVersion{}, err
	}
	return bitpart.BotVersion{Bot: stored, VersionID: id, EngineVersion: engineVersion}, nil
}

func (s *Store) ListBots(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bot_id FROM bots GROUP BY bot_id ORDER BY MAX(seq) DESC LIMIT $1 OFFSET $2`,
		limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetBotVersions(ctx context.Context, botID string, limit, offset int) ([]bitpart.BotVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE bot_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		botID, limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("get bot versions: %w", err)
	}
	defer rows.Close()

	var versions []bitpart.BotVersion
	for rows.Next() {
		var id, serialized, engineVersion string
		if err := rows.Scan(&id, &serialized, &engineVersion); err != nil {
			return nil, err
		}
		bot, err := bitpart.UnmarshalBot([]byte(serialized))
		if err != nil {
			return nil, err
		}
		versions = append(versions, bitpart.BotVersion{Bot: bot, VersionID: id, EngineVersion: engineVersion})
	}
	return versions, rows.Err()
}

func (s *Store) GetBotVersion(ctx context.Context, versionID string) (*bitpart.BotVersion, error) {
	return s.scanBotVersion(s.pool.QueryRow(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE id = $1`, versionID))
}

func (s *Store) GetLatestBotVersion(ctx context.Context, botID string) (*bitpart.BotVersion, error) {
	return s.scanBotVersion(s.pool.QueryRow(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE bot_id = $1 ORDER BY seq DESC LIMIT 1`, botID))
}

func (s *Store) scanBotVersion(row pgx.Row) (*bitpart.BotVersion, error) {
	var id, serialized, engineVersion string
	if err := row.Scan(&id, &serialized, &engineVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan bot version: %w", err)
	}
	bot, err := bitpart.UnmarshalBot([]byte(serialized))
	if err != nil {
		return nil, err
	}
	return &bitpart.BotVersion{Bot: bot, VersionID: id, EngineVersion: engineVersion}, nil
}

func (s *Store) DeleteBotVersion(ctx context.Context, versionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, versionID)
	return err
}

func (s *Store) DeleteBot(ctx context.Context, botID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE bot_id = $1)`, botID); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM conversations WHERE bot_id = $1`,
		`DELETE FROM memories WHERE bot_id = $1`,
		`DELETE FROM states WHERE bot_id = $1`,
		`DELETE FROM bots WHERE bot_id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, stmt, botID); err != nil {
			return err
		}
	}
	return nil
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, flowID, stepID string, client bitpart.Client, expiresAt int64) (string, error) {
	id := bitpart.NewID()
	now := bitpart.NowUnix()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, client.BotID, client.ChannelID, client.UserID, flowID, stepID, bitpart.StatusOpen, now, now, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return id, nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE id = $3`, status, bitpart.NowUnix(), id)
	return err
}

func (s *Store) CloseClientConversations(ctx context.Context, client bitpart.Client, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, updated_at = $2 WHERE bot_id = $3 AND channel_id = $4 AND user_id = $5`,
		status, bitpart.NowUnix(), client.BotID, client.ChannelID, client.UserID)
	return err
}

func (s *Store) LatestOpenConversation(ctx context.Context, client bitpart.Client) (*bitpart.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3 AND status = $4
		 ORDER BY seq DESC LIMIT 1`,
		client.BotID, client.ChannelID, client.UserID, bitpart.StatusOpen)

	var c bitpart.Conversation
	err := row.Scan(&c.ID, &c.Client.BotID, &c.Client.ChannelID, &c.Client.UserID,
		&c.FlowID, &c.StepID, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest open conversation: %w", err)
	}
	return &c, nil
}

func (s *Store) ConversationsByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3
		 ORDER BY seq LIMIT $4 OFFSET $5`,
		client.BotID, client.ChannelID, client.UserID, limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("conversations by client: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *Store) OpenConversationsByBot(ctx context.Context, botID string, limit, offset int) ([]bitpart.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = $1 AND status = $2
		 ORDER BY seq LIMIT $3 OFFSET $4`,
		botID, bitpart.StatusOpen, limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("open conversations by bot: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows pgx.Rows) ([]bitpart.Conversation, error) {
	var convos []bitpart.Conversation
	for rows.Next() {
		var c bitpart.Conversation
		if err := rows.Scan(&c.ID, &c.Client.BotID, &c.Client.ChannelID, &c.Client.UserID,
			&c.FlowID, &c.StepID, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

func (s *Store) UpdateConversation(ctx context.Context, id, flowID, stepID string) error {
	now := bitpart.NowUnix()
	switch {
	case flowID != "" && stepID != "":
		_, err := s.pool.Exec(ctx,
			`UPDATE conversations SET flow_id = $1, step_id = $2, updated_at = $3 WHERE id = $4`, flowID, stepID, now, id)
		return err
	case flowID != "":
		_, err := s.pool.Exec(ctx,
			`UPDATE conversations SET flow_id = $1, updated_at = $2 WHERE id = $3`, flowID, now, id)
		return err
	case stepID != "":
		_, err := s.pool.Exec(ctx,
			`UPDATE conversations SET step_id = $1, updated_at = $2 WHERE id = $3`, stepID, now, id)
		return err
	}
	return nil
}

// --- Memories ---

func (s *Store) CreateMemory(ctx context.Context, client bitpart.Client, key, value string, expiresAt int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, bot_id, channel_id, user_id, key, value, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, key, value, bitpart.NowUnix(), expiresAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Store) CreateMemories(ctx context.Context, client bitpart.Client, mems []bitpart.Memory, expiresAt int64) error {
	if len(mems) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := bitpart.NowUnix()
	for _, m := range mems {
		batch.Queue(
			`INSERT INTO memories (id, bot_id, channel_id, user_id, key, value, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, m.Key, m.StoredValue(), now, expiresAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert memories: %w", err)
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, client bitpart.Client, key string) (*bitpart.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, bot_id, channel_id, user_id, key, value, created_at, expires_at
		 FROM memories
		 WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3 AND key = $4
		 ORDER BY seq DESC LIMIT 1`,
		client.BotID, client.ChannelID, client.UserID, key)

	var m bitpart.MemoryRecord
	err := row.Scan(&m.ID, &m.Client.BotID, &m.Client.ChannelID, &m.Client.UserID,
		&m.Key, &m.Value, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return &m, nil
}

func (s *Store) MemoriesByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, channel_id, user_id, key, value, created_at, expires_at
		 FROM memories
		 WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3
		 ORDER BY seq LIMIT $4 OFFSET $5`,
		client.BotID, client.ChannelID, client.UserID, limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("memories by client: %w", err)
	}
	defer rows.Close()

	var mems []bitpart.MemoryRecord
	for rows.Next() {
		var m bitpart.MemoryRecord
		if err := rows.Scan(&m.ID, &m.Client.BotID, &m.Client.ChannelID, &m.Client.UserID,
			&m.Key, &m.Value, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

func (s *Store) DeleteMemory(ctx context.Context, client bitpart.Client, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3 AND key = $4`,
		client.BotID, client.ChannelID, client.UserID, key)
	return err
}

func (s *Store) DeleteMemories(ctx context.Context, client bitpart.Client) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3`,
		client.BotID, client.ChannelID, client.UserID)
	return err
}

// --- Messages ---

func (s *Store) CreateMessages(ctx context.Context, conversationID, flowID, stepID, direction string, payloads []json.RawMessage, interactionOrder int, expiresAt int64) error {
	if len(payloads) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := bitpart.NowUnix()
	for order, payload := range payloads {
		batch.Queue(
			`INSERT INTO messages (id, conversation_id, flow_id, step_id, direction, payload, content_type, message_order, interaction_order, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			bitpart.NewID(), conversationID, flowID, stepID, direction, string(payload),
			payloadContentType(payload), order, interactionOrder, now, expiresAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return nil
}

func (s *Store) MessagesByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.MessageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.flow_id, m.step_id, m.direction, m.payload, m.content_type, m.message_order, m.interaction_order, m.created_at, m.expires_at
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.bot_id = $1 AND c.channel_id = $2 AND c.user_id = $3
		 ORDER BY m.seq LIMIT $4 OFFSET $5`,
		client.BotID, client.ChannelID, client.UserID, limitOrNil(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("messages by client: %w", err)
	}
	defer rows.Close()

	var msgs []bitpart.MessageRecord
	for rows.Next() {
		var m bitpart.MessageRecord
		var payload string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FlowID, &m.StepID, &m.Direction,
			&payload, &m.ContentType, &m.MessageOrder, &m.InteractionOrder, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- State ---

func (s *Store) GetState(ctx context.Context, client bitpart.Client, typ, key string) (json.RawMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT value FROM states WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3 AND type = $4 AND key = $5`,
		client.BotID, client.ChannelID, client.UserID, typ, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return json.RawMessage(value), nil
}

func (s *Store) StatesByClient(ctx context.Context, client bitpart.Client) ([]bitpart.StateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, channel_id, user_id, type, key, value, created_at, updated_at, expires_at
		 FROM states WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3`,
		client.BotID, client.ChannelID, client.UserID)
	if err != nil {
		return nil, fmt.Errorf("states by client: %w", err)
	}
	defer rows.Close()

	var states []bitpart.StateRecord
	for rows.Next() {
		var st bitpart.StateRecord
		var value string
		if err := rows.Scan(&st.ID, &st.Client.BotID, &st.Client.ChannelID, &st.Client.UserID,
			&st.Type, &st.Key, &value, &st.CreatedAt, &st.UpdatedAt, &st.ExpiresAt); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(value)
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *Store) SetState(ctx context.Context, client bitpart.Client, typ, key string, value json.RawMessage, expiresAt int64) error {
	now := bitpart.NowUnix()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO states (id, bot_id, channel_id, user_id, type, key, value, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (bot_id, channel_id, user_id, type, key)
		 DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, typ, key, string(value), now, now, expiresAt)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (s *Store) DeleteState(ctx context.Context, client bitpart.Client, typ, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM states WHERE bot_id = $1 AND channel_id = $2 AND user_id = $3 AND type = $4 AND key = $5`,
		client.BotID, client.ChannelID, client.UserID, typ, key)
	return err
}

// --- Maintenance ---

func (s *Store) PurgeExpired(ctx context.Context, now int64) (int, error) {
	var purged int
	for _, table := range []string{"conversations", "memories", "messages", "states"} {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM `+table+` WHERE expires_at > 0 AND expires_at <= $1`, now)
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", table, err)
		}
		purged += int(tag.RowsAffected())
	}
	return purged, nil
}

// limitOrNil maps 0 to "no limit" (NULL LIMIT in PostgreSQL).
func limitOrNil(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// payloadContentType extracts the content_type field from a payload object.
func payloadContentType(payload json.RawMessage) string {
	var probe struct {
		ContentType string `json:"content_type"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.ContentType
}
