// Package sqlite implements bitpart.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitpart/bitpart"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store logs at debug level when it opens, starts init,
// creates a bot version or conversation, and deletes a bot, and at info level
// when init completes (with its duration) and when a purge removes rows.
// Other operations are not logged. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements bitpart.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ bitpart.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables, indexes, and triggers.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			bot TEXT NOT NULL,
			engine_version TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload TEXT NOT NULL,
			content_type TEXT NOT NULL,
			message_order INTEGER NOT NULL,
			interaction_order INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS states (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(bot_id, channel_id, user_id, type, key)
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_bots_bot ON bots(bot_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(bot_id, channel_id, user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_bot_status ON conversations(bot_id, status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_client ON memories(bot_id, channel_id, user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)

	// updated_at is owned by the storage layer: maintained by trigger, never
	// set by the engine.
	_, _ = s.db.ExecContext(ctx, `CREATE TRIGGER IF NOT EXISTS conversations_updated_at
		AFTER UPDATE ON conversations
		FOR EACH ROW
		BEGIN
			UPDATE conversations SET updated_at = unixepoch() WHERE id = NEW.id;
		END`)
	_, _ = s.db.ExecContext(ctx, `CREATE TRIGGER IF NOT EXISTS states_updated_at
		AFTER UPDATE ON states
		FOR EACH ROW
		BEGIN
			UPDATE states SET updated_at = unixepoch() WHERE id = NEW.id;
		END`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Bot versions ---

// CreateBot stores a new immutable version of the bot program.
func (s *Store) CreateBot(ctx context.Context, bot bitpart.Bot, engineVersion string) (bitpart.BotVersion, error) {
	serialized, err := bitpart.MarshalBot(bot)
	if err != nil {
		return bitpart.BotVersion{}, err
	}
	id := bitpart.NewID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bots (id, bot_id, bot, engine_version, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, bot.ID, string(serialized), engineVersion, bitpart.NowUnix())
	if err != nil {
		return bitpart.BotVersion{}, fmt.Errorf("insert bot: %w", err)
	}
	s.logger.Debug("sqlite: bot version created", "bot_id", bot.ID, "version_id", id)

	stored, err := bitpart.UnmarshalBot(serialized)
	if err != nil {
		return bitpart.BotVersion{}, err
	}
	return bitpart.BotVersion{Bot: stored, VersionID: id, EngineVersion: engineVersion}, nil
}

// ListBots returns distinct bot IDs, newest first.
func (s *Store) ListBots(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_id FROM bots GROUP BY bot_id ORDER BY MAX(rowid) DESC LIMIT ? OFFSET ?`,
		limitOrAll(limit), offset)
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

// GetBotVersions returns all versions of a bot, newest first.
func (s *Store) GetBotVersions(ctx context.Context, botID string, limit, offset int) ([]bitpart.BotVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE bot_id = ? ORDER BY rowid DESC LIMIT ? OFFSET ?`,
		botID, limitOrAll(limit), offset)
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

// GetBotVersion returns one version by its surrogate ID, or nil.
func (s *Store) GetBotVersion(ctx context.Context, versionID string) (*bitpart.BotVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE id = ?`, versionID)
	return scanBotVersion(row)
}

// GetLatestBotVersion returns the most recently created version, or nil.
func (s *Store) GetLatestBotVersion(ctx context.Context, botID string) (*bitpart.BotVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot, engine_version FROM bots WHERE bot_id = ? ORDER BY rowid DESC LIMIT 1`, botID)
	return scanBotVersion(row)
}

func scanBotVersion(row *sql.Row) (*bitpart.BotVersion, error) {
	var id, serialized, engineVersion string
	if err := row.Scan(&id, &serialized, &engineVersion); err != nil {
		if err == sql.ErrNoRows {
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

// DeleteBotVersion removes a single version.
func (s *Store) DeleteBotVersion(ctx context.Context, versionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, versionID)
	return err
}

// DeleteBot removes every version of the bot along with its conversations,
// messages, memories, and state rows.
func (s *Store) DeleteBot(ctx context.Context, botID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE bot_id = ?)`, botID); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM conversations WHERE bot_id = ?`,
		`DELETE FROM memories WHERE bot_id = ?`,
		`DELETE FROM states WHERE bot_id = ?`,
		`DELETE FROM bots WHERE bot_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, botID); err != nil {
			return err
		}
	}
	s.logger.Debug("sqlite: bot deleted", "bot_id", botID)
	return nil
}

// --- Conversations ---

// CreateConversation inserts a new OPEN conversation and returns its ID.
func (s *Store) CreateConversation(ctx context.Context, flowID, stepID string, client bitpart.Client, expiresAt int64) (string, error) {
	id := bitpart.NewID()
	now := bitpart.NowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, client.BotID, client.ChannelID, client.UserID, flowID, stepID, bitpart.StatusOpen, now, now, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	s.logger.Debug("sqlite: conversation created", "id", id, "bot_id", client.BotID, "flow_id", flowID)
	return id, nil
}

// SetConversationStatus updates one conversation's status.
func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, status, id)
	return err
}

// CloseClientConversations sets every conversation of the client to status.
func (s *Store) CloseClientConversations(ctx context.Context, client bitpart.Client, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE bot_id = ? AND channel_id = ? AND user_id = ?`,
		status, client.BotID, client.ChannelID, client.UserID)
	return err
}

// LatestOpenConversation returns the newest OPEN conversation, or nil.
func (s *Store) LatestOpenConversation(ctx context.Context, client bitpart.Client) (*bitpart.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND status = ?
		 ORDER BY rowid DESC LIMIT 1`,
		client.BotID, client.ChannelID, client.UserID, bitpart.StatusOpen)

	var c bitpart.Conversation
	err := row.Scan(&c.ID, &c.Client.BotID, &c.Client.ChannelID, &c.Client.UserID,
		&c.FlowID, &c.StepID, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest open conversation: %w", err)
	}
	return &c, nil
}

// ConversationsByClient returns the client's conversations in creation order.
func (s *Store) ConversationsByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = ? AND channel_id = ? AND user_id = ?
		 ORDER BY rowid LIMIT ? OFFSET ?`,
		client.BotID, client.ChannelID, client.UserID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("conversations by client: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// OpenConversationsByBot returns every OPEN conversation of the bot.
func (s *Store) OpenConversationsByBot(ctx context.Context, botID string, limit, offset int) ([]bitpart.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, flow_id, step_id, status, created_at, updated_at, expires_at
		 FROM conversations
		 WHERE bot_id = ? AND status = ?
		 ORDER BY rowid LIMIT ? OFFSET ?`,
		botID, bitpart.StatusOpen, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("open conversations by bot: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]bitpart.Conversation, error) {
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

// UpdateConversation updates the flow and/or step position. An empty string
// leaves the column unchanged.
func (s *Store) UpdateConversation(ctx context.Context, id, flowID, stepID string) error {
	switch {
	case flowID != "" && stepID != "":
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET flow_id = ?, step_id = ? WHERE id = ?`, flowID, stepID, id)
		return err
	case flowID != "":
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET flow_id = ? WHERE id = ?`, flowID, id)
		return err
	case stepID != "":
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET step_id = ? WHERE id = ?`, stepID, id)
		return err
	}
	return nil
}

// --- Memories ---

// CreateMemory inserts a single memory row.
func (s *Store) CreateMemory(ctx context.Context, client bitpart.Client, key, value string, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, bot_id, channel_id, user_id, key, value, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, key, value, bitpart.NowUnix(), expiresAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// CreateMemories bulk-inserts scripted memories, stripping surrounding quote
// characters from each JSON-serialized value.
func (s *Store) CreateMemories(ctx context.Context, client bitpart.Client, mems []bitpart.Memory, expiresAt int64) error {
	if len(mems) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := bitpart.NowUnix()
	for _, m := range mems {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, bot_id, channel_id, user_id, key, value, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, m.Key, m.StoredValue(), now, expiresAt); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}
	return tx.Commit()
}

// GetMemory returns the latest-inserted record for the key, or nil.
func (s *Store) GetMemory(ctx context.Context, client bitpart.Client, key string) (*bitpart.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, key, value, created_at, expires_at
		 FROM memories
		 WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND key = ?
		 ORDER BY rowid DESC LIMIT 1`,
		client.BotID, client.ChannelID, client.UserID, key)

	var m bitpart.MemoryRecord
	err := row.Scan(&m.ID, &m.Client.BotID, &m.Client.ChannelID, &m.Client.UserID,
		&m.Key, &m.Value, &m.CreatedAt, &m.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return &m, nil
}

// MemoriesByClient returns the client's memories in insertion order.
func (s *Store) MemoriesByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, key, value, created_at, expires_at
		 FROM memories
		 WHERE bot_id = ? AND channel_id = ? AND user_id = ?
		 ORDER BY rowid LIMIT ? OFFSET ?`,
		client.BotID, client.ChannelID, client.UserID, limitOrAll(limit), offset)
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

// DeleteMemory deletes every row for the key.
func (s *Store) DeleteMemory(ctx context.Context, client bitpart.Client, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND key = ?`,
		client.BotID, client.ChannelID, client.UserID, key)
	return err
}

// DeleteMemories deletes every memory of the client.
func (s *Store) DeleteMemories(ctx context.Context, client bitpart.Client) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE bot_id = ? AND channel_id = ? AND user_id = ?`,
		client.BotID, client.ChannelID, client.UserID)
	return err
}

// --- Messages ---

// CreateMessages appends one batch of chat payloads.
func (s *Store) CreateMessages(ctx context.Context, conversationID, flowID, stepID, direction string, payloads []json.RawMessage, interactionOrder int, expiresAt int64) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := bitpart.NowUnix()
	for order, payload := range payloads {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, flow_id, step_id, direction, payload, content_type, message_order, interaction_order, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			bitpart.NewID(), conversationID, flowID, stepID, direction, string(payload),
			payloadContentType(payload), order, interactionOrder, now, expiresAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// MessagesByClient returns the chat log across the client's conversations.
func (s *Store) MessagesByClient(ctx context.Context, client bitpart.Client, limit, offset int) ([]bitpart.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.flow_id, m.step_id, m.direction, m.payload, m.content_type, m.message_order, m.interaction_order, m.created_at, m.expires_at
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.bot_id = ? AND c.channel_id = ? AND c.user_id = ?
		 ORDER BY m.rowid LIMIT ? OFFSET ?`,
		client.BotID, client.ChannelID, client.UserID, limitOrAll(limit), offset)
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

// GetState returns the value at (client, type, key), or nil.
func (s *Store) GetState(ctx context.Context, client bitpart.Client, typ, key string) (json.RawMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM states WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND type = ? AND key = ?`,
		client.BotID, client.ChannelID, client.UserID, typ, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return json.RawMessage(value), nil
}

// StatesByClient returns every state row of the client.
func (s *Store) StatesByClient(ctx context.Context, client bitpart.Client) ([]bitpart.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, channel_id, user_id, type, key, value, created_at, updated_at, expires_at
		 FROM states WHERE bot_id = ? AND channel_id = ? AND user_id = ? ORDER BY rowid`,
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

// SetState upserts by the composite unique key (client, type, key).
func (s *Store) SetState(ctx context.Context, client bitpart.Client, typ, key string, value json.RawMessage, expiresAt int64) error {
	now := bitpart.NowUnix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO states (id, bot_id, channel_id, user_id, type, key, value, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bot_id, channel_id, user_id, type, key)
		 DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		bitpart.NewID(), client.BotID, client.ChannelID, client.UserID, typ, key, string(value), now, now, expiresAt)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// DeleteState removes the row at (client, type, key).
func (s *Store) DeleteState(ctx context.Context, client bitpart.Client, typ, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM states WHERE bot_id = ? AND channel_id = ? AND user_id = ? AND type = ? AND key = ?`,
		client.BotID, client.ChannelID, client.UserID, typ, key)
	return err
}

// --- Maintenance ---

// PurgeExpired deletes rows whose expires_at has lapsed.
func (s *Store) PurgeExpired(ctx context.Context, now int64) (int, error) {
	var purged int
	for _, table := range []string{"conversations", "memories", "messages", "states"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at > 0 AND expires_at <= ?`, now)
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += int(n)
		}
	}
	if purged > 0 {
		s.logger.Info("sqlite: purged expired rows", "count", purged)
	}
	return purged, nil
}

// limitOrAll maps 0 to SQLite's "no limit" sentinel.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
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
