package bitpart

import (
	"context"
	"encoding/json"
	"sync"
)

// --- scripted interpreter ---

// fakeCompiled is a minimal CompiledFlow for tests.
type fakeCompiled struct {
	inserts map[string]string
}

func (f *fakeCompiled) InsertOrigin(step string) (string, bool) {
	from, ok := f.inserts[step]
	return from, ok
}

// fakeInterp is a scripted Interpreter: Interpret pushes a fixed event
// sequence, and GetStep derives the step source from the flow source so
// fingerprints track content changes.
type fakeInterp struct {
	events      []InterpreterEvent
	onInterpret func(bot Bot, ctx Context, ev Event, sink chan<- InterpreterEvent)
	validateErr error
	modulesErr  error
}

func (f *fakeInterp) Validate(bot *Bot) error {
	if f.validateErr != nil {
		return f.validateErr
	}
	bot.AST = "fake-ast"
	return nil
}

func (f *fakeInterp) SearchModules(bot *Bot) error { return f.modulesErr }

func (f *fakeInterp) LoadComponents() (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}

func (f *fakeInterp) Interpret(bot Bot, ctx Context, ev Event, sink chan<- InterpreterEvent) {
	defer close(sink)
	if f.onInterpret != nil {
		f.onInterpret(bot, ctx, ev, sink)
		return
	}
	for _, e := range f.events {
		sink <- e
	}
}

func (f *fakeInterp) GetStep(step string, flowSource string, flow CompiledFlow) string {
	return flowSource + "#" + step
}

func (f *fakeInterp) DecodeAST(encoded string) (map[string]CompiledFlow, error) {
	if encoded == "" {
		return nil, interpErrorf("not valid ast")
	}
	return map[string]CompiledFlow{}, nil
}

// --- in-memory store ---

// memStore is an in-memory Store for unit tests.
type memStore struct {
	mu            sync.Mutex
	bots          []BotVersion
	conversations []Conversation
	memories      []MemoryRecord
	messages      []MessageRecord
	states        []StateRecord
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) CreateBot(ctx context.Context, bot Bot, engineVersion string) (BotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	serialized, err := MarshalBot(bot)
	if err != nil {
		return BotVersion{}, err
	}
	stored, err := UnmarshalBot(serialized)
	if err != nil {
		return BotVersion{}, err
	}
	v := BotVersion{Bot: stored, VersionID: NewID(), EngineVersion: engineVersion}
	s.bots = append(s.bots, v)
	return v, nil
}

func (s *memStore) ListBots(ctx context.Context, limit, offset int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for i := len(s.bots) - 1; i >= 0; i-- {
		if !seen[s.bots[i].Bot.ID] {
			seen[s.bots[i].Bot.ID] = true
			ids = append(ids, s.bots[i].Bot.ID)
		}
	}
	return ids, nil
}

func (s *memStore) GetBotVersions(ctx context.Context, botID string, limit, offset int) ([]BotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BotVersion
	for i := len(s.bots) - 1; i >= 0; i-- {
		if s.bots[i].Bot.ID == botID {
			out = append(out, s.bots[i])
		}
	}
	return out, nil
}

func (s *memStore) GetBotVersion(ctx context.Context, versionID string) (*BotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bots {
		if s.bots[i].VersionID == versionID {
			v := s.bots[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetLatestBotVersion(ctx context.Context, botID string) (*BotVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.bots) - 1; i >= 0; i-- {
		if s.bots[i].Bot.ID == botID {
			v := s.bots[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *memStore) DeleteBotVersion(ctx context.Context, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bots {
		if s.bots[i].VersionID == versionID {
			s.bots = append(s.bots[:i], s.bots[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteBot removes the bot's versions and conversations; its memories,
// messages and state rows are left in place.
func (s *memStore) DeleteBot(ctx context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bots []BotVersion
	for _, b := range s.bots {
		if b.Bot.ID != botID {
			bots = append(bots, b)
		}
	}
	s.bots = bots
	var convos []Conversation
	for _, c := range s.conversations {
		if c.Client.BotID != botID {
			convos = append(convos, c)
		}
	}
	s.conversations = convos
	return nil
}

func (s *memStore) CreateConversation(ctx context.Context, flowID, stepID string, client Client, expiresAt int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Conversation{
		ID: NewID(), Client: client, FlowID: flowID, StepID: stepID,
		Status: StatusOpen, CreatedAt: NowUnix(), UpdatedAt: NowUnix(), ExpiresAt: expiresAt,
	}
	s.conversations = append(s.conversations, c)
	return c.ID, nil
}

func (s *memStore) SetConversationStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i].Status = status
		}
	}
	return nil
}

func (s *memStore) CloseClientConversations(ctx context.Context, client Client, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].Client == client {
			s.conversations[i].Status = status
		}
	}
	return nil
}

func (s *memStore) LatestOpenConversation(ctx context.Context, client Client) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.conversations) - 1; i >= 0; i-- {
		if s.conversations[i].Client == client && s.conversations[i].Status == StatusOpen {
			c := s.conversations[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) ConversationsByClient(ctx context.Context, client Client, limit, offset int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.Client == client {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) OpenConversationsByBot(ctx context.Context, botID string, limit, offset int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.Client.BotID == botID && c.Status == StatusOpen {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateConversation(ctx context.Context, id, flowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			if flowID != "" {
				s.conversations[i].FlowID = flowID
			}
			if stepID != "" {
				s.conversations[i].StepID = stepID
			}
		}
	}
	return nil
}

func (s *memStore) CreateMemory(ctx context.Context, client Client, key, value string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = append(s.memories, MemoryRecord{
		ID: NewID(), Client: client, Key: key, Value: value, CreatedAt: NowUnix(), ExpiresAt: expiresAt,
	})
	return nil
}

func (s *memStore) CreateMemories(ctx context.Context, client Client, mems []Memory, expiresAt int64) error {
	for _, m := range mems {
		if err := s.CreateMemory(ctx, client, m.Key, m.StoredValue(), expiresAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) GetMemory(ctx context.Context, client Client, key string) (*MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.memories) - 1; i >= 0; i-- {
		if s.memories[i].Client == client && s.memories[i].Key == key {
			m := s.memories[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) MemoriesByClient(ctx context.Context, client Client, limit, offset int) ([]MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryRecord
	for _, m := range s.memories {
		if m.Client == client {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) DeleteMemory(ctx context.Context, client Client, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []MemoryRecord
	for _, m := range s.memories {
		if !(m.Client == client && m.Key == key) {
			kept = append(kept, m)
		}
	}
	s.memories = kept
	return nil
}

func (s *memStore) DeleteMemories(ctx context.Context, client Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []MemoryRecord
	for _, m := range s.memories {
		if m.Client != client {
			kept = append(kept, m)
		}
	}
	s.memories = kept
	return nil
}

func (s *memStore) CreateMessages(ctx context.Context, conversationID, flowID, stepID, direction string, payloads []json.RawMessage, interactionOrder int, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for order, payload := range payloads {
		var probe struct {
			ContentType string `json:"content_type"`
		}
		_ = json.Unmarshal(payload, &probe)
		s.messages = append(s.messages, MessageRecord{
			ID: NewID(), ConversationID: conversationID, FlowID: flowID, StepID: stepID,
			Direction: direction, Payload: payload, ContentType: probe.ContentType,
			MessageOrder: order, InteractionOrder: interactionOrder,
			CreatedAt: NowUnix(), ExpiresAt: expiresAt,
		})
	}
	return nil
}

func (s *memStore) MessagesByClient(ctx context.Context, client Client, limit, offset int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convos := map[string]bool{}
	for _, c := range s.conversations {
		if c.Client == client {
			convos[c.ID] = true
		}
	}
	var out []MessageRecord
	for _, m := range s.messages {
		if convos[m.ConversationID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetState(ctx context.Context, client Client, typ, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Client == client && st.Type == typ && st.Key == key {
			return st.Value, nil
		}
	}
	return nil, nil
}

func (s *memStore) StatesByClient(ctx context.Context, client Client) ([]StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StateRecord
	for _, st := range s.states {
		if st.Client == client {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *memStore) SetState(ctx context.Context, client Client, typ, key string, value json.RawMessage, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.states {
		if s.states[i].Client == client && s.states[i].Type == typ && s.states[i].Key == key {
			s.states[i].Value = value
			s.states[i].ExpiresAt = expiresAt
			s.states[i].UpdatedAt = NowUnix()
			return nil
		}
	}
	s.states = append(s.states, StateRecord{
		ID: NewID(), Client: client, Type: typ, Key: key, Value: value,
		CreatedAt: NowUnix(), UpdatedAt: NowUnix(), ExpiresAt: expiresAt,
	})
	return nil
}

func (s *memStore) DeleteState(ctx context.Context, client Client, typ, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []StateRecord
	for _, st := range s.states {
		if !(st.Client == client && st.Type == typ && st.Key == key) {
			kept = append(kept, st)
		}
	}
	s.states = kept
	return nil
}

// PurgeExpired removes nothing and reports zero.
func (s *memStore) PurgeExpired(ctx context.Context, now int64) (int, error) {
	return 0, nil
}

var _ Store = (*memStore)(nil)

// --- common fixtures ---

func testClient() Client {
	return Client{BotID: "b1", ChannelID: "c1", UserID: "u1"}
}

func helloBot() *Bot {
	return &Bot{
		ID:   "b1",
		Name: "t",
		Flows: []Flow{
			{ID: "Default", Name: "Default", Content: `start: say "Hello" goto end`, Commands: []string{}},
		},
		DefaultFlow: "Default",
		AST:         "fake-ast",
	}
}

func textEvent(text string) SerializedEvent {
	payload, _ := json.Marshal(map[string]any{
		"content_type": "text",
		"content":      map[string]string{"text": text},
	})
	return SerializedEvent{
		ID:      "request_id",
		Client:  testClient(),
		Payload: payload,
	}
}

func sayEvent(text string) InterpreterEvent {
	content, _ := json.Marshal(map[string]string{"text": text})
	return InterpreterEvent{
		Type:    EventMessage,
		Message: &OutMessage{ContentType: "text", Content: content},
	}
}

func gotoEnd() InterpreterEvent {
	return InterpreterEvent{Type: EventNext, Next: &Next{Step: &Step{Name: "end"}}}
}
