package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
)

// Memory is an in-process conversation store used by the dev server and tests. It keeps
// the same uniqueness and write-once rules as the DynamoDB client.
type Memory struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]domain.Conversation
	participants  map[string]string
	messages      map[string]domain.Message
	outcomes      map[string]domain.Outcome
	deadLetters   []domain.DeadLetter
}

func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		conversations: make(map[string]domain.Conversation),
		participants:  make(map[string]string),
		messages:      make(map[string]domain.Message),
		outcomes:      make(map[string]domain.Outcome),
	}
}

func messageKey(conversationID, externalID string) string {
	return conversationID + "|" + externalID
}

func (m *Memory) GetOrCreateConversation(_ context.Context, participantID string, seed domain.ConversationSeed) (domain.Conversation, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Conversation{}, errors.New("repository: GetOrCreateConversation: participant id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.participants[participantID]; ok {
		return m.conversations[id], nil
	}

	now := seed.SeenAt
	if now.IsZero() {
		now = m.now()
	}
	now = now.UTC()
	source := seed.Source
	if source == "" {
		source = domain.SourceUnknown
	}
	conv := domain.Conversation{
		ID:            newID(),
		ParticipantID: participantID,
		Source:        source,
		AdContext:     seed.AdContext,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.conversations[conv.ID] = conv
	m.participants[participantID] = conv.ID
	return conv, nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ConversationID == "" || msg.ExternalID == "" {
		return domain.Message{}, errors.New("repository: InsertMessage: conversation id and external id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := messageKey(msg.ConversationID, msg.ExternalID)
	if _, ok := m.messages[k]; ok {
		return domain.Message{}, ErrDuplicateMessage
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = m.now()
	}
	msg.OccurredAt = msg.OccurredAt.UTC()
	m.messages[k] = msg
	return msg, nil
}

// ApplyMetrics applies the delta under the store lock, so the read and the
// write of the first_* fields are atomic.
func (m *Memory) ApplyMetrics(_ context.Context, conversationID string, d convmetrics.Delta) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	conv.Metrics = d.Apply(conv.Metrics)
	conv.UpdatedAt = m.now().UTC()
	m.conversations[conversationID] = conv
	return conv, nil
}

func (m *Memory) InsertOutcome(_ context.Context, o domain.Outcome) (domain.Outcome, error) {
	if o.ConversationID == "" {
		return domain.Outcome{}, errors.New("repository: InsertOutcome: conversation id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o.ID == "" {
		o.ID = newID()
	}
	if _, ok := m.outcomes[o.ID]; ok {
		return domain.Outcome{}, fmt.Errorf("repository: InsertOutcome %s: %w", o.ID, ErrConflict)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ConversionEventID = nil
	m.outcomes[o.ID] = o
	return o, nil
}

func (m *Memory) GetOutcome(_ context.Context, id string) (domain.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[id]
	if !ok {
		return domain.Outcome{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) AttachConversionEvent(_ context.Context, outcomeID, eventID string) error {
	if outcomeID == "" || eventID == "" {
		return errors.New("repository: AttachConversionEvent: outcome id and event id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[outcomeID]
	if !ok || o.ConversionEventID != nil {
		return fmt.Errorf("repository: AttachConversionEvent %s: %w", outcomeID, ErrConflict)
	}
	o.ConversionEventID = &eventID
	m.outcomes[outcomeID] = o
	return nil
}

func (m *Memory) RecordDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.ID == "" {
		dl.ID = newID()
	}
	if dl.OccurredAt.IsZero() {
		dl.OccurredAt = m.now()
	}
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

// Counts reports how many conversations, messages and outcomes are stored.
func (m *Memory) Counts() (conversations, messages, outcomes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations), len(m.messages), len(m.outcomes)
}

// Messages returns the stored messages of a conversation in no particular order.
func (m *Memory) Messages(conversationID string) []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out
}

// DeadLetters returns a copy of the recorded dead letters.
func (m *Memory) DeadLetters() []domain.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.DeadLetter(nil), m.deadLetters...)
}
