package repository

import (
	"encoding/json"
	"time"

	"wa-relay/internal/domain"
)

const (
	pkConvPrefix        = "CONV#"
	pkParticipantPrefix = "PARTICIPANT#"
	skMessagePrefix     = "MSG#"
	pkOutcomePrefix     = "OUTCOME#"
	pkDeadLetterPrefix  = "DEADLETTER#"
	skMeta              = "META#"
	skParticipantConv   = "CONV#"
)

func convPK(conversationID string) string { return pkConvPrefix + conversationID }

func participantPK(participantID string) string { return pkParticipantPrefix + participantID }

func messageSK(externalID string) string { return skMessagePrefix + externalID }

func outcomePK(outcomeID string) string { return pkOutcomePrefix + outcomeID }

// deadLetterPK buckets dead letters per UTC day so operators can query a day at a time.
func deadLetterPK(at time.Time) string {
	return pkDeadLetterPrefix + at.UTC().Format("2006-01-02")
}

type conversationItem struct {
	PK                   string     `dynamodbav:"PK"`
	SK                   string     `dynamodbav:"SK"`
	ID                   string     `dynamodbav:"id"`
	ParticipantID        string     `dynamodbav:"wa_id"`
	Source               string     `dynamodbav:"source"`
	AdContext            string     `dynamodbav:"ad_context,omitempty"`
	FirstInboundAt       *time.Time `dynamodbav:"first_inbound_at,omitempty"`
	FirstOutboundAt      *time.Time `dynamodbav:"first_outbound_at,omitempty"`
	FirstResponseSeconds *int64     `dynamodbav:"first_response_seconds,omitempty"`
	LastMessageAt        *time.Time `dynamodbav:"last_message_at,omitempty"`
	LastDirection        string     `dynamodbav:"last_direction,omitempty"`
	CreatedAt            time.Time  `dynamodbav:"created_at"`
	UpdatedAt            time.Time  `dynamodbav:"updated_at"`
}

// participantItem points a participant id at its one conversation.
type participantItem struct {
	PK             string    `dynamodbav:"PK"`
	SK             string    `dynamodbav:"SK"`
	ConversationID string    `dynamodbav:"conversation_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
}

type messageItem struct {
	PK             string    `dynamodbav:"PK"`
	SK             string    `dynamodbav:"SK"`
	ID             string    `dynamodbav:"id"`
	ExternalID     string    `dynamodbav:"wa_message_id"`
	ConversationID string    `dynamodbav:"conversation_id"`
	Direction      string    `dynamodbav:"direction"`
	Type           string    `dynamodbav:"msg_type"`
	Body           *string   `dynamodbav:"text_body,omitempty"`
	Payload        string    `dynamodbav:"payload,omitempty"`
	OccurredAt     time.Time `dynamodbav:"occurred_at"`
}

type outcomeItem struct {
	PK                string    `dynamodbav:"PK"`
	SK                string    `dynamodbav:"SK"`
	ID                string    `dynamodbav:"id"`
	ConversationID    string    `dynamodbav:"conversation_id"`
	Kind              string    `dynamodbav:"outcome"`
	Value             *float64  `dynamodbav:"value,omitempty"`
	Currency          *string   `dynamodbav:"currency,omitempty"`
	ConversionEventID *string   `dynamodbav:"meta_event_id,omitempty"`
	CreatedAt         time.Time `dynamodbav:"created_at"`
}

type deadLetterItem struct {
	PK         string    `dynamodbav:"PK"`
	SK         string    `dynamodbav:"SK"`
	ID         string    `dynamodbav:"id"`
	Stage      string    `dynamodbav:"stage"`
	Reason     string    `dynamodbav:"reason"`
	Payload    string    `dynamodbav:"payload"`
	OccurredAt time.Time `dynamodbav:"occurred_at"`
}

func newConversationItem(c domain.Conversation) conversationItem {
	return conversationItem{
		PK:                   convPK(c.ID),
		SK:                   skMeta,
		ID:                   c.ID,
		ParticipantID:        c.ParticipantID,
		Source:               c.Source,
		AdContext:            string(c.AdContext),
		FirstInboundAt:       c.FirstInboundAt,
		FirstOutboundAt:      c.FirstOutboundAt,
		FirstResponseSeconds: c.FirstResponseSeconds,
		LastMessageAt:        c.LastMessageAt,
		LastDirection:        string(c.LastDirection),
		CreatedAt:            c.CreatedAt.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
	}
}

func (it conversationItem) toDomain() domain.Conversation {
	c := domain.Conversation{
		ID:            it.ID,
		ParticipantID: it.ParticipantID,
		Source:        it.Source,
		Metrics: domain.Metrics{
			FirstInboundAt:       it.FirstInboundAt,
			FirstOutboundAt:      it.FirstOutboundAt,
			FirstResponseSeconds: it.FirstResponseSeconds,
			LastMessageAt:        it.LastMessageAt,
			LastDirection:        domain.Direction(it.LastDirection),
		},
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	}
	if it.AdContext != "" {
		c.AdContext = json.RawMessage(it.AdContext)
	}
	return c
}

func newMessageItem(m domain.Message) messageItem {
	return messageItem{
		PK:             convPK(m.ConversationID),
		SK:             messageSK(m.ExternalID),
		ID:             m.ID,
		ExternalID:     m.ExternalID,
		ConversationID: m.ConversationID,
		Direction:      string(m.Direction),
		Type:           m.Type,
		Body:           m.Body,
		Payload:        string(m.Payload),
		OccurredAt:     m.OccurredAt.UTC(),
	}
}

func newOutcomeItem(o domain.Outcome) outcomeItem {
	return outcomeItem{
		PK:                outcomePK(o.ID),
		SK:                skMeta,
		ID:                o.ID,
		ConversationID:    o.ConversationID,
		Kind:              string(o.Kind),
		Value:             o.Value,
		Currency:          o.Currency,
		ConversionEventID: o.ConversionEventID,
		CreatedAt:         o.CreatedAt.UTC(),
	}
}

func (it outcomeItem) toDomain() domain.Outcome {
	return domain.Outcome{
		ID:                it.ID,
		ConversationID:    it.ConversationID,
		Kind:              domain.OutcomeKind(it.Kind),
		Value:             it.Value,
		Currency:          it.Currency,
		ConversionEventID: it.ConversionEventID,
		CreatedAt:         it.CreatedAt,
	}
}
