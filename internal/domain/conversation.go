package domain

import (
	"encoding/json"
	"time"
)

// Direction tells whether a message came from the participant or was sent to them.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Acquisition source tags.
const (
	SourceUnknown = "unknown"
	SourceMetaAd  = "meta_ad"
)

// Metrics is the derived, incrementally maintained state of a conversation.
type Metrics struct {
	FirstInboundAt       *time.Time `json:"first_inbound_at"`
	FirstOutboundAt      *time.Time `json:"first_outbound_at"`
	FirstResponseSeconds *int64     `json:"first_response_seconds"`
	LastMessageAt        *time.Time `json:"last_message_at"`
	LastDirection        Direction  `json:"last_direction,omitempty"`
}

// Conversation aggregates every message exchanged with one participant.
type Conversation struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"wa_id"`
	Source        string          `json:"source"`
	AdContext     json.RawMessage `json:"ad_context,omitempty"`
	Metrics
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSeed holds the attributes a conversation gets when it is first created.
type ConversationSeed struct {
	Source    string
	AdContext json.RawMessage
	SeenAt    time.Time
}

// Message is a single append-only message row.
type Message struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"wa_message_id"`
	ConversationID string          `json:"conversation_id"`
	Direction      Direction       `json:"direction"`
	Type           string          `json:"msg_type"`
	Body           *string         `json:"text_body"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
