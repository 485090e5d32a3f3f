package domain

import "time"

// OutcomeKind is the business event attributed to a conversation.
type OutcomeKind string

const (
	OutcomeLead     OutcomeKind = "lead"
	OutcomeBooked   OutcomeKind = "booked"
	OutcomePurchase OutcomeKind = "purchase"
)

func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeLead, OutcomeBooked, OutcomePurchase:
		return true
	}
	return false
}

// Outcome is persisted before any conversion dispatch and updated once with
// the dispatched event id.
type Outcome struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	Kind              OutcomeKind `json:"outcome"`
	Value             *float64    `json:"value"`
	Currency          *string     `json:"currency"`
	ConversionEventID *string     `json:"meta_event_id"`
	CreatedAt         time.Time   `json:"created_at"`
}

// DeadLetter records a webhook event whose durable processing failed after it
// was already acknowledged to the gateway.
type DeadLetter struct {
	ID         string
	Stage      string
	Reason     string
	Payload    []byte
	OccurredAt time.Time
}
