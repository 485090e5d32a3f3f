package audit

import (
	"strconv"
	"time"
)

// Tabs of the audit spreadsheet.
const (
	TabMessages      = "RAW_MESSAGES"
	TabConversations = "RAW_CONVERSATIONS"
	TabUsers         = "RAW_USERS"
)

type MessageRow struct {
	MessageID      string
	ConversationID string
	ParticipantID  string
	Timestamp      time.Time
	Direction      string
	Type           string
	Body           string
}

func (r MessageRow) values() []any {
	return []any{
		r.MessageID,
		r.ConversationID,
		r.ParticipantID,
		formatTime(&r.Timestamp),
		r.Direction,
		textCell(r.Type),
		textCell(r.Body),
	}
}

type ConversationRow struct {
	ConversationID       string
	ParticipantID        string
	Source               string
	FirstInboundAt       *time.Time
	FirstOutboundAt      *time.Time
	FirstResponseSeconds *int64
	LastMessageAt        *time.Time
	LastDirection        string
}

func (r ConversationRow) values() []any {
	frs := ""
	if r.FirstResponseSeconds != nil {
		frs = strconv.FormatInt(*r.FirstResponseSeconds, 10)
	}
	return []any{
		r.ConversationID,
		r.ParticipantID,
		r.Source,
		formatTime(r.FirstInboundAt),
		formatTime(r.FirstOutboundAt),
		frs,
		formatTime(r.LastMessageAt),
		r.LastDirection,
	}
}

type UserRow struct {
	ParticipantID      string
	FirstSeenAt        *time.Time
	LastSeenAt         *time.Time
	ConversationsCount int
	LastConversationID string
	LastMessageAt      *time.Time
	Notes              string
}

func (r UserRow) values() []any {
	count := ""
	if r.ConversationsCount > 0 {
		count = strconv.Itoa(r.ConversationsCount)
	}
	return []any{
		r.ParticipantID,
		formatTime(r.FirstSeenAt),
		formatTime(r.LastSeenAt),
		count,
		r.LastConversationID,
		formatTime(r.LastMessageAt),
		textCell(r.Notes),
	}
}

// textCell quotes participant-supplied text so USER_ENTERED appends keep it
// as a literal instead of evaluating it as a formula.
func textCell(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// formatTime renders t as an ISO-8601 UTC string, or "" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
