// Package inbound turns raw WhatsApp Cloud API webhook bodies into canonical
// message or status records.
package inbound

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	// KindNoEvent means the payload carries nothing this system can store.
	KindNoEvent Kind = iota
	// KindMalformed means a message is present but lacks its sender or id.
	KindMalformed
	// KindStatus is a delivery/read receipt for a previously sent message.
	KindStatus
	// KindMessage is a usable inbound message.
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindStatus:
		return "status"
	case KindMessage:
		return "message"
	default:
		return "no_event"
	}
}

// Message is the canonical inbound message.
type Message struct {
	ParticipantID     string
	ExternalMessageID string
	Type              string
	TextBody          *string
	OccurredAt        time.Time
	// Referral is the click-to-chat ad context, if the message came from an ad.
	Referral json.RawMessage
	// Raw is the message object exactly as the gateway sent it.
	Raw json.RawMessage
	// ContactName is the sender's profile name when the gateway includes it.
	ContactName string
}

// Status is a gateway receipt for an outbound message.
type Status struct {
	ExternalMessageID string
	RecipientID       string
	State             string
	OccurredAt        time.Time
}

// Result is the discriminated outcome of Normalize.
type Result struct {
	Kind    Kind
	Note    string
	Message Message
	Status  Status
}

// Normalize extracts the first message (or status) of the first change of the
// first entry. It never fails: unusable input maps to KindNoEvent or
// KindMalformed. Timestamps that are absent or not finite fall back to now.
func Normalize(raw []byte, now time.Time) Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return Result{Kind: KindNoEvent, Note: "invalid json"}
	}

	value := asMap(firstOf(asMap(firstOf(body["entry"]))["changes"]))["value"]
	v := asMap(value)

	if msg := asMap(firstOf(v["messages"])); msg != nil {
		res := normalizeMessage(msg, now)
		if res.Kind == KindMessage {
			contact := asMap(firstOf(v["contacts"]))
			res.Message.ContactName = stringField(asMap(contact["profile"])["name"])
		}
		return res
	}
	if st := asMap(firstOf(v["statuses"])); st != nil {
		return Result{
			Kind: KindStatus,
			Note: "status",
			Status: Status{
				ExternalMessageID: stringField(st["id"]),
				RecipientID:       stringField(st["recipient_id"]),
				State:             stringField(st["status"]),
				OccurredAt:        parseUnixSeconds(st["timestamp"], now),
			},
		}
	}
	return Result{Kind: KindNoEvent, Note: "no message"}
}

func normalizeMessage(msg map[string]any, now time.Time) Result {
	from := stringField(msg["from"])
	id := stringField(msg["id"])
	if from == "" || id == "" {
		return Result{Kind: KindMalformed, Note: "missing waId/messageId"}
	}

	msgType := stringField(msg["type"])
	if msgType == "" {
		msgType = "text"
	}

	var body *string
	if b, ok := asMap(msg["text"])["body"].(string); ok {
		body = &b
	}

	out := Message{
		ParticipantID:     from,
		ExternalMessageID: id,
		Type:              msgType,
		TextBody:          body,
		OccurredAt:        parseUnixSeconds(msg["timestamp"], now),
		Raw:               mustMarshal(msg),
	}
	if ref := asMap(msg["referral"]); len(ref) > 0 {
		out.Referral = mustMarshal(ref)
	}
	return Result{Kind: KindMessage, Message: out}
}

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant RFC 3339 can hold.
const maxUnixSeconds = 253402300799

func parseUnixSeconds(v any, now time.Time) time.Time {
	var (
		secs float64
		err  error
	)
	switch t := v.(type) {
	case json.Number:
		secs, err = t.Float64()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return now.UTC()
		}
		secs, err = strconv.ParseFloat(s, 64)
	case float64:
		secs = t
	default:
		return now.UTC()
	}
	if err != nil || math.IsNaN(secs) || secs <= 0 || secs > maxUnixSeconds {
		return now.UTC()
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstOf(v any) any {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	return arr[0]
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
