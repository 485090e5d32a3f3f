// Package convmetrics derives conversation metrics from the current state and
// one new message event. It never touches storage.
package convmetrics

import (
	"math"
	"time"

	"wa-relay/internal/domain"
)

// Delta is the set of fields an event changes. Nil pointers mean "leave as is".
type Delta struct {
	FirstInboundAt       *time.Time
	FirstOutboundAt      *time.Time
	FirstResponseSeconds *int64
	LastMessageAt        time.Time
	LastDirection        domain.Direction
}

// Update computes the delta produced by a message in direction dir at time at.
func Update(current domain.Metrics, dir domain.Direction, at time.Time) Delta {
	at = at.UTC()
	d := Delta{
		LastMessageAt: at,
		LastDirection: dir,
	}

	if dir == domain.DirectionInbound && current.FirstInboundAt == nil {
		d.FirstInboundAt = &at
	}
	if dir == domain.DirectionOutbound && current.FirstOutboundAt == nil {
		d.FirstOutboundAt = &at
	}

	if current.FirstResponseSeconds == nil {
		in := firstNonNil(current.FirstInboundAt, d.FirstInboundAt)
		out := firstNonNil(current.FirstOutboundAt, d.FirstOutboundAt)
		if in != nil && out != nil {
			secs := FirstResponseSeconds(*in, *out)
			d.FirstResponseSeconds = &secs
		}
	}
	return d
}

// FirstResponseSeconds is the whole number of seconds between the first
// inbound and first outbound message, floored at zero.
func FirstResponseSeconds(firstInbound, firstOutbound time.Time) int64 {
	secs := math.Floor(firstOutbound.Sub(firstInbound).Seconds())
	if secs < 0 {
		return 0
	}
	return int64(secs)
}

// Apply returns m with the delta applied using set-if-unset semantics for the
// first_* fields.
func (d Delta) Apply(m domain.Metrics) domain.Metrics {
	if m.FirstInboundAt == nil && d.FirstInboundAt != nil {
		t := *d.FirstInboundAt
		m.FirstInboundAt = &t
	}
	if m.FirstOutboundAt == nil && d.FirstOutboundAt != nil {
		t := *d.FirstOutboundAt
		m.FirstOutboundAt = &t
	}
	if m.FirstResponseSeconds == nil && m.FirstInboundAt != nil && m.FirstOutboundAt != nil {
		secs := FirstResponseSeconds(*m.FirstInboundAt, *m.FirstOutboundAt)
		m.FirstResponseSeconds = &secs
	}
	last := d.LastMessageAt
	m.LastMessageAt = &last
	m.LastDirection = d.LastDirection
	return m
}

func firstNonNil(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
