// Package conversion propagates business outcomes to the ad conversion API.
package conversion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"wa-relay/internal/domain"
	"wa-relay/internal/integrations/capi"
)

// Dispatch statuses reported to callers.
const (
	StatusOK          = "ok"
	StatusFailedSend  = "failed_send"
	StatusSkippedLoad = "skipped_conv_load"
)

const (
	defaultTimeout    = 10 * time.Second
	actionSourceChat  = "chat"
	eventNameLead     = "Lead"
	eventNameSchedule = "Schedule"
	eventNamePurchase = "Purchase"
)

var newEventID = func() string { return uuid.NewString() }

// EventName maps an outcome kind to the conversion event name. Unknown kinds
// map to "Lead".
func EventName(kind domain.OutcomeKind) string {
	switch kind {
	case domain.OutcomePurchase:
		return eventNamePurchase
	case domain.OutcomeBooked:
		return eventNameSchedule
	default:
		return eventNameLead
	}
}

type sender interface {
	Send(ctx context.Context, ev capi.Event) (capi.Response, error)
}

type eventAttacher interface {
	AttachConversionEvent(ctx context.Context, outcomeID, eventID string) error
}

// Result reports how a dispatch went. EventID is set whenever a send was
// attempted.
type Result struct {
	Status  string
	EventID string
	Err     error
}

type Dispatcher struct {
	sender  sender
	store   eventAttacher
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewDispatcher(s sender, store eventAttacher, logger *slog.Logger, timeout time.Duration) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("conversion: sender must not be nil")
	}
	if store == nil {
		return nil, errors.New("conversion: store must not be nil")
	}
	if logger == nil {
		return nil, errors.New("conversion: logger must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{sender: s, store: store, logger: logger, timeout: timeout, now: time.Now}, nil
}

// Dispatch sends the conversion event for a persisted outcome and, on
// success, records the event id on it. Failures never propagate: the outcome
// stays persisted and the status says what happened.
func (d *Dispatcher) Dispatch(ctx context.Context, o domain.Outcome, participantID string) Result {
	ev := capi.Event{
		Name:         EventName(o.Kind),
		ID:           newEventID(),
		Time:         d.now(),
		ActionSource: actionSourceChat,
		Phone:        participantID,
	}
	if ev.Name == eventNamePurchase && o.Value != nil && o.Currency != nil && strings.TrimSpace(*o.Currency) != "" {
		ev.CustomData = &capi.CustomData{Value: *o.Value, Currency: strings.TrimSpace(*o.Currency)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.sender.Send(sendCtx, ev); err != nil {
		d.logger.Warn("conversion send failed",
			"outcome_id", o.ID,
			"event_name", ev.Name,
			"event_id", ev.ID,
			"err", err,
		)
		return Result{Status: StatusFailedSend, EventID: ev.ID, Err: err}
	}

	if err := d.store.AttachConversionEvent(ctx, o.ID, ev.ID); err != nil {
		d.logger.Error("conversion event id write-back failed",
			"outcome_id", o.ID,
			"event_id", ev.ID,
			"err", err,
		)
	}
	return Result{Status: StatusOK, EventID: ev.ID}
}
