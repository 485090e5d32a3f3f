package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa-relay/internal/conversion"
	"wa-relay/internal/domain"
	"wa-relay/internal/integrations/capi"
)

type capturingSender struct {
	events []capi.Event
	err    error
}

func (c *capturingSender) Send(_ context.Context, ev capi.Event) (capi.Response, error) {
	c.events = append(c.events, ev)
	if c.err != nil {
		return capi.Response{}, c.err
	}
	return capi.Response{EventsReceived: 1}, nil
}

func newTestOutcome(t *testing.T, store *faultyStore, sender *capturingSender) *OutcomeService {
	t.Helper()
	logger, _ := testLogger()
	d, err := conversion.NewDispatcher(sender, store, logger, time.Second)
	require.NoError(t, err)
	svc, err := NewOutcomeService(store, d, logger)
	require.NoError(t, err)
	return svc
}

func ptr[T any](v T) *T { return &v }

func TestNewOutcomeService_Validation(t *testing.T) {
	logger, _ := testLogger()
	_, err := NewOutcomeService(nil, nil, logger)
	require.Error(t, err)
	_, err = NewOutcomeService(newFaultyStore(), nil, logger)
	require.Error(t, err)
}

func TestReport_Purchase(t *testing.T) {
	store := newFaultyStore()
	conv, err := store.GetOrCreateConversation(context.Background(), "94700000000", domain.ConversationSeed{})
	require.NoError(t, err)
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{
		ConversationID: conv.ID,
		Outcome:        "purchase",
		Value:          ptr(100.0),
		Currency:       ptr("USD"),
	})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusOK, out.Dispatch)
	require.Equal(t, domain.OutcomePurchase, out.Outcome.Kind)
	require.NotNil(t, out.Outcome.ConversionEventID)

	require.Len(t, sender.events, 1)
	ev := sender.events[0]
	require.Equal(t, "Purchase", ev.Name)
	require.Equal(t, &capi.CustomData{Value: 100, Currency: "USD"}, ev.CustomData)
	require.Equal(t, "94700000000", ev.Phone)
	require.Equal(t, *out.Outcome.ConversionEventID, ev.ID)

	stored, err := store.GetOutcome(context.Background(), out.Outcome.ID)
	require.NoError(t, err)
	require.Equal(t, ev.ID, *stored.ConversionEventID)
}

func TestReport_InvalidInputPersistsNothing(t *testing.T) {
	cases := []OutcomeInput{
		{ConversationID: "c1", Outcome: "invalid"},
		{ConversationID: "c1", Outcome: ""},
		{ConversationID: "  ", Outcome: "lead"},
	}
	for _, in := range cases {
		store := newFaultyStore()
		sender := &capturingSender{}
		svc := newTestOutcome(t, store, sender)

		_, err := svc.Report(context.Background(), in)
		requireCode(t, err, ErrorInvalidInput)
		_, _, outcomes := store.Counts()
		require.Zero(t, outcomes)
		require.Empty(t, sender.events)
	}
}

func TestReport_PersistedWhenDispatchFails(t *testing.T) {
	store := newFaultyStore()
	conv, err := store.GetOrCreateConversation(context.Background(), "947", domain.ConversationSeed{})
	require.NoError(t, err)
	sender := &capturingSender{err: errors.New("capi down")}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{ConversationID: conv.ID, Outcome: "booked"})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusFailedSend, out.Dispatch)
	require.Nil(t, out.Outcome.ConversionEventID)
	require.Equal(t, "Schedule", sender.events[0].Name)

	stored, err := store.GetOutcome(context.Background(), out.Outcome.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeBooked, stored.Kind)
	require.Nil(t, stored.ConversionEventID)
}

func TestReport_ConversationLoadFailure(t *testing.T) {
	store := newFaultyStore()
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{ConversationID: "unknown-conv", Outcome: "lead"})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusSkippedLoad, out.Dispatch)
	require.Empty(t, sender.events)

	_, _, outcomes := store.Counts()
	require.Equal(t, 1, outcomes)
}

func TestReport_InsertFailure(t *testing.T) {
	store := newFaultyStore()
	store.outcomeErr = errors.New("write failed")
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	_, err := svc.Report(context.Background(), OutcomeInput{ConversationID: "c1", Outcome: "lead"})
	requireCode(t, err, ErrorInternal)
	require.Empty(t, sender.events)
}

func TestReport_BlankCurrencyDropped(t *testing.T) {
	store := newFaultyStore()
	conv, err := store.GetOrCreateConversation(context.Background(), "947", domain.ConversationSeed{})
	require.NoError(t, err)
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{ConversationID: conv.ID, Outcome: "purchase", Value: ptr(5.0), Currency: ptr(" ")})
	require.NoError(t, err)
	require.Nil(t, out.Outcome.Currency)
	require.Nil(t, sender.events[0].CustomData)
}

func TestReport_ReplyReflectsStoredEventID(t *testing.T) {
	store := newFaultyStore()
	conv, err := store.GetOrCreateConversation(context.Background(), "947", domain.ConversationSeed{})
	require.NoError(t, err)
	store.attachErr = errors.New("update failed")
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{ConversationID: conv.ID, Outcome: "lead"})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusOK, out.Dispatch)
	require.Len(t, sender.events, 1)
	require.Nil(t, out.Outcome.ConversionEventID)
}

func TestReport_ReloadFailureKeepsDispatchedEventID(t *testing.T) {
	store := newFaultyStore()
	conv, err := store.GetOrCreateConversation(context.Background(), "947", domain.ConversationSeed{})
	require.NoError(t, err)
	store.reloadErr = errors.New("read failed")
	sender := &capturingSender{}
	svc := newTestOutcome(t, store, sender)

	out, err := svc.Report(context.Background(), OutcomeInput{ConversationID: conv.ID, Outcome: "lead"})
	require.NoError(t, err)
	require.Equal(t, conversion.StatusOK, out.Dispatch)
	require.Equal(t, sender.events[0].ID, *out.Outcome.ConversionEventID)
}
