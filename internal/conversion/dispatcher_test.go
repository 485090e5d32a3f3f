package conversion

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa-relay/internal/domain"
	"wa-relay/internal/integrations/capi"
)

type stubSender struct {
	err      error
	got      []capi.Event
	deadline bool
}

func (s *stubSender) Send(ctx context.Context, ev capi.Event) (capi.Response, error) {
	s.got = append(s.got, ev)
	_, s.deadline = ctx.Deadline()
	if s.err != nil {
		return capi.Response{}, s.err
	}
	return capi.Response{EventsReceived: 1}, nil
}

type stubAttacher struct {
	err      error
	attached map[string]string
}

func (s *stubAttacher) AttachConversionEvent(_ context.Context, outcomeID, eventID string) error {
	if s.err != nil {
		return s.err
	}
	if s.attached == nil {
		s.attached = map[string]string{}
	}
	s.attached[outcomeID] = eventID
	return nil
}

func newTestDispatcher(t *testing.T, s *stubSender, a *stubAttacher) (*Dispatcher, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	d, err := NewDispatcher(s, a, slog.New(slog.NewJSONHandler(&buf, nil)), time.Second)
	require.NoError(t, err)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }
	orig := newEventID
	t.Cleanup(func() { newEventID = orig })
	newEventID = func() string { return "evt-fixed" }
	return d, &buf
}

func ptr[T any](v T) *T { return &v }

func TestEventName(t *testing.T) {
	require.Equal(t, "Lead", EventName(domain.OutcomeLead))
	require.Equal(t, "Schedule", EventName(domain.OutcomeBooked))
	require.Equal(t, "Purchase", EventName(domain.OutcomePurchase))
	require.Equal(t, "Lead", EventName("refund"))
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, &stubAttacher{}, slog.Default(), 0)
	require.Error(t, err)
	_, err = NewDispatcher(&stubSender{}, nil, slog.Default(), 0)
	require.Error(t, err)
	_, err = NewDispatcher(&stubSender{}, &stubAttacher{}, nil, 0)
	require.Error(t, err)
}

func TestDispatch_PurchaseWithCustomData(t *testing.T) {
	s, a := &stubSender{}, &stubAttacher{}
	d, _ := newTestDispatcher(t, s, a)

	res := d.Dispatch(context.Background(), domain.Outcome{
		ID:       "out-1",
		Kind:     domain.OutcomePurchase,
		Value:    ptr(100.0),
		Currency: ptr("USD"),
	}, "94700000000")

	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, "evt-fixed", res.EventID)
	require.Len(t, s.got, 1)
	ev := s.got[0]
	require.Equal(t, "Purchase", ev.Name)
	require.Equal(t, "evt-fixed", ev.ID)
	require.Equal(t, "chat", ev.ActionSource)
	require.Equal(t, "94700000000", ev.Phone)
	require.Equal(t, int64(1700000000), ev.Time.Unix())
	require.Equal(t, &capi.CustomData{Value: 100, Currency: "USD"}, ev.CustomData)
	require.True(t, s.deadline)
	require.Equal(t, "evt-fixed", a.attached["out-1"])
}

func TestDispatch_CustomDataOnlyForCompletePurchase(t *testing.T) {
	cases := map[string]domain.Outcome{
		"lead with value":      {ID: "o", Kind: domain.OutcomeLead, Value: ptr(5.0), Currency: ptr("USD")},
		"purchase no currency": {ID: "o", Kind: domain.OutcomePurchase, Value: ptr(5.0)},
		"purchase no value":    {ID: "o", Kind: domain.OutcomePurchase, Currency: ptr("USD")},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			s := &stubSender{}
			d, _ := newTestDispatcher(t, s, &stubAttacher{})
			res := d.Dispatch(context.Background(), o, "947")
			require.Equal(t, StatusOK, res.Status)
			require.Nil(t, s.got[0].CustomData)
		})
	}
}

func TestDispatch_SendFailure(t *testing.T) {
	s, a := &stubSender{err: &capi.HTTPStatusError{StatusCode: 400}}, &stubAttacher{}
	d, logs := newTestDispatcher(t, s, a)

	res := d.Dispatch(context.Background(), domain.Outcome{ID: "out-1", Kind: domain.OutcomeBooked}, "947")
	require.Equal(t, StatusFailedSend, res.Status)
	require.Error(t, res.Err)
	require.Empty(t, a.attached)
	require.Contains(t, logs.String(), "conversion send failed")
}

func TestDispatch_WriteBackFailureKeepsOK(t *testing.T) {
	s, a := &stubSender{}, &stubAttacher{err: errors.New("throttled")}
	d, logs := newTestDispatcher(t, s, a)

	res := d.Dispatch(context.Background(), domain.Outcome{ID: "out-1", Kind: domain.OutcomeLead}, "947")
	require.Equal(t, StatusOK, res.Status)
	require.Contains(t, logs.String(), "write-back failed")
}
