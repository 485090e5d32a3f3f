package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
)

func TestMemory_OneConversationPerParticipant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := m.GetOrCreateConversation(ctx, "947", domain.ConversationSeed{})
			require.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	convs, _, _ := m.Counts()
	require.Equal(t, 1, convs)
}

func TestMemory_SeedAppliesOnlyOnCreate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.GetOrCreateConversation(ctx, "947", domain.ConversationSeed{})
	require.NoError(t, err)
	require.Equal(t, domain.SourceUnknown, first.Source)

	again, err := m.GetOrCreateConversation(ctx, "947", domain.ConversationSeed{Source: domain.SourceMetaAd})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, domain.SourceUnknown, again.Source)
}

func TestMemory_DuplicateMessage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	msg := domain.Message{ExternalID: "wamid.1", ConversationID: "conv-1", Direction: domain.DirectionInbound}

	stored, err := m.InsertMessage(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	_, err = m.InsertMessage(ctx, msg)
	require.ErrorIs(t, err, ErrDuplicateMessage)
	require.Len(t, m.Messages("conv-1"), 1)
}

func TestMemory_ApplyMetricsFirstResponseOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	conv, err := m.GetOrCreateConversation(ctx, "947", domain.ConversationSeed{})
	require.NoError(t, err)

	in := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := in.Add(42 * time.Second)
	later := out.Add(time.Hour)

	conv, err = m.ApplyMetrics(ctx, conv.ID, convmetrics.Update(conv.Metrics, domain.DirectionInbound, in))
	require.NoError(t, err)
	conv, err = m.ApplyMetrics(ctx, conv.ID, convmetrics.Update(conv.Metrics, domain.DirectionOutbound, out))
	require.NoError(t, err)
	require.Equal(t, int64(42), *conv.FirstResponseSeconds)

	// A stale delta computed before the outbound landed must not move first_*.
	stale := convmetrics.Update(domain.Metrics{}, domain.DirectionOutbound, later)
	conv, err = m.ApplyMetrics(ctx, conv.ID, stale)
	require.NoError(t, err)
	require.Equal(t, out, *conv.FirstOutboundAt)
	require.Equal(t, int64(42), *conv.FirstResponseSeconds)
	require.Equal(t, later, *conv.LastMessageAt)

	_, err = m.ApplyMetrics(ctx, "missing", stale)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Outcomes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	o, err := m.InsertOutcome(ctx, domain.Outcome{ConversationID: "conv-1", Kind: domain.OutcomeLead})
	require.NoError(t, err)

	require.NoError(t, m.AttachConversionEvent(ctx, o.ID, "evt-1"))
	require.ErrorIs(t, m.AttachConversionEvent(ctx, o.ID, "evt-2"), ErrConflict)

	got, err := m.GetOutcome(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, "evt-1", *got.ConversionEventID)

	_, err = m.GetOutcome(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DeadLetters(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.RecordDeadLetter(context.Background(), domain.DeadLetter{Stage: "msg", Reason: "boom"}))
	dls := m.DeadLetters()
	require.Len(t, dls, 1)
	require.NotEmpty(t, dls[0].ID)
	require.False(t, dls[0].OccurredAt.IsZero())
}
