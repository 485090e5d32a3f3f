package usecase

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wa-relay/internal/audit"
	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
	"wa-relay/internal/integrations/whatsapp"
	"wa-relay/internal/repository"
)

// faultyStore wraps the in-memory store and fails selected operations.
type faultyStore struct {
	*repository.Memory
	convErr    error
	getErr     error
	msgErr     error
	metricsErr error
	outcomeErr error
	attachErr  error
	reloadErr  error
	dlErr      error

	metricsCalls int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Memory: repository.NewMemory()}
}

func (f *faultyStore) GetOrCreateConversation(ctx context.Context, participantID string, seed domain.ConversationSeed) (domain.Conversation, error) {
	if f.convErr != nil {
		return domain.Conversation{}, f.convErr
	}
	return f.Memory.GetOrCreateConversation(ctx, participantID, seed)
}

func (f *faultyStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if f.getErr != nil {
		return domain.Conversation{}, f.getErr
	}
	return f.Memory.GetConversation(ctx, id)
}

func (f *faultyStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if f.msgErr != nil {
		return domain.Message{}, f.msgErr
	}
	return f.Memory.InsertMessage(ctx, msg)
}

func (f *faultyStore) ApplyMetrics(ctx context.Context, conversationID string, d convmetrics.Delta) (domain.Conversation, error) {
	f.metricsCalls++
	if f.metricsErr != nil {
		return domain.Conversation{}, f.metricsErr
	}
	return f.Memory.ApplyMetrics(ctx, conversationID, d)
}

func (f *faultyStore) InsertOutcome(ctx context.Context, o domain.Outcome) (domain.Outcome, error) {
	if f.outcomeErr != nil {
		return domain.Outcome{}, f.outcomeErr
	}
	return f.Memory.InsertOutcome(ctx, o)
}

func (f *faultyStore) AttachConversionEvent(ctx context.Context, outcomeID, eventID string) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	return f.Memory.AttachConversionEvent(ctx, outcomeID, eventID)
}

func (f *faultyStore) GetOutcome(ctx context.Context, id string) (domain.Outcome, error) {
	if f.reloadErr != nil {
		return domain.Outcome{}, f.reloadErr
	}
	return f.Memory.GetOutcome(ctx, id)
}

func (f *faultyStore) RecordDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if f.dlErr != nil {
		return f.dlErr
	}
	return f.Memory.RecordDeadLetter(ctx, dl)
}

type recordingAudit struct {
	mu    sync.Mutex
	snaps []audit.Snapshot
}

func (r *recordingAudit) Mirror(_ context.Context, snap audit.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recordingAudit) all() []audit.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Snapshot(nil), r.snaps...)
}

type stubGateway struct {
	res   whatsapp.SendResult
	err   error
	calls int
	to    string
	text  string
	// deadline is set when the call carried a context deadline.
	deadline bool
}

func (g *stubGateway) SendText(ctx context.Context, to, text string) (whatsapp.SendResult, error) {
	g.calls++
	g.to, g.text = to, text
	_, g.deadline = ctx.Deadline()
	return g.res, g.err
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func fixUUID(t *testing.T, id string) {
	t.Helper()
	orig := newUUID
	t.Cleanup(func() { newUUID = orig })
	newUUID = func() string { return id }
}
