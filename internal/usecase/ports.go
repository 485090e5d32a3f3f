package usecase

import (
	"context"

	"github.com/google/uuid"

	"wa-relay/internal/audit"
	"wa-relay/internal/conversion"
	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
	"wa-relay/internal/integrations/whatsapp"
	"wa-relay/internal/repository"
)

// ConversationStore is the durable state the orchestrator writes to.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, participantID string, seed domain.ConversationSeed) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ApplyMetrics(ctx context.Context, conversationID string, d convmetrics.Delta) (domain.Conversation, error)
	InsertOutcome(ctx context.Context, o domain.Outcome) (domain.Outcome, error)
	GetOutcome(ctx context.Context, id string) (domain.Outcome, error)
	RecordDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

type Gateway interface {
	SendText(ctx context.Context, to, text string) (whatsapp.SendResult, error)
}

type ConversionDispatcher interface {
	Dispatch(ctx context.Context, o domain.Outcome, participantID string) conversion.Result
}

type AuditMirror interface {
	Mirror(ctx context.Context, snap audit.Snapshot)
}

var (
	_ ConversationStore = (*repository.Client)(nil)
	_ ConversationStore = (*repository.Memory)(nil)
)

var newUUID = func() string {
	return uuid.NewString()
}
