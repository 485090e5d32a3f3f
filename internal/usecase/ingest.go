package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
	"wa-relay/internal/inbound"
	"wa-relay/internal/repository"
)

// Stages reported in WebhookResult.Where and on dead letters.
const (
	stageConversation = "conv"
	stageMessage      = "msg"
	stageMetrics      = "metrics"
)

const noteDuplicate = "duplicate"

// WebhookResult is always acknowledged to the gateway with a success status.
// OK is false when a durable write failed; Where names the failed stage.
type WebhookResult struct {
	OK    bool
	Note  string
	Where string
}

type IngestService struct {
	store  ConversationStore
	audit  AuditMirror
	logger *slog.Logger
	now    func() time.Time
}

func NewIngestService(store ConversationStore, auditor AuditMirror, logger *slog.Logger) (*IngestService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if auditor == nil {
		return nil, errors.New("usecase: audit mirror must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	return &IngestService{store: store, audit: auditor, logger: logger, now: time.Now}, nil
}

// HandleWebhook processes one gateway delivery. It never returns an error:
// anything the gateway retried would only fail the same way again.
func (s *IngestService) HandleWebhook(ctx context.Context, raw []byte) WebhookResult {
	res := inbound.Normalize(raw, s.now())
	logger := s.logger.With("kind", res.Kind.String())
	switch res.Kind {
	case inbound.KindNoEvent:
		logger.Info("webhook ignored", "note", res.Note)
		return WebhookResult{OK: true, Note: res.Note}
	case inbound.KindMalformed:
		logger.Warn("webhook message malformed", "note", res.Note)
		return WebhookResult{OK: true, Note: res.Note}
	case inbound.KindStatus:
		logger.Info("webhook status received",
			"wa_message_id", res.Status.ExternalMessageID,
			"status", res.Status.State,
		)
		return WebhookResult{OK: true, Note: res.Note}
	}

	m := res.Message
	seed := domain.ConversationSeed{Source: domain.SourceUnknown, SeenAt: m.OccurredAt}
	if len(m.Referral) > 0 {
		seed.Source = domain.SourceMetaAd
		seed.AdContext = m.Referral
	}
	conv, err := s.store.GetOrCreateConversation(ctx, m.ParticipantID, seed)
	if err != nil {
		return s.fail(ctx, stageConversation, raw, err)
	}

	msg, err := s.store.InsertMessage(ctx, domain.Message{
		ExternalID:     m.ExternalMessageID,
		ConversationID: conv.ID,
		Direction:      domain.DirectionInbound,
		Type:           m.Type,
		Body:           m.TextBody,
		Payload:        m.Raw,
		OccurredAt:     m.OccurredAt,
	})
	if errors.Is(err, repository.ErrDuplicateMessage) {
		s.logger.Info("webhook message already processed",
			"conversation_id", conv.ID,
			"wa_message_id", m.ExternalMessageID,
		)
		return WebhookResult{OK: true, Note: noteDuplicate}
	}
	if err != nil {
		return s.fail(ctx, stageMessage, raw, err)
	}

	if conv.LastMessageAt != nil && m.OccurredAt.Before(*conv.LastMessageAt) {
		s.logger.Warn("message older than conversation's last message",
			"conversation_id", conv.ID,
			"occurred_at", m.OccurredAt,
			"last_message_at", *conv.LastMessageAt,
		)
	}
	updated, err := s.store.ApplyMetrics(ctx, conv.ID, convmetrics.Update(conv.Metrics, domain.DirectionInbound, m.OccurredAt))
	if err != nil {
		return s.fail(ctx, stageMetrics, raw, err)
	}

	s.audit.Mirror(ctx, auditSnapshot(updated, &msg, m.ContactName))

	s.logger.Info("webhook message stored",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"wa_message_id", msg.ExternalID,
	)
	return WebhookResult{OK: true}
}

// fail records a durable-write failure on the dead-letter channel. The raw
// payload is logged if even that write fails, so the event is never lost
// silently.
func (s *IngestService) fail(ctx context.Context, stage string, raw []byte, err error) WebhookResult {
	s.logger.Error("webhook processing failed", "where", stage, "err", err)

	dl := domain.DeadLetter{
		Stage:      stage,
		Reason:     err.Error(),
		Payload:    raw,
		OccurredAt: s.now(),
	}
	if dlErr := s.store.RecordDeadLetter(context.WithoutCancel(ctx), dl); dlErr != nil {
		s.logger.Error("dead letter write failed",
			"where", stage,
			"err", dlErr,
			"payload", string(raw),
		)
	}
	return WebhookResult{OK: false, Where: stage}
}
