package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	syntheticIDPrefix     = "out_"
)

type SendInput struct {
	WaID string
	Text string
}

type SendOutput struct {
	// Gateway is the gateway's raw send response.
	Gateway json.RawMessage
	// MessageRowID is nil when the message was sent but its row could not be stored.
	MessageRowID *string
}

type SendService struct {
	store   ConversationStore
	gateway Gateway
	audit   AuditMirror
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewSendService(store ConversationStore, gateway Gateway, auditor AuditMirror, logger *slog.Logger, timeout time.Duration) (*SendService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if gateway == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if auditor == nil {
		return nil, errors.New("usecase: audit mirror must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &SendService{
		store:   store,
		gateway: gateway,
		audit:   auditor,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

// Send delivers a text message and records it. Once the gateway accepted the
// message, later storage failures are logged and never reported as errors.
func (s *SendService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	waID := strings.TrimSpace(in.WaID)
	if waID == "" || strings.TrimSpace(in.Text) == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "wa_id_and_text_required", nil)
	}

	conv, err := s.store.GetOrCreateConversation(ctx, waID, domain.ConversationSeed{Source: domain.SourceUnknown})
	if err != nil {
		return SendOutput{}, newError(ErrorInternal, "conversation_upsert_failed", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.gateway.SendText(sendCtx, waID, in.Text)
	cancel()
	if err != nil {
		return SendOutput{}, upstreamError("gateway_send", err)
	}

	sentAt := s.now().UTC()
	externalID := res.MessageID
	if externalID == "" {
		externalID = syntheticIDPrefix + newUUID()
	}
	text := in.Text

	out := SendOutput{Gateway: res.Raw}
	msg, err := s.store.InsertMessage(ctx, domain.Message{
		ExternalID:     externalID,
		ConversationID: conv.ID,
		Direction:      domain.DirectionOutbound,
		Type:           "text",
		Body:           &text,
		Payload:        res.Raw,
		OccurredAt:     sentAt,
	})
	var stored *domain.Message
	if err != nil {
		s.logger.Error("outbound message insert failed",
			"conversation_id", conv.ID,
			"wa_message_id", externalID,
			"err", err,
		)
	} else {
		out.MessageRowID = &msg.ID
		stored = &msg
	}

	updated, err := s.store.ApplyMetrics(ctx, conv.ID, convmetrics.Update(conv.Metrics, domain.DirectionOutbound, sentAt))
	if err != nil {
		s.logger.Error("outbound metrics update failed", "conversation_id", conv.ID, "err", err)
		updated = conv
	}

	s.audit.Mirror(ctx, auditSnapshot(updated, stored, ""))
	return out, nil
}
