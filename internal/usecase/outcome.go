package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"wa-relay/internal/conversion"
	"wa-relay/internal/domain"
)

type OutcomeInput struct {
	ConversationID string
	Outcome        string
	Value          *float64
	Currency       *string
}

type OutcomeOutput struct {
	Outcome domain.Outcome
	// Dispatch is one of the conversion.Status* values.
	Dispatch string
}

type OutcomeService struct {
	store      ConversationStore
	dispatcher ConversionDispatcher
	logger     *slog.Logger
}

func NewOutcomeService(store ConversationStore, dispatcher ConversionDispatcher, logger *slog.Logger) (*OutcomeService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: conversion dispatcher must not be nil")
	}
	if logger == nil {
		return nil, errors.New("usecase: logger must not be nil")
	}
	return &OutcomeService{store: store, dispatcher: dispatcher, logger: logger}, nil
}

// Report persists an outcome and then attempts its conversion dispatch. Once
// the outcome is stored, dispatch problems only show up in Dispatch.
func (s *OutcomeService) Report(ctx context.Context, in OutcomeInput) (OutcomeOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return OutcomeOutput{}, newError(ErrorInvalidInput, "conversation_id_required", nil)
	}
	kind := domain.OutcomeKind(strings.TrimSpace(in.Outcome))
	if !kind.Valid() {
		return OutcomeOutput{}, newError(ErrorInvalidInput, "invalid_outcome", nil)
	}

	var currency *string
	if in.Currency != nil && strings.TrimSpace(*in.Currency) != "" {
		c := strings.TrimSpace(*in.Currency)
		currency = &c
	}

	o, err := s.store.InsertOutcome(ctx, domain.Outcome{
		ConversationID: convID,
		Kind:           kind,
		Value:          in.Value,
		Currency:       currency,
	})
	if err != nil {
		return OutcomeOutput{}, newError(ErrorInternal, "outcome_insert_failed", err)
	}

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		s.logger.Warn("outcome stored, conversation load failed",
			"outcome_id", o.ID,
			"conversation_id", convID,
			"err", err,
		)
		return OutcomeOutput{Outcome: o, Dispatch: conversion.StatusSkippedLoad}, nil
	}

	res := s.dispatcher.Dispatch(ctx, o, conv.ParticipantID)
	if res.Status == conversion.StatusOK {
		o = s.reload(ctx, o, res.EventID)
	}
	s.logger.Info("outcome recorded",
		"outcome_id", o.ID,
		"conversation_id", convID,
		"outcome", string(kind),
		"dispatch", res.Status,
	)
	return OutcomeOutput{Outcome: o, Dispatch: res.Status}, nil
}

// reload returns the stored outcome so the reply shows whether the event id
// write-back landed. When the read fails the inserted copy is returned with
// the dispatched event id.
func (s *OutcomeService) reload(ctx context.Context, o domain.Outcome, eventID string) domain.Outcome {
	stored, err := s.store.GetOutcome(ctx, o.ID)
	if err != nil {
		s.logger.Warn("outcome reload failed", "outcome_id", o.ID, "err", err)
		o.ConversionEventID = &eventID
		return o
	}
	return stored
}
