// Package audit mirrors conversation activity to an append-only spreadsheet.
// Every append is best effort: failures are logged and never reach callers of
// Mirror.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Second

// rowAppender appends one row to the end of a tab.
type rowAppender interface {
	AppendRow(ctx context.Context, tab string, row []any) error
}

// Snapshot is the set of rows one event produces. Nil rows are skipped.
type Snapshot struct {
	Message      *MessageRow
	Conversation *ConversationRow
	User         *UserRow
}

// Mirrorer is implemented by Sink and Nop.
type Mirrorer interface {
	Mirror(ctx context.Context, snap Snapshot)
}

type Sink struct {
	appender rowAppender
	logger   *slog.Logger
	timeout  time.Duration
}

func NewSink(appender rowAppender, logger *slog.Logger, timeout time.Duration) (*Sink, error) {
	if appender == nil {
		return nil, errors.New("audit: appender must not be nil")
	}
	if logger == nil {
		return nil, errors.New("audit: logger must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{appender: appender, logger: logger, timeout: timeout}, nil
}

func (s *Sink) AppendMessage(ctx context.Context, row MessageRow) error {
	if err := s.appender.AppendRow(ctx, TabMessages, row.values()); err != nil {
		return fmt.Errorf("audit: append message %s: %w", row.MessageID, err)
	}
	return nil
}

func (s *Sink) AppendConversation(ctx context.Context, row ConversationRow) error {
	if err := s.appender.AppendRow(ctx, TabConversations, row.values()); err != nil {
		return fmt.Errorf("audit: append conversation %s: %w", row.ConversationID, err)
	}
	return nil
}

func (s *Sink) AppendUser(ctx context.Context, row UserRow) error {
	if err := s.appender.AppendRow(ctx, TabUsers, row.values()); err != nil {
		return fmt.Errorf("audit: append user %s: %w", row.ParticipantID, err)
	}
	return nil
}

// Mirror appends the snapshot's rows concurrently within the sink timeout.
// One append failing neither cancels nor delays the others.
func (s *Sink) Mirror(ctx context.Context, snap Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var g errgroup.Group
	if snap.Message != nil {
		row := *snap.Message
		g.Go(func() error {
			s.logFailure(TabMessages, s.AppendMessage(ctx, row))
			return nil
		})
	}
	if snap.Conversation != nil {
		row := *snap.Conversation
		g.Go(func() error {
			s.logFailure(TabConversations, s.AppendConversation(ctx, row))
			return nil
		})
	}
	if snap.User != nil {
		row := *snap.User
		g.Go(func() error {
			s.logFailure(TabUsers, s.AppendUser(ctx, row))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sink) logFailure(tab string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("audit append failed", "tab", tab, "err", err)
}

// Nop discards every snapshot. Used when no spreadsheet is configured.
type Nop struct{}

func (Nop) Mirror(context.Context, Snapshot) {}

var (
	_ Mirrorer = (*Sink)(nil)
	_ Mirrorer = Nop{}
)
