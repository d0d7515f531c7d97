package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox outcomes reported to an OutcomeHook.
const (
	OutcomeSent       = "sent"
	OutcomeSendFailed = "send_failed"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages and delivers them, retrying failures
// with backoff until the repo gives up on them.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	pollInterval time.Duration
	opts         RunnerOpts
}

// NewOutboxSender creates an OutboxSender polling every pollInterval (5s if unset).
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...RunnerOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:         repo,
		send:         sendFunc,
		pollInterval: pollInterval,
		opts:         applyRunnerOpts(opts),
	}
}

// RecoverStaleMessages requeues messages left sending past the stale threshold.
// Called at startup and periodically by the maintenance scheduler.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.opts.Clock().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is canceled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "poll_interval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.SendDue(ctx)
		}
	}
}

// SendDue claims and delivers the messages due now and returns how many it claimed.
func (s *OutboxSender) SendDue(ctx context.Context) int {
	now := s.opts.Clock()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.SendDue: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, now)
	}
	return len(msgs)
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	err := s.send(sctx, msg)
	cancel()
	if err != nil {
		retryAt := now.Add(backoff(10*time.Second, msg.Attempts))
		slog.Error("OutboxSender.deliver: send failed", "message_id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts, "retry_at", retryAt, "error", err)
		s.opts.OnOutcome(msg.Kind, OutcomeSendFailed)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), retryAt); err != nil {
			slog.Error("OutboxSender.deliver: failed to record failure", "message_id", msg.ID, "error", err)
		}
		return
	}
	if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
		slog.Error("OutboxSender.deliver: failed to mark sent", "message_id", msg.ID, "error", err)
		return
	}
	s.opts.OnOutcome(msg.Kind, OutcomeSent)
	slog.Debug("OutboxSender.deliver: message sent", "message_id", msg.ID, "kind", msg.Kind)
}
