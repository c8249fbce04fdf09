package orchestrator

import (
	"context"
	"time"

	"github.com/haasonsaas/threadkeeper/internal/gateway"
	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// statusSink binds the stream assembler to one session's status message.
// It is confined to the session's handler goroutine, so the ordering of
// edits and sends against the message handle needs no locking.
type statusSink struct {
	convo     gateway.Conversation
	sess      *models.Session
	channelID string
	current   gateway.MessageRef
	logger    *observability.Logger
	metrics   *observability.Metrics
}

func newStatusSink(convo gateway.Conversation, sess *models.Session, status gateway.MessageRef, logger *observability.Logger, metrics *observability.Metrics) *statusSink {
	return &statusSink{
		convo:     convo,
		sess:      sess,
		channelID: status.ChannelID,
		current:   status,
		logger:    logger,
		metrics:   metrics,
	}
}

// Edit implements stream.Sink.
func (s *statusSink) Edit(ctx context.Context, text string) error {
	if err := s.convo.Edit(ctx, s.current, text); err != nil {
		return err
	}
	s.record("edit")
	s.sess.AccumulatedText = text
	return nil
}

// Roll implements stream.Sink: the freshly sent message becomes the edit
// target for subsequent fragments.
func (s *statusSink) Roll(ctx context.Context, text string) error {
	ref, err := s.convo.Send(ctx, s.channelID, text)
	if err != nil {
		return err
	}
	s.record("send")
	s.current = ref
	s.sess.StatusMessageID = ref.MessageID
	s.sess.ChunkIndex++
	return nil
}

// Notify implements stream.Sink: a short-lived signal outside the durable
// transcript, deleted after ttl.
func (s *statusSink) Notify(ctx context.Context, text string, ttl time.Duration) error {
	ref, err := s.convo.Send(ctx, s.channelID, text)
	if err != nil {
		return err
	}
	s.record("send")

	select {
	case <-ctx.Done():
	case <-time.After(ttl):
	}

	if err := s.convo.Delete(ctx, ref); err != nil {
		s.logger.Debug(ctx, "notice delete failed", "error", err)
		return nil
	}
	s.record("delete")
	return nil
}

func (s *statusSink) record(kind string) {
	if s.metrics != nil {
		s.metrics.MessagesEmitted.WithLabelValues(kind).Inc()
	}
}
