package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
)

// Source is a durable pull consumer over outcome events. Offsets are stream
// sequence numbers, which stay stable across redeliveries.
type Source struct {
	cons   jetstream.Consumer
	cfg    Config
	logger *zap.Logger
}

var _ attribution.EventSource = (*Source)(nil)

// OutcomeSource creates or updates the durable consumer for outcome events.
func (c *Client) OutcomeSource(ctx context.Context) (*Source, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: attribution.SubjectOutcome,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxAckPending: c.cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}
	return &Source{cons: cons, cfg: c.cfg, logger: c.logger}, nil
}

// Fetch waits up to FetchWait for at most max messages. An expired wait
// returns an empty batch.
func (s *Source) Fetch(ctx context.Context, max int) ([]attribution.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := s.cons.Fetch(max, jetstream.FetchMaxWait(s.cfg.FetchWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, transient("fetch", err)
	}

	var out []attribution.Delivery
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			s.logger.Warn("message without jetstream metadata, terminating", zap.Error(err))
			_ = msg.Term()
			continue
		}
		if meta.NumDelivered > 1 {
			s.logger.Debug("redelivered outcome event",
				zap.Uint64("stream_seq", meta.Sequence.Stream),
				zap.Uint64("delivered", meta.NumDelivered))
		}
		out = append(out, attribution.Delivery{
			Data:   msg.Data(),
			Offset: meta.Sequence.Stream,
			Ack:    msg.Ack,
			Nak: func() error {
				return msg.NakWithDelay(s.cfg.NakDelay)
			},
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && len(out) == 0 {
		return nil, transient("fetch", err)
	}
	return out, nil
}
