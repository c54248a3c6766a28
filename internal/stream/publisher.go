package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
)

// Publisher writes attribution output to JetStream.
type Publisher struct {
	js     jetstream.JetStream
	logger *zap.Logger
}

var _ attribution.Publisher = (*Publisher)(nil)

// Publisher returns a publisher on the client's connection.
func (c *Client) Publisher() *Publisher {
	return &Publisher{js: c.js, logger: c.logger}
}

// PublishAttribution publishes ev on SubjectAttribution.
func (p *Publisher) PublishAttribution(ctx context.Context, ev attribution.AttributionEvent) error {
	return p.publish(ctx, attribution.SubjectAttribution, ev.MessageID(), ev)
}

// PublishDeprecation publishes ev on SubjectDeprecation.
func (p *Publisher) PublishDeprecation(ctx context.Context, ev attribution.DeprecationEvent) error {
	return p.publish(ctx, attribution.SubjectDeprecation, ev.MessageID(), ev)
}

// PublishOutcome publishes an outcome event. It is used by tooling and tests
// that stand in for the assessment pipeline.
func (p *Publisher) PublishOutcome(ctx context.Context, ev attribution.OutcomeEvent) (uint64, error) {
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = attribution.SchemaVersion
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal outcome event: %w", err)
	}
	ack, err := p.js.Publish(ctx, attribution.SubjectOutcome, data, jetstream.WithMsgID("out:"+ev.EventID))
	if err != nil {
		return 0, transient("publish outcome", err)
	}
	return ack.Sequence, nil
}

func (p *Publisher) publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return transient("publish "+subject, err)
	}
	if ack.Duplicate {
		p.logger.Debug("broker dropped duplicate", zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return nil
}
