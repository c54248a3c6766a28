package attribution

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/run-vibes/groove/internal/attribution"

// PassStage is the step of an event pass at which a failure happened.
type PassStage string

const (
	StageReceived        PassStage = "received"
	StageLearningsLoaded PassStage = "learnings_loaded"
	StageSignalsComputed PassStage = "signals_computed"
	StageValueUpdated    PassStage = "value_updated"
	StageEmitted         PassStage = "emitted"
)

type stageError struct {
	stage PassStage
	err   error
}

func (e *stageError) Error() string { return string(e.stage) + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage PassStage, err error) error {
	if err == nil {
		return nil
	}
	var se *stageError
	if errors.As(err, &se) {
		return err
	}
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) PassStage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return StageReceived
}

// Delivery is one raw outcome event from the stream.
type Delivery struct {
	Data   []byte
	Offset uint64
	Ack    func() error
	Nak    func() error
}

// EventSource yields outcome events in stream order.
type EventSource interface {
	// Fetch blocks until at least one delivery is available, ctx is done, or
	// the source's own poll interval expires (returning an empty batch).
	Fetch(ctx context.Context, max int) ([]Delivery, error)
}

// ConsumerConfig tunes the consumer's concurrency and retry behavior.
type ConsumerConfig struct {
	// Name keys the durable offset watermark.
	Name        string        `koanf:"name"`
	Lanes       int           `koanf:"lanes"`
	Shards      int           `koanf:"shards"`
	MaxInFlight int           `koanf:"max_in_flight"`
	FetchBatch  int           `koanf:"fetch_batch"`
	MaxAttempts int           `koanf:"max_attempts"`
	BaseBackoff time.Duration `koanf:"base_backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

// DefaultConsumerConfig returns production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Name:        "attribution",
		Lanes:       8,
		Shards:      8,
		MaxInFlight: 64,
		FetchBatch:  16,
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (c *ConsumerConfig) applyDefaults() {
	d := DefaultConsumerConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Lanes <= 0 {
		c.Lanes = d.Lanes
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = d.FetchBatch
	}
	if c.FetchBatch > c.MaxInFlight {
		c.FetchBatch = c.MaxInFlight
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
}

// Dependencies are the collaborators of a Consumer. Store, Thresholds and
// Publisher are required; the rest default to production implementations.
type Dependencies struct {
	Store       Store
	Transcripts TranscriptSource
	Detector    ActivationDetector
	Correlator  TemporalCorrelator
	Ablation    AblationManager
	Aggregator  ValueAggregator
	Thresholds  *ThresholdRegistry
	Publisher   Publisher
	Tuner       *SimilarityTuner
	Logger      *zap.Logger
	Metrics     *Metrics
	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

// Consumer orchestrates attribution for outcome events. Events are routed to
// session lanes so a session's records are emitted in source order, and each
// learning's read-modify-write runs on the single shard that owns it.
type Consumer struct {
	cfg         ConsumerConfig
	store       Store
	transcripts TranscriptSource
	detector    ActivationDetector
	correlator  TemporalCorrelator
	ablation    AblationManager
	aggregator  ValueAggregator
	thresholds  *ThresholdRegistry
	publisher   Publisher
	tuner       *SimilarityTuner
	logger      *zap.Logger
	metrics     *Metrics
	tracer      trace.Tracer

	offsets *OffsetTracker
	pool    atomic.Pointer[shardPool]
	running atomic.Bool
	now     func() time.Time
}

// NewConsumer validates deps and builds a consumer.
func NewConsumer(cfg ConsumerConfig, deps Dependencies) (*Consumer, error) {
	if deps.Store == nil {
		return nil, errors.New("attribution: store is required")
	}
	if deps.Thresholds == nil {
		return nil, errors.New("attribution: threshold registry is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("attribution: publisher is required")
	}
	cfg.applyDefaults()

	c := &Consumer{
		cfg:         cfg,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		detector:    deps.Detector,
		correlator:  deps.Correlator,
		ablation:    deps.Ablation,
		aggregator:  deps.Aggregator,
		thresholds:  deps.Thresholds,
		publisher:   deps.Publisher,
		tuner:       deps.Tuner,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(instrumentationName),
		offsets:     NewOffsetTracker(0),
		now:         time.Now,
	}
	if c.detector == nil {
		c.detector = NewSemanticDetector(nil)
	}
	if c.correlator == nil {
		c.correlator = NewExponentialCorrelator()
	}
	if c.aggregator == nil {
		c.aggregator = NewBlendingAggregator()
	}
	if c.ablation == nil {
		c.ablation = NewManager(deps.Store, deps.Store, NewLockedRandom(nil, uint64(time.Now().UnixNano())))
	}
	if deps.Tracer != nil {
		c.tracer = deps.Tracer
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	return c, nil
}

type laneItem struct {
	event    OutcomeEvent
	delivery Delivery
}

// Run consumes src until ctx is cancelled. Fetching stops at cancellation;
// events already dispatched finish on a context detached from ctx before Run
// returns.
func (c *Consumer) Run(ctx context.Context, src EventSource) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("attribution: consumer already running")
	}
	defer c.running.Store(false)

	committed, err := c.store.LoadOffset(ctx, c.cfg.Name)
	if err != nil {
		return fmt.Errorf("load offset watermark: %w", err)
	}
	c.offsets = NewOffsetTracker(committed)
	procCtx := context.WithoutCancel(ctx)

	pool := newShardPool(c.cfg.Shards, c.cfg.MaxInFlight)
	var shards errgroup.Group
	for _, ch := range pool.shards {
		shards.Go(func() error {
			for task := range ch {
				task()
			}
			return nil
		})
	}
	c.pool.Store(pool)

	sem := make(chan struct{}, c.cfg.MaxInFlight)
	lanes := make([]chan laneItem, c.cfg.Lanes)
	var workers errgroup.Group
	for i := range lanes {
		lane := make(chan laneItem, c.cfg.MaxInFlight)
		lanes[i] = lane
		workers.Go(func() error {
			for item := range lane {
				c.handle(procCtx, item)
				<-sem
			}
			return nil
		})
	}

	c.logger.Info("attribution consumer started",
		zap.String("consumer", c.cfg.Name),
		zap.Uint64("watermark", committed),
		zap.Int("lanes", c.cfg.Lanes),
		zap.Int("shards", c.cfg.Shards),
		zap.Int("max_in_flight", c.cfg.MaxInFlight))

	fetchErr := c.fetchLoop(ctx, procCtx, src, lanes, sem)

	for _, lane := range lanes {
		close(lane)
	}
	_ = workers.Wait()
	c.pool.Store(nil)
	pool.close()
	_ = shards.Wait()

	c.logger.Info("attribution consumer stopped",
		zap.String("consumer", c.cfg.Name),
		zap.Uint64("watermark", c.offsets.Watermark()))

	if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
		return nil
	}
	return fetchErr
}

func (c *Consumer) fetchLoop(ctx, procCtx context.Context, src EventSource, lanes []chan laneItem, sem chan struct{}) error {
	backoff := c.cfg.BaseBackoff
	for {
		// A slot is held across Fetch: with MaxInFlight events outstanding
		// nothing more is pulled from the stream.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch, err := src.Fetch(ctx, c.cfg.FetchBatch)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("fetch outcome events failed", zap.Error(err), zap.Duration("backoff", backoff))
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}
		backoff = c.cfg.BaseBackoff
		if len(batch) == 0 {
			<-sem
			continue
		}

		for i, d := range batch {
			if i > 0 {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					for _, rest := range batch[i:] {
						c.nak(procCtx, rest)
					}
					return ctx.Err()
				}
			}
			c.dispatch(procCtx, d, lanes, sem)
		}
	}
}

// dispatch decodes d and routes it to its session lane. The caller holds a
// semaphore slot which is released once the event is finished.
func (c *Consumer) dispatch(ctx context.Context, d Delivery, lanes []chan laneItem, sem chan struct{}) {
	if d.Offset > 0 && c.offsets.Seen(d.Offset) {
		c.metrics.EventsTotal.WithLabelValues("duplicate").Inc()
		c.ack(ctx, d)
		<-sem
		return
	}
	c.offsets.Begin(d.Offset)
	c.metrics.InFlight.Inc()

	ev, err := DecodeOutcomeEvent(d.Data)
	if err != nil {
		c.metrics.EventsTotal.WithLabelValues("invalid").Inc()
		if perr := c.putError(ctx, nil, "", StageReceived, fmt.Errorf("offset %d: %w", d.Offset, err), 1); perr != nil {
			c.nak(ctx, d)
			c.metrics.InFlight.Dec()
			<-sem
			return
		}
		c.finish(ctx, d)
		<-sem
		return
	}

	lanes[laneFor(ev.SessionID, len(lanes))] <- laneItem{event: ev, delivery: d}
}

func (c *Consumer) handle(ctx context.Context, item laneItem) {
	_, err := c.processEvent(ctx, item.event, item.delivery.Offset)
	if err != nil {
		// Not even an error record could be written; let the stream redeliver.
		c.logger.Error("outcome event not persisted, requesting redelivery",
			zap.String("event.id", item.event.EventID),
			zap.String("session.id", item.event.SessionID),
			zap.Error(err))
		c.metrics.EventsTotal.WithLabelValues("redelivered").Inc()
		c.nak(ctx, item.delivery)
		c.metrics.InFlight.Dec()
		return
	}
	c.metrics.EventsTotal.WithLabelValues("processed").Inc()
	c.finish(ctx, item.delivery)
}

func (c *Consumer) finish(ctx context.Context, d Delivery) {
	c.ack(ctx, d)
	c.metrics.InFlight.Dec()
	if d.Offset == 0 {
		return
	}
	if wm, advanced := c.offsets.Complete(d.Offset); advanced {
		if err := c.store.SaveOffset(ctx, c.cfg.Name, wm); err != nil {
			c.logger.Warn("save offset watermark failed", zap.Uint64("watermark", wm), zap.Error(err))
		}
	}
}

func (c *Consumer) ack(ctx context.Context, d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		c.logger.Warn("ack failed", zap.Uint64("offset", d.Offset), zap.Error(err))
	}
}

func (c *Consumer) nak(ctx context.Context, d Delivery) {
	if d.Nak == nil {
		return
	}
	if err := d.Nak(); err != nil {
		c.logger.Warn("nak failed", zap.Uint64("offset", d.Offset), zap.Error(err))
	}
}

// ProcessEvent attributes one outcome event synchronously and returns the
// emitted records. Per-learning failures become error records; the returned
// error is non-nil only when a failure could not be recorded.
func (c *Consumer) ProcessEvent(ctx context.Context, ev OutcomeEvent, offset uint64) ([]AttributionRecord, error) {
	if err := ev.Validate(); err != nil {
		if perr := c.putError(ctx, &ev, "", StageReceived, err, 1); perr != nil {
			return nil, errors.Join(err, perr)
		}
		return nil, nil
	}
	return c.processEvent(ctx, ev, offset)
}

func (c *Consumer) processEvent(ctx context.Context, ev OutcomeEvent, offset uint64) ([]AttributionRecord, error) {
	ctx, span := c.tracer.Start(ctx, "attribution.process_event",
		trace.WithAttributes(
			attribute.String("event.id", ev.EventID),
			attribute.String("session.id", ev.SessionID),
			attribute.Int("candidates", len(ev.CandidateLearningIDs)),
		))
	defer span.End()

	th := c.thresholds.Snapshot()
	c.metrics.ThresholdsVersion.Set(float64(th.Version))
	log := c.logger.With(zap.String("event.id", ev.EventID), zap.String("session.id", ev.SessionID))
	log.Debug("pass stage", zap.String("stage", string(StageReceived)))

	var learnings []Learning
	var missing []string
	_, err := c.retry(ctx, "load learnings", func() error {
		var lerr error
		learnings, missing, lerr = c.loadLearnings(ctx, ev)
		return lerr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if perr := c.putError(ctx, &ev, "", StageLearningsLoaded, err, c.cfg.MaxAttempts); perr != nil {
			return nil, errors.Join(err, perr)
		}
		return nil, nil
	}
	var fatal error
	for _, id := range missing {
		cause := fmt.Errorf("learning %s: %w", id, ErrNotFound)
		if perr := c.putError(ctx, &ev, id, StageLearningsLoaded, cause, 1); perr != nil {
			fatal = errors.Join(fatal, perr)
		}
	}
	log.Debug("pass stage", zap.String("stage", string(StageLearningsLoaded)), zap.Int("learnings", len(learnings)))

	transcript, transcriptDegraded := c.loadTranscript(ctx, ev)

	records := make([]*AttributionRecord, len(learnings))
	errs := make([]error, len(learnings))
	attempts := make([]int, len(learnings))
	c.forEachLearning(learnings, func(i int, l Learning) {
		attempts[i], errs[i] = c.retry(ctx, "attribute", func() error {
			rec, aerr := c.attribute(ctx, ev, l, transcript, th, offset)
			if aerr == nil {
				rec.Degraded = rec.Degraded || transcriptDegraded
				records[i] = rec
			}
			return aerr
		})
	})

	out := make([]AttributionRecord, 0, len(learnings))
	for i, l := range learnings {
		if errs[i] != nil {
			span.RecordError(errs[i])
			if perr := c.putError(ctx, &ev, l.ID, stageOf(errs[i]), errs[i], attempts[i]); perr != nil {
				fatal = errors.Join(fatal, perr)
			}
			continue
		}
		if err := c.emit(ctx, *records[i]); err != nil {
			// The record is committed; replay re-emits it.
			if perr := c.putError(ctx, &ev, l.ID, StageEmitted, err, c.cfg.MaxAttempts); perr != nil {
				fatal = errors.Join(fatal, perr)
			}
			continue
		}
		out = append(out, *records[i])
	}
	log.Debug("pass stage", zap.String("stage", string(StageEmitted)), zap.Int("records", len(out)))

	if fatal != nil {
		span.SetStatus(codes.Error, fatal.Error())
	}
	return out, fatal
}

// loadLearnings resolves the event's candidates. Deprecated candidates are
// dropped; unknown ones are returned as missing.
func (c *Consumer) loadLearnings(ctx context.Context, ev OutcomeEvent) ([]Learning, []string, error) {
	active, err := c.store.GetActiveLearnings(ctx, ev.Scope)
	if err != nil {
		return nil, nil, atStage(StageLearningsLoaded, fmt.Errorf("get active learnings: %w", err))
	}
	if len(ev.CandidateLearningIDs) == 0 {
		return active, nil, nil
	}

	byID := make(map[string]Learning, len(active))
	for _, l := range active {
		byID[l.ID] = l
	}
	var learnings []Learning
	var missing []string
	seen := make(map[string]bool, len(ev.CandidateLearningIDs))
	for _, id := range ev.CandidateLearningIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if l, ok := byID[id]; ok {
			learnings = append(learnings, l)
			continue
		}
		l, err := c.store.GetLearning(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			missing = append(missing, id)
		case err != nil:
			return nil, nil, atStage(StageLearningsLoaded, fmt.Errorf("get learning %s: %w", id, err))
		case l.Status == StatusDeprecated:
			c.logger.Debug("skipping deprecated candidate", zap.String("learning.id", id))
		default:
			// Active but outside the event's scope; the event's list wins.
			learnings = append(learnings, l)
		}
	}
	return learnings, missing, nil
}

// loadTranscript returns nil when the transcript is absent. Failures after
// retries degrade to outcome-only attribution.
func (c *Consumer) loadTranscript(ctx context.Context, ev OutcomeEvent) (*Transcript, bool) {
	if c.transcripts == nil {
		return nil, false
	}
	var t *Transcript
	_, err := c.retry(ctx, "load transcript", func() error {
		var terr error
		t, terr = c.transcripts.GetTranscript(ctx, ev.SessionID, ev.TranscriptRef)
		return terr
	})
	if err != nil {
		c.logger.Warn("transcript unavailable, attributing outcome only",
			zap.String("event.id", ev.EventID),
			zap.String("session.id", ev.SessionID),
			zap.Error(err))
		return nil, true
	}
	return t, false
}

// attribute runs one (event, learning) pass. A stored record for the pair is
// returned as is, so a redelivered event re-emits instead of re-counting.
func (c *Consumer) attribute(ctx context.Context, ev OutcomeEvent, l Learning, transcript *Transcript, th Thresholds, offset uint64) (*AttributionRecord, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "attribution.process_learning",
		trace.WithAttributes(
			attribute.String("event.id", ev.EventID),
			attribute.String("learning.id", l.ID),
		))
	defer span.End()

	existing, err := c.store.GetRecord(ctx, ev.EventID, l.ID)
	if err != nil {
		return nil, atStage(StageLearningsLoaded, fmt.Errorf("get record: %w", err))
	}
	if existing != nil {
		span.SetAttributes(attribute.Bool("replayed", true))
		return existing, nil
	}

	prior, err := c.store.GetValue(ctx, l.ID)
	if errors.Is(err, ErrNotFound) {
		prior = NewLearningValue(l.ID)
	} else if err != nil {
		return nil, atStage(StageLearningsLoaded, fmt.Errorf("get value: %w", err))
	}

	rec := AttributionRecord{
		EventID:       ev.EventID,
		LearningID:    l.ID,
		SessionID:     ev.SessionID,
		Withheld:      ev.Withheld(l.ID),
		Temporal:      TemporalResult{NearestDistance: th.MaxDistance + 1},
		ThresholdsRev: th.Version,
		Offset:        offset,
	}
	in := AggregateInput{
		TranscriptAvailable: transcript != nil,
		ObservedAt:          ev.OccurredAt,
	}

	if transcript != nil && !rec.Withheld {
		assessment := assessmentPosition(ev, transcript)
		window := Window{SessionID: ev.SessionID, Events: eventsUpTo(transcript.Events, assessment)}
		act, derr := c.detector.Detect(ctx, l, window, th)
		if derr != nil {
			rec.Degraded = true
			c.logger.Warn("activation degraded",
				zap.String("event.id", ev.EventID),
				zap.String("learning.id", l.ID),
				zap.Error(derr))
		}
		rec.Activation = act
		rec.WasActivated = act.Matched
		rec.Temporal = c.correlator.Correlate(act.Signals, assessment, th)
		if c.tuner != nil {
			c.tuner.Observe(act, th)
		}
	}
	in.Activation = rec.Activation
	in.Temporal = rec.Temporal

	arm := ArmInjected
	if rec.Withheld {
		arm = ArmWithheld
	}
	if err := c.ablation.RecordOutcome(ctx, l.ID, ev.SessionID, arm, ev.OutcomeValue, ev.OccurredAt); err != nil {
		return nil, atStage(StageSignalsComputed, err)
	}
	result, err := c.ablation.Evaluate(ctx, l.ID, ev.EventID, th, ev.OccurredAt)
	if err != nil {
		return nil, atStage(StageSignalsComputed, err)
	}
	rec.Ablation = result
	in.Ablation = result

	out, err := c.aggregator.Aggregate(prior, in, th)
	if err != nil {
		return nil, atStage(StageValueUpdated, err)
	}
	rec.AttributedValue = out.AttributedValue
	rec.Skipped = out.Skipped
	rec.Transition = out.Transition
	rec.Value = out.Value
	rec.ProcessedAt = c.now()

	stored, err := c.store.CommitAttribution(ctx, rec, prior.Version)
	if err != nil {
		return nil, atStage(StageValueUpdated, fmt.Errorf("commit attribution: %w", err))
	}
	rec.Value = stored

	c.metrics.PassesTotal.WithLabelValues(string(rec.Skipped)).Inc()
	c.metrics.PassDuration.Observe(time.Since(start).Seconds())
	if rec.Transition != nil {
		c.metrics.TransitionsTotal.WithLabelValues(string(rec.Transition.To)).Inc()
	}
	span.SetAttributes(
		attribute.Bool("activated", rec.WasActivated),
		attribute.Float64("attributed_value", rec.AttributedValue),
		attribute.Float64("estimated_value", stored.EstimatedValue),
	)
	return &rec, nil
}

func (c *Consumer) emit(ctx context.Context, rec AttributionRecord) error {
	_, err := c.retry(ctx, "publish attribution", func() error {
		return c.publisher.PublishAttribution(ctx, NewAttributionEvent(rec))
	})
	if err != nil {
		return atStage(StageEmitted, fmt.Errorf("publish attribution: %w", err))
	}

	dep, ok := NewDeprecationEvent(rec)
	if !ok {
		return nil
	}
	c.logger.Info("learning status changed",
		zap.String("learning.id", rec.LearningID),
		zap.String("from", string(dep.PreviousStatus)),
		zap.String("to", string(dep.NewStatus)),
		zap.Float64("estimated_value", dep.EstimatedValue),
		zap.Float64("confidence", dep.Confidence))
	_, err = c.retry(ctx, "publish deprecation", func() error {
		return c.publisher.PublishDeprecation(ctx, dep)
	})
	if err != nil {
		return atStage(StageEmitted, fmt.Errorf("publish deprecation: %w", err))
	}
	return nil
}

// putError persists a failure. Its ID is derived from the event and learning
// so a redelivered failure overwrites rather than duplicates.
func (c *Consumer) putError(ctx context.Context, ev *OutcomeEvent, learningID string, stage PassStage, cause error, attempts int) error {
	rec := ErrorRecord{
		LearningID: learningID,
		Class:      Classify(cause),
		Stage:      stage,
		Message:    cause.Error(),
		Attempts:   attempts,
		RecordedAt: c.now(),
	}
	if ev != nil {
		cp := *ev
		rec.EventID = ev.EventID
		rec.SessionID = ev.SessionID
		rec.Event = &cp
	}
	if rec.EventID != "" {
		rec.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.EventID+"/"+learningID)).String()
	} else {
		rec.ID = uuid.NewString()
	}

	c.metrics.ErrorsTotal.WithLabelValues(string(rec.Class)).Inc()
	c.logger.Error("attribution failed",
		zap.String("event.id", rec.EventID),
		zap.String("learning.id", learningID),
		zap.String("stage", string(stage)),
		zap.String("class", string(rec.Class)),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	_, err := c.retry(ctx, "put error record", func() error {
		return c.store.PutErrorRecord(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("put error record: %w", err)
	}
	return nil
}

// ReplayReport summarizes a Replay run.
type ReplayReport struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Replay reprocesses stored error records. Records that succeed are deleted.
// Records whose event could not be decoded or failed validation are skipped.
func (c *Consumer) Replay(ctx context.Context, limit int) (ReplayReport, error) {
	var report ReplayReport
	errRecs, err := c.store.ListErrorRecords(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list error records: %w", err)
	}
	th := c.thresholds.Snapshot()

	for _, er := range errRecs {
		if er.Event == nil || er.Event.Validate() != nil {
			report.Skipped++
			continue
		}
		ev := *er.Event

		var targets []Learning
		if er.LearningID == "" {
			targets, _, err = c.loadLearnings(ctx, ev)
		} else {
			var l Learning
			l, err = c.store.GetLearning(ctx, er.LearningID)
			if err != nil {
				err = atStage(StageLearningsLoaded, err)
			}
			targets = []Learning{l}
		}
		if err != nil {
			c.replayFailed(ctx, &report, er, err)
			continue
		}

		transcript, degraded := c.loadTranscript(ctx, ev)
		var failure error
		c.forEachLearning(targets, func(_ int, l Learning) {
			rec, aerr := c.attribute(ctx, ev, l, transcript, th, 0)
			if aerr == nil {
				rec.Degraded = rec.Degraded || degraded
				aerr = c.emit(ctx, *rec)
			}
			if aerr != nil {
				failure = errors.Join(failure, aerr)
			}
		})
		if failure != nil {
			c.replayFailed(ctx, &report, er, failure)
			continue
		}
		if err := c.store.DeleteErrorRecord(ctx, er.ID); err != nil {
			return report, fmt.Errorf("delete error record %s: %w", er.ID, err)
		}
		report.Replayed++
	}

	c.logger.Info("error record replay finished",
		zap.Int("replayed", report.Replayed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (c *Consumer) replayFailed(ctx context.Context, report *ReplayReport, er ErrorRecord, err error) {
	report.Failed++
	er.Attempts++
	er.Message = err.Error()
	er.Class = Classify(err)
	er.Stage = stageOf(err)
	er.RecordedAt = c.now()
	if perr := c.store.PutErrorRecord(ctx, er); perr != nil {
		c.logger.Warn("update error record failed", zap.String("id", er.ID), zap.Error(perr))
	}
}

// retry runs fn with exponential backoff while its error is retryable. It
// returns the number of attempts made.
func (c *Consumer) retry(ctx context.Context, op string, fn func() error) (int, error) {
	backoff := c.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) || attempt >= c.cfg.MaxAttempts {
			return attempt, err
		}
		c.metrics.RetriesTotal.Inc()
		c.logger.Debug("retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if serr := sleepCtx(ctx, backoff); serr != nil {
			return attempt, err
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// forEachLearning runs fn for every learning on its owning shard and waits.
// Without a running pool the calls run inline, in order.
func (c *Consumer) forEachLearning(learnings []Learning, fn func(i int, l Learning)) {
	pool := c.pool.Load()
	if pool == nil {
		for i, l := range learnings {
			fn(i, l)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(learnings))
	for i, l := range learnings {
		task := func() {
			defer wg.Done()
			fn(i, l)
		}
		if !pool.submit(l.ID, task) {
			task()
		}
	}
	wg.Wait()
}

type shardPool struct {
	mu     sync.RWMutex
	closed bool
	shards []chan func()
}

func newShardPool(n, depth int) *shardPool {
	p := &shardPool{shards: make([]chan func(), n)}
	for i := range p.shards {
		p.shards[i] = make(chan func(), depth)
	}
	return p
}

// submit queues task on key's shard. It reports false once the pool is
// closed, in which case the caller runs the task itself.
func (p *shardPool) submit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.shards[laneFor(key, len(p.shards))] <- task
	return true
}

func (p *shardPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func assessmentPosition(ev OutcomeEvent, t *Transcript) uint32 {
	if ev.AssessmentPosition != nil {
		return *ev.AssessmentPosition
	}
	return t.LastPosition()
}

func eventsUpTo(events []TranscriptEvent, pos uint32) []TranscriptEvent {
	for i, ev := range events {
		if ev.Position > pos {
			return events[:i]
		}
	}
	return events
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
