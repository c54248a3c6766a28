// Package logging wraps zap with context-aware methods for groove.
//
// Log calls take a context and add correlation fields found in it: the
// OpenTelemetry trace and span ids, and the session, event and learning ids
// set with WithSessionID, WithEventID and WithLearningID. Components that
// want a plain *zap.Logger get one from Underlying.
//
//	logger, err := logging.NewLogger(cfg, nil)
//	ctx = logging.WithEventID(ctx, ev.EventID)
//	logger.Info(ctx, "event attributed", zap.Int("records", n))
//
// Output goes to stdout (JSON or console), to an OpenTelemetry log provider
// through otelzap, or both. Entries below error are sampled per level;
// errors are never sampled. Field names such as api_key or token and values
// matching bearer-token patterns are redacted by the encoder.
//
// TestLogger records entries in memory for assertions.
package logging
