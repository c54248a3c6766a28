// Package attribution estimates how much each injected learning contributes
// to session outcomes.
//
// Four independent signals are fused per learning:
//
//   - Activation: semantic, keyword and explicit-reference detection of a
//     learning's content in agent output (SemanticDetector).
//   - Temporal proximity: exponentially decayed activation weight around the
//     assessment point (ExponentialCorrelator).
//   - Ablation: randomized withholding experiments evaluated with Welch's
//     t-test (Manager).
//   - History: a running estimate whose step shrinks as samples accumulate
//     (BlendingAggregator).
//
// The Consumer drives these per outcome event, persists a LearningValue and
// an AttributionRecord atomically, and emits attribution and deprecation
// events. Learnings whose estimate stays below the harm threshold move from
// active to under review, and to deprecated once the estimate is confident.
//
// All tunable parameters live in an immutable Thresholds snapshot obtained
// from a ThresholdRegistry and passed into every call.
package attribution
