package attribution

import (
	"context"
	"fmt"
	"strings"
)

// Embedder computes text embeddings. Implementations return an error when
// the backing service is unavailable; callers must degrade gracefully.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Window is the slice of a session transcript under assessment.
type Window struct {
	SessionID string
	Events    []TranscriptEvent
}

// ResponseText joins the assistant text of the window.
func (w Window) ResponseText() string {
	var parts []string
	for _, ev := range w.Events {
		if ev.Role == RoleAssistant && ev.Text != "" {
			parts = append(parts, ev.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ActivationDetector estimates whether a learning's content surfaced in a
// session window.
type ActivationDetector interface {
	// Detect always returns a usable result. A non-nil error reports a
	// degraded pass (for example the embedder failed) and is informational.
	Detect(ctx context.Context, learning Learning, window Window, th Thresholds) (ActivationResult, error)
}

// SemanticDetector combines embedding similarity with keyword and explicit
// reference matching. Per event, methods combine by maximum strength.
type SemanticDetector struct {
	embedder Embedder
}

// NewSemanticDetector returns a detector backed by embedder. A nil embedder
// runs keyword-only detection.
func NewSemanticDetector(embedder Embedder) *SemanticDetector {
	return &SemanticDetector{embedder: embedder}
}

type eventScore struct {
	semantic float64
	keyword  float64
	explicit float64
}

func (s eventScore) best(th Thresholds) (float64, DetectionMethod) {
	strength, method := 0.0, DetectionMethod("")
	if s.explicit > 0 && s.explicit > strength {
		strength, method = s.explicit, DetectedExplicitReference
	}
	if s.keyword > 0 && s.keyword > strength {
		strength, method = s.keyword, DetectedKeyword
	}
	if s.semantic >= th.SimilarityThreshold && s.semantic > strength {
		strength, method = s.semantic, DetectedSemantic
	}
	return strength, method
}

// Detect scans every assistant event of the window.
func (d *SemanticDetector) Detect(ctx context.Context, learning Learning, window Window, th Thresholds) (ActivationResult, error) {
	result := ActivationResult{}
	kw := ExtractKeywords(learning.Insight)

	var semErr error
	learningVec := learning.Embedding
	semanticOK := d.embedder != nil
	if semanticOK && len(learningVec) == 0 && learning.Insight != "" {
		vec, err := d.embedder.Embed(ctx, learning.Insight)
		if err != nil {
			semErr = fmt.Errorf("%w: learning %s: %v", ErrEmbeddingUnavailable, learning.ID, err)
			semanticOK = false
		} else {
			learningVec = vec
		}
	}
	if len(learningVec) == 0 {
		semanticOK = false
	}

	bestMiss := 0.0
	for i, ev := range window.Events {
		if ev.Role != RoleAssistant || strings.TrimSpace(ev.Text) == "" {
			continue
		}

		var score eventScore
		if containsPhrase(kw.Phrases, ev.Text) || mentionsID(learning.ID, ev.Text) {
			score.explicit = th.ExplicitStrength
		}
		if cov := termCoverage(kw.Terms, ev.Text); cov >= th.KeywordMinCoverage {
			score.keyword = cov * 0.9
		} else if miss := cov / th.KeywordMinCoverage * th.SimilarityThreshold; miss > bestMiss {
			// Keyword misses are rescaled onto the similarity scale.
			bestMiss = miss
		}

		if semanticOK {
			vec, err := d.embedder.Embed(ctx, ev.Text)
			if err != nil {
				// Stop calling a failing embedder for the rest of the window.
				semErr = fmt.Errorf("%w: session %s position %d: %v", ErrEmbeddingUnavailable, window.SessionID, ev.Position, err)
				semanticOK = false
			} else {
				score.semantic = CosineSimilarity(learningVec, vec)
				if score.semantic > result.BestSemantic {
					result.BestSemantic = score.semantic
				}
			}
		}

		strength, method := score.best(th)
		if strength > result.BestScore {
			result.BestScore = strength
		}
		if method == "" {
			if score.semantic > bestMiss {
				bestMiss = score.semantic
			}
			if score.semantic >= th.SimilarityThreshold-th.NearMissMargin && score.semantic > 0 {
				result.Signals = append(result.Signals, ActivationSignal{
					LearningID:  learning.ID,
					SessionID:   window.SessionID,
					Position:    ev.Position,
					Polarity:    PolarityNeutral,
					Strength:    score.semantic,
					DetectedVia: DetectedSemantic,
				})
			}
			continue
		}

		result.Signals = append(result.Signals, ActivationSignal{
			LearningID:  learning.ID,
			SessionID:   window.SessionID,
			Position:    ev.Position,
			Polarity:    polarityAt(window.Events, i),
			Strength:    clamp(strength, 0, 1),
			DetectedVia: method,
		})
		result.Matched = true
	}

	if result.Matched {
		result.Confidence = clamp(result.BestScore, 0, 1)
	} else {
		if bestMiss > result.BestScore {
			result.BestScore = bestMiss
		}
		result.Confidence = clamp(1-result.BestScore/th.SimilarityThreshold, 0, 1)
	}
	result.Degraded = semErr != nil
	return result, semErr
}

// polarityAt is negative when the activation sits on a failed event or is
// immediately followed by a failed tool result.
func polarityAt(events []TranscriptEvent, i int) Polarity {
	if events[i].Failed {
		return PolarityNegative
	}
	if i+1 < len(events) && events[i+1].Role == RoleTool && events[i+1].Failed {
		return PolarityNegative
	}
	return PolarityPositive
}

func clamp(x, lo, hi float64) float64 {
	if x != x {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
