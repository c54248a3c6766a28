package transcript

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
	"github.com/run-vibes/groove/internal/secrets"
)

// ErrOutsideRoot is returned for references that resolve outside the
// transcript directory.
var ErrOutsideRoot = errors.New("transcript reference outside root")

// FileSource loads transcripts from a directory of <session>.jsonl files,
// optionally nested one level per project.
type FileSource struct {
	root     string
	logger   *zap.Logger
	redactor *secrets.Redactor
}

// Option configures a FileSource.
type Option func(*FileSource)

// WithRedactor scrubs secrets from event text as transcripts are loaded.
func WithRedactor(r *secrets.Redactor) Option {
	return func(s *FileSource) { s.redactor = r }
}

var _ attribution.TranscriptSource = (*FileSource)(nil)

// NewFileSource returns a source rooted at dir.
func NewFileSource(dir string, logger *zap.Logger, opts ...Option) (*FileSource, error) {
	if dir == "" {
		return nil, errors.New("transcript directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving transcript directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSource{root: abs, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetTranscript reads the transcript named by ref, or by sessionID when ref
// is empty. A missing file yields nil, nil.
func (s *FileSource) GetTranscript(ctx context.Context, sessionID, ref string) (*attribution.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(sessionID, ref)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w: %v", attribution.ErrTransient, err)
	}
	defer f.Close()

	t, stats, err := Parse(f, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w: %v", filepath.Base(path), attribution.ErrTransient, err)
	}
	if stats.Skipped > 0 {
		s.logger.Warn("skipped malformed transcript lines",
			zap.String("session.id", sessionID),
			zap.String("path", path),
			zap.Int("skipped", stats.Skipped),
			zap.String("first_error", stats.FirstError))
	}
	s.redact(t)
	return t, nil
}

func (s *FileSource) redact(t *attribution.Transcript) {
	if s.redactor == nil || t == nil {
		return
	}
	n := 0
	for i := range t.Events {
		text, findings := s.redactor.Redact(t.Events[i].Text)
		if len(findings) > 0 {
			t.Events[i].Text = text
			n += len(findings)
		}
	}
	if n > 0 {
		s.logger.Debug("redacted secrets from transcript",
			zap.String("session.id", t.SessionID),
			zap.Int("secrets", n))
	}
}

func (s *FileSource) resolve(sessionID, ref string) (string, error) {
	if ref != "" {
		p := ref
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.root, p)
		}
		p = filepath.Clean(p)
		rel, err := filepath.Rel(s.root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
		}
		return p, nil
	}
	// Session ids feed a glob below, so pattern characters are rejected too.
	if sessionID == "" || strings.ContainsAny(sessionID, `/\*?[]`) {
		return "", fmt.Errorf("%w: invalid session id %q", attribution.ErrInvalidEvent, sessionID)
	}

	direct := filepath.Join(s.root, sessionID+".jsonl")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", sessionID+".jsonl"))
	if err != nil || len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}
