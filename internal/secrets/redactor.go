package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Config configures transcript redaction.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// AllowlistPath points at a TOML allowlist. Missing files are ignored.
	AllowlistPath string `koanf:"allowlist_path"`
}

// Finding is one redacted secret. The secret itself is not retained.
type Finding struct {
	RuleID string
	Line   int
}

// Redactor replaces detected secrets with [REDACTED:<rule>] markers. It is
// safe for concurrent use.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor builds a detector with the default Gitleaks rules plus the
// configured allowlist.
func NewRedactor(cfg Config) (*Redactor, error) {
	allow, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	applyAllowlist(&d.Config, allow)
	return &Redactor{detector: d}, nil
}

func applyAllowlist(cfg *gitleaksconfig.Config, allow *Allowlist) {
	if len(allow.Regexes) == 0 && len(allow.StopWords) == 0 {
		return
	}
	al := &gitleaksconfig.Allowlist{Description: "groove allowlist"}
	for _, pattern := range allow.Regexes {
		// Validated by LoadAllowlist.
		al.Regexes = append(al.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	al.StopWords = append(al.StopWords, allow.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, al)
}

// Redact returns content with every detected secret replaced.
func (r *Redactor) Redact(content string) (string, []Finding) {
	if content == "" {
		return content, nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()
	if len(found) == 0 {
		return content, nil
	}

	type hit struct {
		secret string
		rule   string
	}
	hits := make([]hit, 0, len(found))
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" {
			continue
		}
		hits = append(hits, hit{secret: secret, rule: f.RuleID})
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
	}
	// Longer secrets first so a secret containing another is replaced whole.
	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i].secret) > len(hits[j].secret) })
	for _, h := range hits {
		content = strings.ReplaceAll(content, h.secret, "[REDACTED:"+h.rule+"]")
	}
	return content, findings
}
