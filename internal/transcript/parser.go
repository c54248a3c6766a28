package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/run-vibes/groove/internal/attribution"
)

const maxLineSize = 10 * 1024 * 1024

// jsonlLine is one line of a session file.
type jsonlLine struct {
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParseStats counts lines that could not be used.
type ParseStats struct {
	Lines   int
	Skipped int
	// FirstError describes the first malformed line, if any.
	FirstError string
}

// Parse reads a JSONL transcript. Malformed lines are skipped and counted.
func Parse(r io.Reader, sessionID string) (*attribution.Transcript, ParseStats, error) {
	var stats ParseStats
	t := &attribution.Transcript{SessionID: sessionID}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		stats.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var jl jsonlLine
		if err := json.Unmarshal([]byte(line), &jl); err != nil {
			stats.skip(fmt.Sprintf("line %d: %v", stats.Lines, err))
			continue
		}
		if jl.Type != "user" && jl.Type != "assistant" {
			continue
		}
		if jl.SessionID != "" && t.SessionID == "" {
			t.SessionID = jl.SessionID
		}
		events, err := parseMessage(jl)
		if err != nil {
			stats.skip(fmt.Sprintf("line %d: %v", stats.Lines, err))
			continue
		}
		for _, ev := range events {
			ev.Position = uint32(len(t.Events))
			t.Events = append(t.Events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scanning transcript: %w", err)
	}
	return t, stats, nil
}

func (s *ParseStats) skip(reason string) {
	s.Skipped++
	if s.FirstError == "" {
		s.FirstError = reason
	}
}

// parseMessage splits one line into events. Text blocks of a message are
// joined into a single event; each tool block is an event of its own.
func parseMessage(jl jsonlLine) ([]attribution.TranscriptEvent, error) {
	role := attribution.RoleUser
	if jl.Type == "assistant" {
		role = attribution.RoleAssistant
	}

	// User prompts are sometimes a bare string.
	var plain string
	if err := json.Unmarshal(jl.Message, &plain); err == nil {
		return textEvent(role, plain), nil
	}

	var m message
	if err := json.Unmarshal(jl.Message, &m); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return textEvent(role, plain), nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}

	var (
		events []attribution.TranscriptEvent
		text   []string
	)
	flush := func() {
		if len(text) > 0 {
			events = append(events, textEvent(role, strings.Join(text, "\n"))...)
			text = nil
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				text = append(text, b.Text)
			}
		case "tool_use":
			flush()
			events = append(events, attribution.TranscriptEvent{
				Role: attribution.RoleTool,
				Text: strings.TrimSpace(b.Name + " " + string(b.Input)),
			})
		case "tool_result":
			flush()
			events = append(events, attribution.TranscriptEvent{
				Role:   attribution.RoleTool,
				Text:   resultText(b.Content),
				Failed: b.IsError,
			})
		}
	}
	flush()
	return events, nil
}

func textEvent(role, text string) []attribution.TranscriptEvent {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []attribution.TranscriptEvent{{Role: role, Text: text}}
}

// resultText accepts both string and block-list tool result content.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
