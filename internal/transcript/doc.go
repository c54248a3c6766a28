// Package transcript reads agent session transcripts from JSONL session
// files and converts them into attribution transcripts.
//
// Each user message, assistant message and tool call or result becomes one
// event; positions are their ordinals in file order. Tool results flagged
// with is_error become failure events.
package transcript
