// Package events reads the newline-delimited JSON stream a pi agent emits in
// json mode and pulls out what callers actually want: the final assistant
// text and the tool results.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Record types referenced by pifan. The stream carries others; they are
// decoded but otherwise ignored.
const (
	TypeMessageEnd       = "message_end"        // terminal message; assistant ones carry the answer
	TypeToolExecutionEnd = "tool_execution_end" // tool output
	TypeAgentEnd         = "agent_end"          // run finished
	TypeResponse         = "response"           // rpc acknowledgement
)

// RoleAssistant is the message role of agent replies.
const RoleAssistant = "assistant"

// maxLineSize bounds one event line. Tool results can embed whole files.
const maxLineSize = 16 * 1024 * 1024

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Usage is token accounting attached to assistant messages.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead,omitempty"`
	CacheWrite int `json:"cacheWrite,omitempty"`
}

// Message is the payload of message records.
type Message struct {
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	StopReason   string         `json:"stopReason,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Record is one decoded line. Raw keeps the original bytes so callers can
// look at fields pifan does not model.
type Record struct {
	Type       string          `json:"type"`
	Message    *Message        `json:"message,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Command    string          `json:"command,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// IsFinalAssistant reports whether r is a terminal assistant message.
func (r Record) IsFinalAssistant() bool {
	return r.Type == TypeMessageEnd && r.Message != nil && r.Message.Role == RoleAssistant
}

// Texts returns the text blocks of the record's message, in order.
func (r Record) Texts() []string {
	if r.Message == nil {
		return nil
	}
	var out []string
	for _, block := range r.Message.Content {
		if block.Type == "text" {
			out = append(out, block.Text)
		}
	}
	return out
}

// ToolResult is the interesting part of a tool_execution_end record.
type ToolResult struct {
	CallID  string
	Tool    string
	Output  string
	IsError bool
}

// ToolResult extracts the tool output of a tool_execution_end record.
func (r Record) ToolResult() (ToolResult, bool) {
	if r.Type != TypeToolExecutionEnd {
		return ToolResult{}, false
	}
	return ToolResult{
		CallID:  r.ToolCallID,
		Tool:    r.ToolName,
		Output:  resultText(r.Result),
		IsError: r.IsError,
	}, true
}

// LineError reports a line that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// Decode parses a single event line.
func Decode(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	if rec.Type == "" {
		return Record{}, fmt.Errorf("record has no type")
	}
	rec.Raw = append(json.RawMessage(nil), line...)
	return rec, nil
}

// Scan lazily decodes r one line at a time. Blank lines are skipped. A line
// that fails to decode yields a *LineError and scanning continues; a read
// error is yielded once and ends the sequence. The sequence consumes r and
// cannot be restarted.
func Scan(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		n := 0
		for sc.Scan() {
			n++
			line := sc.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			rec, err := Decode(line)
			if err != nil {
				if !yield(Record{}, &LineError{Line: n, Err: err}) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Record{}, fmt.Errorf("read events: %w", err))
		}
	}
}

// Records drops decode errors from a Scan sequence.
func Records(seq iter.Seq2[Record, error]) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for rec, err := range seq {
			if err != nil {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// AssistantText yields the text blocks of every terminal assistant message
// in stream order. All other records and non-text blocks are skipped.
func AssistantText(records iter.Seq[Record]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for rec := range records {
			if !rec.IsFinalAssistant() {
				continue
			}
			for _, text := range rec.Texts() {
				if !yield(text) {
					return
				}
			}
		}
	}
}

// ToolResults yields the output of every finished tool call.
func ToolResults(records iter.Seq[Record]) iter.Seq[ToolResult] {
	return func(yield func(ToolResult) bool) {
		for rec := range records {
			res, ok := rec.ToolResult()
			if !ok {
				continue
			}
			if !yield(res) {
				return
			}
		}
	}
}

// FinalText reads a whole stream and returns the text of the last terminal
// assistant message, blocks joined by newlines. Earlier assistant turns
// (those that ended in tool calls) are discarded.
func FinalText(r io.Reader) (string, error) {
	var last *Record
	for rec, err := range Scan(r) {
		if err != nil {
			if _, ok := err.(*LineError); ok {
				continue
			}
			return "", err
		}
		if rec.IsFinalAssistant() {
			last = &rec
		}
	}
	if last == nil {
		return "", nil
	}
	return strings.Join(last.Texts(), "\n"), nil
}

// resultText flattens a tool result payload. pi reports results either as a
// bare string or as an object with a content array of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content []ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Content) > 0 {
		var parts []string
		for _, block := range obj.Content {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
