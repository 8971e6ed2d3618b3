// Package template builds the four-section task prompt handed to a worker
// agent. Workers start with zero context, so every task spells out what to
// do, what to return, what they need to know, and what they must not touch.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Section labels, in render order.
const (
	LabelObjective    = "## Objective"
	LabelOutputFormat = "## Output Format"
	LabelContext      = "## Context"
	LabelBoundaries   = "## Boundaries"
)

// Labels lists the section labels in the order Render emits them.
var Labels = []string{LabelObjective, LabelOutputFormat, LabelContext, LabelBoundaries}

// DefaultContextBudget caps each attached context file, in bytes.
const DefaultContextBudget = 16 * 1024

// Task is a single self-contained unit of work for an agent.
type Task struct {
	Objective    string   `yaml:"objective" json:"objective"`
	OutputFormat string   `yaml:"output_format" json:"output_format"`
	Context      string   `yaml:"context" json:"context"`
	Boundaries   string   `yaml:"boundaries" json:"boundaries"`
	ContextFiles []string `yaml:"context_files,omitempty" json:"context_files,omitempty"`
}

// Render formats the task as four labeled sections in fixed order.
// Section bodies are trimmed; an empty body still gets its label.
func (t Task) Render() string {
	bodies := []string{t.Objective, t.OutputFormat, t.Context, t.Boundaries}

	var b strings.Builder
	for i, label := range Labels {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(label)
		b.WriteString("\n\n")
		if body := strings.TrimSpace(bodies[i]); body != "" {
			b.WriteString(neutralize(body))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Lint reports empty sections. An incomplete task still renders; the agent
// just behaves less predictably.
func (t Task) Lint() []string {
	var warnings []string
	check := func(name, body string) {
		if strings.TrimSpace(body) == "" {
			warnings = append(warnings, fmt.Sprintf("%s section is empty", name))
		}
	}
	check("objective", t.Objective)
	check("output format", t.OutputFormat)
	check("context", t.Context)
	check("boundaries", t.Boundaries)
	return warnings
}

// WithContextFiles returns a copy of the task with the contents of
// ContextFiles appended to Context as fenced blocks. Each file is cut at
// budget bytes (DefaultContextBudget when budget <= 0), backing off to the
// start of a rune so the cut never splits a UTF-8 sequence.
func (t Task) WithContextFiles(budget int) (Task, error) {
	if len(t.ContextFiles) == 0 {
		return t, nil
	}
	if budget <= 0 {
		budget = DefaultContextBudget
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Context))
	for _, path := range t.ContextFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return t, fmt.Errorf("read context file: %w", err)
		}
		body := string(data)
		truncated := false
		if len(body) > budget {
			cut := budget
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
			body = body[:cut]
			truncated = true
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "File: %s\n```%s\n%s", path, fenceLang(path), strings.TrimRight(body, "\n"))
		if truncated {
			fmt.Fprintf(&b, "\n... (truncated at %d bytes)", len(body))
		}
		b.WriteString("\n```")
	}

	out := t
	out.Context = b.String()
	out.ContextFiles = nil
	return out, nil
}

// neutralize escapes the heading marker of any section label quoted in a
// body. `\#\# Context` reads as literal text in markdown, so each label
// in the rendered prompt is one of ours.
func neutralize(body string) string {
	for _, label := range Labels {
		if strings.Contains(body, label) {
			body = strings.ReplaceAll(body, label, `\#\#`+strings.TrimPrefix(label, "##"))
		}
	}
	return body
}

func fenceLang(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}
