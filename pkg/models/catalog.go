// Package models holds the catalog of models the pi CLI is expected to know
// and resolves the selector strings users type (exact ids, provider/id,
// id:thinking shorthand, or a fuzzy fragment) against it.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Model is one catalog entry.
type Model struct {
	Provider string `yaml:"provider" json:"provider"`
	ID       string `yaml:"id" json:"id"`
}

// String renders the model as provider/id.
func (m Model) String() string {
	if m.Provider == "" {
		return m.ID
	}
	return m.Provider + "/" + m.ID
}

// Builtin is the catalog shipped with pifan. Config files can add to it.
var Builtin = []Model{
	{Provider: "anthropic", ID: "claude-sonnet-4-5"},
	{Provider: "anthropic", ID: "claude-opus-4-1"},
	{Provider: "anthropic", ID: "claude-haiku-4-5"},
	{Provider: "openai", ID: "gpt-5"},
	{Provider: "openai", ID: "gpt-5-mini"},
	{Provider: "openai", ID: "gpt-5-codex"},
	{Provider: "google", ID: "gemini-2.5-pro"},
	{Provider: "google", ID: "gemini-2.5-flash"},
	{Provider: "openrouter", ID: "qwen3-coder"},
	{Provider: "xai", ID: "grok-code-fast-1"},
}

// ErrNoMatch is returned when a selector matches nothing in the catalog.
var ErrNoMatch = errors.New("no model matches")

// AmbiguousError is returned when a fuzzy selector matches several ids.
type AmbiguousError struct {
	Selector   string
	Candidates []Model
}

func (e *AmbiguousError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, m := range e.Candidates {
		names[i] = m.String()
	}
	return fmt.Sprintf("model %q is ambiguous: matches %s", e.Selector, strings.Join(names, ", "))
}

// Match is the outcome of resolving a selector.
type Match struct {
	Model    Model
	Thinking ThinkingLevel // from an id:level suffix, ThinkingUnset otherwise
	Fuzzy    bool          // matched by substring rather than exactly
}

// Catalog is an ordered set of known models. Earlier entries win ties.
type Catalog struct {
	models []Model
}

// NewCatalog builds a catalog from the builtin list plus extra entries.
// Extras that duplicate a builtin provider/id are dropped.
func NewCatalog(extra ...Model) *Catalog {
	c := &Catalog{}
	seen := make(map[string]bool)
	for _, m := range append(append([]Model{}, Builtin...), extra...) {
		if m.ID == "" {
			continue
		}
		key := strings.ToLower(m.String())
		if seen[key] {
			continue
		}
		seen[key] = true
		c.models = append(c.models, m)
	}
	return c
}

// All returns the catalog sorted by provider then id.
func (c *Catalog) All() []Model {
	out := append([]Model(nil), c.models...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve maps a selector to a catalog model. Resolution order:
//  1. strip an ":level" suffix when it names a thinking level
//  2. provider/id, exact
//  3. id, exact (first catalog entry wins across providers)
//  4. substring of exactly one id
//
// All comparisons are case-insensitive.
func (c *Catalog) Resolve(selector string) (Match, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return Match{}, fmt.Errorf("empty model selector: %w", ErrNoMatch)
	}

	var match Match
	if i := strings.LastIndex(sel, ":"); i > 0 {
		if lvl, err := ParseThinkingLevel(sel[i+1:]); err == nil && lvl != ThinkingUnset {
			match.Thinking = lvl
			sel = sel[:i]
		}
	}
	lower := strings.ToLower(sel)

	if provider, id, ok := strings.Cut(lower, "/"); ok {
		for _, m := range c.models {
			if strings.ToLower(m.Provider) == provider && strings.ToLower(m.ID) == id {
				match.Model = m
				return match, nil
			}
		}
	}

	for _, m := range c.models {
		if strings.ToLower(m.ID) == lower {
			match.Model = m
			return match, nil
		}
	}

	var hits []Model
	for _, m := range c.models {
		if strings.Contains(strings.ToLower(m.ID), lower) {
			hits = append(hits, m)
		}
	}
	switch len(hits) {
	case 0:
		return Match{}, fmt.Errorf("model %q: %w", selector, ErrNoMatch)
	case 1:
		match.Model = hits[0]
		match.Fuzzy = true
		return match, nil
	default:
		return Match{}, &AmbiguousError{Selector: selector, Candidates: hits}
	}
}
