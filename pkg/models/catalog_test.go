package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	c := NewCatalog(Model{Provider: "local", ID: "gpt-5"})

	tests := []struct {
		name         string
		selector     string
		wantModel    Model
		wantThinking ThinkingLevel
		wantFuzzy    bool
	}{
		{"exact id", "gpt-5-mini", Model{"openai", "gpt-5-mini"}, ThinkingUnset, false},
		{"exact id case-insensitive", "GPT-5-Codex", Model{"openai", "gpt-5-codex"}, ThinkingUnset, false},
		{"exact id shared across providers takes first", "gpt-5", Model{"openai", "gpt-5"}, ThinkingUnset, false},
		{"provider/id", "local/gpt-5", Model{"local", "gpt-5"}, ThinkingUnset, false},
		{"thinking shorthand", "claude-opus-4-1:high", Model{"anthropic", "claude-opus-4-1"}, ThinkingHigh, false},
		{"provider/id with thinking", "openai/gpt-5:xhigh", Model{"openai", "gpt-5"}, ThinkingXHigh, false},
		{"fuzzy unique", "sonnet", Model{"anthropic", "claude-sonnet-4-5"}, ThinkingUnset, true},
		{"fuzzy with thinking", "Haiku:minimal", Model{"anthropic", "claude-haiku-4-5"}, ThinkingMinimal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Resolve(tt.selector)
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, got.Model)
			assert.Equal(t, tt.wantThinking, got.Thinking)
			assert.Equal(t, tt.wantFuzzy, got.Fuzzy)
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	c := NewCatalog()
	for _, sel := range []string{"", "llama", "nobody/gpt-5-mini-x"} {
		_, err := c.Resolve(sel)
		assert.ErrorIs(t, err, ErrNoMatch, "selector %q", sel)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	c := NewCatalog()
	_, err := c.Resolve("gemini")

	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Len(t, amb.Candidates, 2)
	assert.Contains(t, err.Error(), "google/gemini-2.5-pro")
}

func TestColonSuffixNotALevel(t *testing.T) {
	c := NewCatalog(Model{Provider: "ollama", ID: "qwen2.5-coder:14b"})
	got, err := c.Resolve("qwen2.5-coder:14b")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder:14b", got.Model.ID)
	assert.Equal(t, ThinkingUnset, got.Thinking)
}

func TestNewCatalogDedup(t *testing.T) {
	c := NewCatalog(Model{Provider: "OpenAI", ID: "GPT-5"}, Model{ID: ""})
	assert.Len(t, c.All(), len(Builtin))
}

func TestParseThinkingLevel(t *testing.T) {
	for _, lvl := range ThinkingLevels() {
		got, err := ParseThinkingLevel(lvl.String())
		require.NoError(t, err)
		assert.Equal(t, lvl, got)
	}

	got, err := ParseThinkingLevel(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, ThinkingHigh, got)

	got, err = ParseThinkingLevel("")
	require.NoError(t, err)
	assert.Equal(t, ThinkingUnset, got)

	_, err = ParseThinkingLevel("max")
	assert.Error(t, err)

	assert.True(t, ThinkingOff < ThinkingMinimal && ThinkingHigh < ThinkingXHigh)
}
