package invocation

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thechewu/pifan/pkg/models"
)

func TestBuildArgs(t *testing.T) {
	b := &Builder{Catalog: models.NewCatalog()}

	tests := []struct {
		name     string
		cfg      Config
		prompt   string
		wantArgs []string
	}{
		{
			name:     "bare",
			prompt:   "do task",
			wantArgs: []string{"-p", "do task"},
		},
		{
			name:     "fuzzy model with shorthand thinking",
			cfg:      Config{Model: "sonnet:low"},
			prompt:   "do task",
			wantArgs: []string{"-p", "--provider", "anthropic", "--model", "claude-sonnet-4-5", "--thinking", "low", "do task"},
		},
		{
			name:     "explicit thinking beats shorthand",
			cfg:      Config{Model: "gpt-5:high", Thinking: models.ThinkingOff},
			prompt:   "p",
			wantArgs: []string{"-p", "--provider", "openai", "--model", "gpt-5", "--thinking", "off", "p"},
		},
		{
			name:     "explicit provider kept",
			cfg:      Config{Model: "gpt-5", Provider: "azure"},
			prompt:   "p",
			wantArgs: []string{"-p", "--provider", "azure", "--model", "gpt-5", "p"},
		},
		{
			name: "scoped read-only reviewer",
			cfg: Config{
				Tools:     []string{"read", "grep", "read", " "},
				Ephemeral: Bool(true),
				Mode:      ModeJSON,
			},
			prompt:   "review",
			wantArgs: []string{"-p", "--tools", "read,grep", "--no-session", "--mode", "json", "review"},
		},
		{
			name:     "no tools wins over allowlist",
			cfg:      Config{Tools: []string{"bash", "write"}, NoTools: Bool(true)},
			prompt:   "think",
			wantArgs: []string{"-p", "--no-tools", "think"},
		},
		{
			name: "system prompts and suppression",
			cfg: Config{
				SystemPrompt:       "prompts/reviewer.md",
				AppendSystemPrompt: "Be terse.",
				NoSkills:           Bool(true),
				NoExtensions:       Bool(true),
				ExtraArgs:          []string{"--verbose"},
			},
			prompt: "p",
			wantArgs: []string{
				"-p", "--system-prompt", "prompts/reviewer.md",
				"--append-system-prompt", "Be terse.",
				"--no-skills", "--no-extensions", "--verbose", "p",
			},
		},
		{
			name:     "rpc mode has no prompt",
			cfg:      Config{Mode: ModeRPC, Ephemeral: Bool(true)},
			wantArgs: []string{"--no-session", "--mode", "rpc"},
		},
		{
			name:     "false flags emit nothing",
			cfg:      Config{NoTools: Bool(false), Ephemeral: Bool(false), NoSkills: Bool(false)},
			prompt:   "p",
			wantArgs: []string{"-p", "p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := b.Build(tt.cfg, tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, "pi", inv.Bin)
			if !slices.Equal(inv.Args, tt.wantArgs) {
				t.Errorf("args = %q, want %q", inv.Args, tt.wantArgs)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	b := &Builder{AgentCmd: "/opt/pi/bin/pi", Catalog: models.NewCatalog()}

	_, err := b.Build(Config{}, "  ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = b.Build(Config{Mode: "yaml"}, "p")
	assert.Error(t, err)

	_, err = b.Build(Config{Model: "llama-9000"}, "p")
	assert.ErrorIs(t, err, models.ErrNoMatch)

	_, err = b.Build(Config{Model: "claude"}, "p")
	var amb *models.AmbiguousError
	assert.ErrorAs(t, err, &amb)
}

func TestBuildPromptSizeLimit(t *testing.T) {
	b := &Builder{}

	inv, err := b.Build(Config{}, strings.Repeat("x", MaxPromptBytes))
	require.NoError(t, err)
	assert.Len(t, inv.Prompt, MaxPromptBytes)

	_, err = b.Build(Config{}, strings.Repeat("x", MaxPromptBytes+1))
	assert.ErrorIs(t, err, ErrPromptTooLarge)

	// rpc prompts travel over stdin, not argv
	_, err = b.Build(Config{Mode: ModeRPC}, strings.Repeat("x", MaxPromptBytes+1))
	assert.NoError(t, err)
}

func TestBuildAllowUnknown(t *testing.T) {
	b := &Builder{Catalog: models.NewCatalog(), AllowUnknown: true}
	inv, err := b.Build(Config{Model: "llama-9000"}, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "--model", "llama-9000", "p"}, inv.Args)

	// ambiguity is still an error
	_, err = b.Build(Config{Model: "claude"}, "p")
	assert.Error(t, err)
}

func TestBuildWithoutCatalog(t *testing.T) {
	b := &Builder{}
	inv, err := b.Build(Config{Model: "anything:high"}, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"-p", "--model", "anything:high", "p"}, inv.Args)
	assert.Equal(t, "anything:high", inv.Model)
}

func TestEffectiveTools(t *testing.T) {
	assert.Nil(t, Config{}.EffectiveTools())
	assert.Equal(t, []string{"read"}, Config{Tools: []string{"read"}}.EffectiveTools())

	for _, tools := range [][]string{nil, {}, {"read", "bash", "edit", "write"}} {
		got := Config{Tools: tools, NoTools: Bool(true)}.EffectiveTools()
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestMerge(t *testing.T) {
	base := Config{
		Model:     "sonnet",
		Thinking:  models.ThinkingLow,
		Tools:     []string{"read"},
		Ephemeral: Bool(true),
	}
	got := base.Merge(Config{
		Model:     "gpt-5",
		Ephemeral: Bool(false),
		Mode:      ModeJSON,
	})

	assert.Equal(t, "gpt-5", got.Model)
	assert.Equal(t, models.ThinkingLow, got.Thinking)
	assert.Equal(t, []string{"read"}, got.Tools)
	require.NotNil(t, got.Ephemeral)
	assert.False(t, *got.Ephemeral)
	assert.Equal(t, ModeJSON, got.Mode)

	// last write wins for contradictory layers
	layered := Config{}.Merge(Config{Tools: []string{"bash"}}).Merge(Config{NoTools: Bool(true)})
	assert.Empty(t, layered.EffectiveTools())
}

func TestLint(t *testing.T) {
	assert.Empty(t, Config{}.Lint())
	warnings := Config{
		Tools:        []string{"read"},
		NoTools:      Bool(true),
		SystemPrompt: "x",
		Mode:         ModeRPC,
	}.Lint()
	assert.Len(t, warnings, 3)
}

func TestInvocationString(t *testing.T) {
	inv := Invocation{Bin: "pi", Args: []string{"-p", "--tools", "read,grep", "it's done"}}
	assert.Equal(t, `pi -p --tools read,grep 'it'\''s done'`, inv.String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeText, m)

	m, err = ParseMode("JSON")
	require.NoError(t, err)
	assert.Equal(t, ModeJSON, m)

	_, err = ParseMode("stream")
	assert.Error(t, err)
}
