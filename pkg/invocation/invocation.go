// Package invocation maps an agent configuration and a task prompt to the
// command line of a headless pi run.
package invocation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thechewu/pifan/pkg/models"
)

// DefaultAgent is the agent binary used when none is configured.
const DefaultAgent = "pi"

// Mode selects how the agent reports its output.
type Mode string

const (
	ModeText Mode = "text" // plain final answer on stdout
	ModeJSON Mode = "json" // one event record per line
	ModeRPC  Mode = "rpc"  // long-running, commands on stdin, events on stdout
)

// ParseMode validates a mode name. The empty string is ModeText.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeText, nil
	case ModeText, ModeJSON, ModeRPC:
		return m, nil
	default:
		return "", fmt.Errorf("invalid output mode %q (want text, json or rpc)", s)
	}
}

var (
	// ErrEmptyPrompt is returned when a print-mode invocation has no prompt.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrPromptTooLarge is returned when the prompt cannot fit in a single
	// argv element.
	ErrPromptTooLarge = errors.New("prompt too large")
)

// MaxPromptBytes is the largest prompt passed on the command line. Linux
// caps one argument at 32 pages (128 KiB) including the trailing NUL.
const MaxPromptBytes = 128*1024 - 1

// Config is the set of knobs for one invocation. Every field is optional.
// Pointer booleans distinguish "unset" from "false" so configs can be
// layered with Merge.
type Config struct {
	Model              string               `yaml:"model,omitempty" json:"model,omitempty"`
	Provider           string               `yaml:"provider,omitempty" json:"provider,omitempty"`
	Thinking           models.ThinkingLevel `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	Tools              []string             `yaml:"tools,omitempty" json:"tools,omitempty"`
	NoTools            *bool                `yaml:"no_tools,omitempty" json:"no_tools,omitempty"`
	Ephemeral          *bool                `yaml:"ephemeral,omitempty" json:"ephemeral,omitempty"`
	SystemPrompt       string               `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	AppendSystemPrompt string               `yaml:"append_system_prompt,omitempty" json:"append_system_prompt,omitempty"`
	Mode               Mode                 `yaml:"mode,omitempty" json:"mode,omitempty"`
	NoSkills           *bool                `yaml:"no_skills,omitempty" json:"no_skills,omitempty"`
	NoExtensions       *bool                `yaml:"no_extensions,omitempty" json:"no_extensions,omitempty"`
	ExtraArgs          []string             `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// Bool returns a pointer to b, for filling the optional flags in Config.
func Bool(b bool) *bool { return &b }

func isSet(b *bool) bool { return b != nil && *b }

// Merge layers override on top of c: every field set in override replaces
// the corresponding field in c. Slices are replaced, not appended.
func (c Config) Merge(override Config) Config {
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	if override.Thinking != models.ThinkingUnset {
		out.Thinking = override.Thinking
	}
	if override.Tools != nil {
		out.Tools = append([]string(nil), override.Tools...)
	}
	if override.NoTools != nil {
		out.NoTools = override.NoTools
	}
	if override.Ephemeral != nil {
		out.Ephemeral = override.Ephemeral
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	if override.AppendSystemPrompt != "" {
		out.AppendSystemPrompt = override.AppendSystemPrompt
	}
	if override.Mode != "" {
		out.Mode = override.Mode
	}
	if override.NoSkills != nil {
		out.NoSkills = override.NoSkills
	}
	if override.NoExtensions != nil {
		out.NoExtensions = override.NoExtensions
	}
	if override.ExtraArgs != nil {
		out.ExtraArgs = append([]string(nil), override.ExtraArgs...)
	}
	return out
}

// EffectiveTools returns the allowlist that will actually be passed to the
// agent. NoTools always wins: the result is empty (non-nil) when it is set.
// A nil result means "agent default".
func (c Config) EffectiveTools() []string {
	if isSet(c.NoTools) {
		return []string{}
	}
	var out []string
	seen := make(map[string]bool)
	for _, t := range c.Tools {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Lint reports combinations that are legal but usually a mistake.
func (c Config) Lint() []string {
	var warnings []string
	if isSet(c.NoTools) && len(c.Tools) > 0 {
		warnings = append(warnings, fmt.Sprintf("no_tools overrides tool allowlist %v", c.Tools))
	}
	if c.SystemPrompt != "" && !isSet(c.NoSkills) {
		warnings = append(warnings, "system prompt replaced but skills still load; consider no_skills")
	}
	if c.Mode == ModeRPC && !isSet(c.Ephemeral) {
		warnings = append(warnings, "rpc mode without ephemeral session keeps state after exit")
	}
	return warnings
}

// Invocation is a fully built command line.
type Invocation struct {
	Bin    string
	Args   []string
	Prompt string
	Mode   Mode
	Model  string // resolved provider/id, empty when left to the agent
}

// String renders the command line with shell quoting, for display.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, shellQuote(inv.Bin))
	for _, a := range inv.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Builder turns configs into invocations.
type Builder struct {
	AgentCmd string          // defaults to DefaultAgent
	Catalog  *models.Catalog // nil disables model resolution
	// AllowUnknown passes selectors the catalog cannot resolve through to
	// the agent verbatim instead of failing.
	AllowUnknown bool
}

// Build produces the command line for cfg and prompt. Flag order is fixed
// so the same input always yields the same argv.
func (b *Builder) Build(cfg Config, prompt string) (Invocation, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return Invocation{}, err
	}
	if mode != ModeRPC {
		if strings.TrimSpace(prompt) == "" {
			return Invocation{}, ErrEmptyPrompt
		}
		if len(prompt) > MaxPromptBytes {
			return Invocation{}, fmt.Errorf("%w: %d bytes, limit %d (attach fewer context files or lower context_budget)", ErrPromptTooLarge, len(prompt), MaxPromptBytes)
		}
	}

	bin := b.AgentCmd
	if bin == "" {
		bin = DefaultAgent
	}

	provider, model, thinking, err := b.resolveModel(cfg)
	if err != nil {
		return Invocation{}, err
	}

	var args []string
	if mode != ModeRPC {
		args = append(args, "-p")
	}
	if provider != "" {
		args = append(args, "--provider", provider)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if thinking != models.ThinkingUnset {
		args = append(args, "--thinking", thinking.String())
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	if cfg.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.AppendSystemPrompt)
	}
	if tools := cfg.EffectiveTools(); tools != nil {
		if len(tools) == 0 {
			args = append(args, "--no-tools")
		} else {
			args = append(args, "--tools", strings.Join(tools, ","))
		}
	}
	if isSet(cfg.NoSkills) {
		args = append(args, "--no-skills")
	}
	if isSet(cfg.NoExtensions) {
		args = append(args, "--no-extensions")
	}
	if isSet(cfg.Ephemeral) {
		args = append(args, "--no-session")
	}
	if mode != ModeText {
		args = append(args, "--mode", string(mode))
	}
	args = append(args, cfg.ExtraArgs...)
	if mode != ModeRPC {
		args = append(args, prompt)
	}

	resolved := model
	if provider != "" && model != "" {
		resolved = provider + "/" + model
	}
	return Invocation{Bin: bin, Args: args, Prompt: prompt, Mode: mode, Model: resolved}, nil
}

// resolveModel applies the catalog to cfg.Model. An explicit Thinking level
// beats one carried by an id:level shorthand; an explicit Provider beats the
// catalog's.
func (b *Builder) resolveModel(cfg Config) (provider, model string, thinking models.ThinkingLevel, err error) {
	provider, model, thinking = cfg.Provider, cfg.Model, cfg.Thinking
	if model == "" || b.Catalog == nil {
		return provider, model, thinking, nil
	}

	match, err := b.Catalog.Resolve(model)
	if err != nil {
		if b.AllowUnknown && errors.Is(err, models.ErrNoMatch) {
			return provider, model, thinking, nil
		}
		return "", "", models.ThinkingUnset, fmt.Errorf("resolve model: %w", err)
	}
	if provider == "" {
		provider = match.Model.Provider
	}
	model = match.Model.ID
	if thinking == models.ThinkingUnset {
		thinking = match.Thinking
	}
	return provider, model, thinking, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
