package prompt

import (
	"strings"
	"testing"
)

func TestSentinelInSection(t *testing.T) {
	if !strings.Contains(AgentsMDSection, Sentinel) {
		t.Error("AgentsMDSection does not contain Sentinel")
	}
}

func TestAgentsMDSectionContainsCommands(t *testing.T) {
	commands := []string{
		"pifan render",
		"pifan args",
		"pifan run",
		"pifan fan",
		"pifan status",
		"pifan logs",
		"pifan filter",
		"pifan models",
		"pifan rpc",
	}
	for _, cmd := range commands {
		if !strings.Contains(AgentsMDSection, cmd) {
			t.Errorf("AgentsMDSection does not contain command %q", cmd)
		}
	}
}

func TestAgentsMDSectionContainsGuidance(t *testing.T) {
	sections := []string{
		"### When to Fan Out",
		"### When NOT to Fan Out",
		"### The Task Template",
		"### Tool Scoping",
		"### Context Compression",
		"### Fan-out and Merge",
		"### Commands",
	}
	for _, section := range sections {
		if !strings.Contains(AgentsMDSection, section) {
			t.Errorf("AgentsMDSection does not contain guidance section %q", section)
		}
	}
}

func TestTemplateLabelsInOrder(t *testing.T) {
	labels := []string{"## Objective", "## Output Format", "## Context", "## Boundaries"}
	last := -1
	for _, l := range labels {
		idx := strings.Index(AgentsMDSection, l)
		if idx <= last {
			t.Fatalf("label %q out of order or missing", l)
		}
		last = idx
	}
}

func TestSentinelIsMarkdownHeader(t *testing.T) {
	if !strings.HasPrefix(Sentinel, "## ") {
		t.Errorf("Sentinel %q does not start with '## '", Sentinel)
	}
}
