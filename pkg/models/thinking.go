package models

import (
	"fmt"
	"strings"
)

// ThinkingLevel controls how much deliberation the model does before
// answering. Levels are ordered; the zero value means "not set".
type ThinkingLevel int

const (
	ThinkingUnset ThinkingLevel = iota
	ThinkingOff
	ThinkingMinimal
	ThinkingLow
	ThinkingMedium
	ThinkingHigh
	ThinkingXHigh
)

var thinkingNames = []string{"", "off", "minimal", "low", "medium", "high", "xhigh"}

// ThinkingLevels lists every settable level, lowest first.
func ThinkingLevels() []ThinkingLevel {
	return []ThinkingLevel{ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh}
}

func (l ThinkingLevel) String() string {
	if l < 0 || int(l) >= len(thinkingNames) {
		return fmt.Sprintf("ThinkingLevel(%d)", int(l))
	}
	return thinkingNames[l]
}

// ParseThinkingLevel parses a level name, case-insensitively. The empty
// string parses to ThinkingUnset.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range thinkingNames {
		if name == s {
			return ThinkingLevel(i), nil
		}
	}
	return ThinkingUnset, fmt.Errorf("invalid thinking level %q (want one of %s)", s, strings.Join(thinkingNames[1:], ", "))
}

// UnmarshalText lets levels be read straight from YAML and flags.
func (l *ThinkingLevel) UnmarshalText(text []byte) error {
	v, err := ParseThinkingLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (l ThinkingLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
