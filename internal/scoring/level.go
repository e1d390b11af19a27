// Package scoring turns a raw rule score and its evidence into a confidence value and
// an ordinal threat level.
package scoring

import (
	"fmt"
	"strings"
)

// Level is an ordinal threat level. Higher values are more severe.
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"SAFE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < LevelSafe || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Safe reports whether a consumer may treat the level as safe to browse.
func (l Level) Safe() bool {
	return l <= LevelLow
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelSafe, fmt.Errorf("unknown threat level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if l < LevelSafe || l > LevelCritical {
		return nil, fmt.Errorf("invalid threat level %d", int(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
