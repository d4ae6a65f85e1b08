package types

import (
	"fmt"
	"strings"
)

// PressureLevel describes how close the process is to its memory limit
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureLow
	PressureMedium
	PressureHigh
)

// String returns the string representation of the level
func (l PressureLevel) String() string {
	switch l {
	case PressureNone:
		return "none"
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePressureLevel parses "none", "low", "medium" or "high"
func ParsePressureLevel(s string) (PressureLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return PressureNone, nil
	case "low":
		return PressureLow, nil
	case "medium":
		return PressureMedium, nil
	case "high":
		return PressureHigh, nil
	default:
		return PressureNone, fmt.Errorf("invalid pressure level: %s", s)
	}
}

// ObjectInfo represents metadata about an origin object
type ObjectInfo struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}
