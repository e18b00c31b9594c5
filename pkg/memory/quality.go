package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goclaw/cortex/config"
)

// QualityGate rejects interactions not worth remembering before any
// embedding work is spent on them.
type QualityGate struct {
	minLength     int
	maxLength     int
	noiseMarkers  []string
	noisePrefixes []string
}

// NewQualityGate builds a gate from configuration.
func NewQualityGate(cfg config.QualityConfig) *QualityGate {
	return &QualityGate{
		minLength:     cfg.MinLength,
		maxLength:     cfg.MaxLength,
		noiseMarkers:  append([]string(nil), cfg.NoiseMarkers...),
		noisePrefixes: append([]string(nil), cfg.NoisePrefixes...),
	}
}

// Check returns "" when the interaction passes, otherwise the reason it
// was rejected. Lengths are counted in characters.
func (g *QualityGate) Check(userText, assistantText string) string {
	userLen := utf8.RuneCountInString(userText)
	assistantLen := utf8.RuneCountInString(assistantText)

	if userLen < g.minLength || assistantLen < g.minLength {
		return fmt.Sprintf("shorter than %d characters", g.minLength)
	}
	if g.maxLength > 0 && (userLen > g.maxLength || assistantLen > g.maxLength) {
		return fmt.Sprintf("longer than %d characters", g.maxLength)
	}
	for _, marker := range g.noiseMarkers {
		if strings.Contains(assistantText, marker) {
			return fmt.Sprintf("response contains %q", marker)
		}
	}
	for _, prefix := range g.noisePrefixes {
		if strings.HasPrefix(assistantText, prefix) {
			return fmt.Sprintf("response starts with %q", prefix)
		}
	}
	return ""
}
