// Package lora parses and removes inline <lora:name[:strength]> tags in
// prompt text.
package lora

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultStrength is applied when a tag omits its strength or the strength
// text is not a number.
const DefaultStrength = 1.0

// tagPattern matches <lora:NAME> and <lora:NAME:STRENGTH>.
var tagPattern = regexp.MustCompile(`(?i)<lora:([^>:]+)(?::([^>]+))?>`)

// Tag is a single parsed LoRA annotation.
type Tag struct {
	Name         string  `json:"name"`
	Strength     float64 `json:"strength"`
	OriginalText string  `json:"original_text"`
}

// Parse returns every tag in text, in order of occurrence. Malformed or
// unbalanced brackets are skipped rather than reported.
func Parse(text string) []Tag {
	matches := tagPattern.FindAllStringSubmatchIndex(text, -1)
	tags := make([]Tag, 0, len(matches))
	for _, m := range matches {
		strength := DefaultStrength
		if m[4] >= 0 {
			strength = parseStrength(text[m[4]:m[5]])
		}
		tags = append(tags, Tag{
			Name:         strings.TrimSpace(text[m[2]:m[3]]),
			Strength:     strength,
			OriginalText: text[m[0]:m[1]],
		})
	}
	return tags
}

// Strip deletes every tag from text. Surrounding separators and whitespace
// are left exactly as they were.
func Strip(text string) string {
	return tagPattern.ReplaceAllLiteralString(text, "")
}

func parseStrength(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		// Overflow still yields ±Inf, which is a usable strength.
		if errors.Is(err, strconv.ErrRange) {
			return f
		}
		return DefaultStrength
	}
	return f
}

// MarshalJSON writes the tag with its strength encoded by JSONStrength.
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name         string `json:"name"`
		Strength     any    `json:"strength"`
		OriginalText string `json:"original_text"`
	}{t.Name, JSONStrength(t.Strength), t.OriginalText})
}

// JSONStrength returns f unchanged when it is finite and otherwise one of
// the strings "+Inf", "-Inf" or "NaN", which JSON numbers cannot carry.
func JSONStrength(f float64) any {
	switch {
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	case math.IsNaN(f):
		return "NaN"
	}
	return f
}
