// Package severity blends per-vendor severity ratings into one 1-4 danger
// level and aggregates those levels for threat-level displays.
//
// Only the Palo-XSIAM and CrowdStrike ratings participate in the blend.
// Suricata documents carry a classification but no severity and are never
// scored.
package severity

import (
	"math"
	"strings"
)

// Danger levels.
const (
	LevelNone     = 0
	LevelLow      = 1
	LevelMedium   = 2
	LevelHigh     = 3
	LevelCritical = 4
)

// Danger labels.
const (
	LabelLow      = "low"
	LabelMedium   = "medium"
	LabelHigh     = "high"
	LabelCritical = "critical"
)

var labels = map[int]string{
	LevelLow:      LabelLow,
	LevelMedium:   LabelMedium,
	LevelHigh:     LabelHigh,
	LevelCritical: LabelCritical,
}

// paloLevels maps the Palo-XSIAM severity vocabulary
var paloLevels = map[string]int{
	"critical":      LevelCritical,
	"high":          LevelHigh,
	"medium":        LevelMedium,
	"low":           LevelLow,
	"informational": LevelLow,
	"unknown":       LevelNone,
}

// crowdStrikeLevels maps CrowdStrike SeverityName values
var crowdStrikeLevels = map[string]int{
	"critical":      LevelCritical,
	"high":          LevelHigh,
	"medium":        LevelMedium,
	"low":           LevelLow,
	"informational": LevelLow,
	"unknown":       LevelNone,
}

// Result is a blended level and its label. Both are nil when neither
// source carried usable severity data.
type Result struct {
	Level *int    `json:"level"`
	Label *string `json:"label"`
}

// Blend combines a primary (Palo-XSIAM) and secondary (CrowdStrike)
// severity string into one danger level.
func Blend(primary, secondary *string) Result {
	level, ok := BlendLevels(PrimaryLevel(primary), SecondaryLevel(secondary))
	if !ok {
		return Result{}
	}
	label := labels[level]
	return Result{Level: &level, Label: &label}
}

// BlendLevels combines two 0-4 vendor levels. Zero means no data.
// When both are present the mean is rounded up, so ambiguity reads as
// more dangerous.
func BlendLevels(primary, secondary int) (int, bool) {
	switch {
	case primary == LevelNone && secondary == LevelNone:
		return 0, false
	case secondary == LevelNone:
		return Clamp(primary), true
	case primary == LevelNone:
		return Clamp(secondary), true
	}
	mean := float64(primary+secondary) / 2
	return Clamp(int(math.Ceil(mean))), true
}

// PrimaryLevel maps a Palo-XSIAM severity to 0-4
func PrimaryLevel(s *string) int {
	return lookup(paloLevels, s)
}

// SecondaryLevel maps a CrowdStrike severity to 0-4
func SecondaryLevel(s *string) int {
	return lookup(crowdStrikeLevels, s)
}

func lookup(table map[string]int, s *string) int {
	if s == nil {
		return LevelNone
	}
	return table[strings.ToLower(strings.TrimSpace(*s))]
}

// Clamp bounds a level to 1..4
func Clamp(level int) int {
	if level < LevelLow {
		return LevelLow
	}
	if level > LevelCritical {
		return LevelCritical
	}
	return level
}

// Label returns the danger label for a level, or "" outside 1..4
func Label(level int) string {
	return labels[level]
}

// LevelForLabel is the inverse of Label
func LevelForLabel(label string) (int, bool) {
	for level, l := range labels {
		if strings.EqualFold(l, strings.TrimSpace(label)) {
			return level, true
		}
	}
	return 0, false
}
