package severity

import (
	"math"
	"time"
)

// SkipReason explains why a record did not contribute to an aggregate
type SkipReason string

const (
	// SkipNoData marks a record where neither vendor carried a usable rating.
	SkipNoData SkipReason = "no_severity_data"
	// SkipOutOfRange marks a blended level outside 1..4.
	SkipOutOfRange SkipReason = "level_out_of_range"
)

// Record is the severity-relevant projection of a stored event
type Record struct {
	EventID             string     `json:"event_id"`
	Severity            *string    `json:"palo_severity"`
	CrowdStrikeSeverity *string    `json:"crowdstrike_severity"`
	Timestamp           *time.Time `json:"timestamp"`
}

// Outcome is the per-record scoring result: either a level or a reason the
// record was skipped.
type Outcome struct {
	EventID string
	Level   int
	Skip    SkipReason
}

// Scored reports whether the outcome carries a level
func (o Outcome) Scored() bool {
	return o.Skip == ""
}

// Score blends one record
func Score(r Record) Outcome {
	level, ok := BlendLevels(PrimaryLevel(r.Severity), SecondaryLevel(r.CrowdStrikeSeverity))
	if !ok {
		return Outcome{EventID: r.EventID, Skip: SkipNoData}
	}
	if level < LevelLow || level > LevelCritical {
		return Outcome{EventID: r.EventID, Skip: SkipOutOfRange}
	}
	return Outcome{EventID: r.EventID, Level: level}
}

// ScoreAll scores every record
func ScoreAll(records []Record) []Outcome {
	out := make([]Outcome, len(records))
	for i, r := range records {
		out[i] = Score(r)
	}
	return out
}

// Aggregate is an averaged danger level over a set of events
type Aggregate struct {
	Level              *int     `json:"average_severity_level"`
	Label              *string  `json:"danger_level"`
	RawAverage         *float64 `json:"raw_average"`
	TotalEvents        int      `json:"total_events"`
	EventsWithSeverity int      `json:"events_with_severity"`
}

// Summarize averages the per-event blended levels. Skipped outcomes count
// toward TotalEvents but are excluded from the average's denominator.
func Summarize(outcomes []Outcome) Aggregate {
	agg := Aggregate{TotalEvents: len(outcomes)}

	sum := 0
	for _, o := range outcomes {
		if !o.Scored() {
			continue
		}
		sum += o.Level
		agg.EventsWithSeverity++
	}
	if agg.EventsWithSeverity == 0 {
		return agg
	}

	raw := float64(sum) / float64(agg.EventsWithSeverity)
	level := Clamp(int(math.Round(raw)))
	label := Label(level)
	raw = math.Round(raw*100) / 100

	agg.Level = &level
	agg.Label = &label
	agg.RawAverage = &raw
	return agg
}
