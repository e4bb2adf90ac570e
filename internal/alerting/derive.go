package alerting

import (
	"strings"
	"time"

	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/telemetry/normalization"
)

// Alert sources.
const (
	SourcePalo        = normalization.PaloKey
	SourceCrowdStrike = normalization.CrowdStrikeKey
	SourceSuricata    = normalization.SuricataKey
	SourceUnknown     = "unknown"
)

// Placeholders for absent event fields.
const (
	UnknownName     = "Unknown Alert"
	UnknownSeverity = "Unknown"
	NoneValue       = "none"
)

// Name is the first non-empty of event name, first alert category,
// objective, classification.
func Name(ev repository.Event) string {
	if s := nonEmpty(ev.CrowdStrikeEventName); s != "" {
		return s
	}
	if len(ev.AlertCategories) > 0 && strings.TrimSpace(ev.AlertCategories[0]) != "" {
		return ev.AlertCategories[0]
	}
	if s := nonEmpty(ev.CrowdStrikeObjective); s != "" {
		return s
	}
	if s := nonEmpty(ev.SuricataClassification); s != "" {
		return s
	}
	return UnknownName
}

// Source attributes an event to a vendor. Only alert categories and the
// CrowdStrike objective count unless attributeSuricata is set.
func Source(ev repository.Event, attributeSuricata bool) string {
	switch {
	case len(ev.AlertCategories) > 0:
		return SourcePalo
	case nonEmpty(ev.CrowdStrikeObjective) != "":
		return SourceCrowdStrike
	case attributeSuricata && nonEmpty(ev.SuricataClassification) != "":
		return SourceSuricata
	default:
		return SourceUnknown
	}
}

// Severity is the primary severity, then the CrowdStrike one
func Severity(ev repository.Event) string {
	if s := nonEmpty(ev.Severity); s != "" {
		return s
	}
	if s := nonEmpty(ev.CrowdStrikeSeverity); s != "" {
		return s
	}
	return UnknownSeverity
}

// FromEvent derives the alert snapshot of ev. The alert is stamped with its
// creation time, so retention ages alerts from when they were raised.
func FromEvent(ev repository.Event, attributeSuricata bool, now time.Time) repository.Alert {
	ts := now.UTC()

	status := ev.Status
	if status == "" {
		status = normalization.StatusPending
	}

	return repository.Alert{
		EventID:       ev.ExternalEventID,
		Name:          Name(ev),
		Severity:      Severity(ev),
		Source:        Source(ev, attributeSuricata),
		IncidentID:    orNone(ev.IncidentID),
		Description:   orNone(ev.Description),
		Status:        status,
		SourceIP:      ev.SourceIP,
		DestinationIP: ev.DestinationIP,
		Timestamp:     &ts,
	}
}

func nonEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func orNone(s *string) string {
	if v := nonEmpty(s); v != "" {
		return v
	}
	return NoneValue
}
