// Package mitre provides the MITRE ATT&CK tactic catalog and tactic
// frequency summaries over stored events.
package mitre

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	Order     int    `json:"order"`      // kill-chain position, 1-based
	URL       string `json:"url"`
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tactics []string `json:"tactics"`
	URL     string   `json:"url"`
}

// Enterprise tactics in kill-chain order.
var tactics = []Tactic{
	{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
	{ID: "TA0042", Name: "Resource Development", ShortName: "resource-development"},
	{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
	{ID: "TA0002", Name: "Execution", ShortName: "execution"},
	{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
	{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
	{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
	{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
	{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
	{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
	{ID: "TA0009", Name: "Collection", ShortName: "collection"},
	{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
	{ID: "TA0040", Name: "Impact", ShortName: "impact"},
}

var techniques = []Technique{
	{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"TA0002"}},
	{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"TA0002"}},
	{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"TA0006"}},
	{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"TA0011"}},
	{ID: "T1110", Name: "Brute Force", Tactics: []string{"TA0006"}},
	{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"TA0004"}},
	{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"TA0005"}},
	{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"TA0001"}},
	{ID: "T1566", Name: "Phishing", Tactics: []string{"TA0001"}},
	{ID: "T1204", Name: "User Execution", Tactics: []string{"TA0002"}},
	{ID: "T1547", Name: "Boot or Logon Autostart Execution", Tactics: []string{"TA0003", "TA0004"}},
	{ID: "T1046", Name: "Network Service Discovery", Tactics: []string{"TA0007"}},
	{ID: "T1021", Name: "Remote Services", Tactics: []string{"TA0008"}},
	{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"TA0010"}},
	{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"TA0040"}},
	{ID: "T1595", Name: "Active Scanning", Tactics: []string{"TA0043"}},
}

var (
	tacticIndex    = make(map[string]*Tactic)
	techniqueIndex = make(map[string]*Technique)

	// "TA0001 - Initial Access", "T1059.001 - PowerShell"
	idPrefix = regexp.MustCompile(`^(?i)(TA\d{4}|T\d{4}(?:\.\d{3})?)\b`)
)

func init() {
	for i := range tactics {
		t := &tactics[i]
		t.Order = i + 1
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		tacticIndex[strings.ToLower(t.ID)] = t
		tacticIndex[strings.ToLower(t.Name)] = t
		tacticIndex[t.ShortName] = t
	}
	for i := range techniques {
		t := &techniques[i]
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		techniqueIndex[strings.ToLower(t.ID)] = t
	}
}

// Tactics returns the catalog in kill-chain order
func Tactics() []Tactic {
	out := make([]Tactic, len(tactics))
	copy(out, tactics)
	return out
}

// ResolveTactic maps an ID, a display name, a short name or an
// "ID - Name" pair to a catalog tactic.
func ResolveTactic(s string) (Tactic, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Tactic{}, false
	}
	if m := idPrefix.FindString(s); m != "" {
		if t, ok := tacticIndex[strings.ToLower(m)]; ok {
			return *t, true
		}
	}
	key := strings.ToLower(s)
	if t, ok := tacticIndex[key]; ok {
		return *t, true
	}
	// "Command & Control", "lateral_movement"
	key = strings.NewReplacer("&", "and", "_", "-", " ", "-").Replace(key)
	if t, ok := tacticIndex[key]; ok {
		return *t, true
	}
	return Tactic{}, false
}

// ResolveTechnique looks up a technique by ID or "ID - Name" pair
func ResolveTechnique(s string) (Technique, bool) {
	m := idPrefix.FindString(strings.TrimSpace(s))
	if m == "" {
		return Technique{}, false
	}
	t, ok := techniqueIndex[strings.ToLower(m)]
	if !ok {
		return Technique{}, false
	}
	return *t, true
}

// TacticCount is the number of events showing a tactic
type TacticCount struct {
	Tactic
	Count int `json:"count"`
}

// Summary is the tactic frequency over a set of events
type Summary struct {
	TotalEvents       int            `json:"total_events"`
	EventsWithTactics int            `json:"events_with_tactics"`
	Tactics           []TacticCount  `json:"tactics"`
	Unresolved        map[string]int `json:"unresolved,omitempty"`
}

// Summarize counts tactics over per-event tactic lists. A tactic named more
// than once in one event (for example by two vendors) counts once.
func Summarize(events [][]string) *Summary {
	sum := &Summary{TotalEvents: len(events)}
	counts := make(map[string]int)

	for _, list := range events {
		seen := make(map[string]bool)
		for _, raw := range list {
			t, ok := ResolveTactic(raw)
			if !ok {
				if raw = strings.TrimSpace(raw); raw != "" {
					if sum.Unresolved == nil {
						sum.Unresolved = make(map[string]int)
					}
					sum.Unresolved[raw]++
				}
				continue
			}
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			counts[t.ID]++
		}
		if len(seen) > 0 {
			sum.EventsWithTactics++
		}
	}

	for id, n := range counts {
		sum.Tactics = append(sum.Tactics, TacticCount{Tactic: *tacticIndex[strings.ToLower(id)], Count: n})
	}
	sort.Slice(sum.Tactics, func(i, j int) bool {
		return sum.Tactics[i].Order < sum.Tactics[j].Order
	})
	return sum
}

// TacticSource yields per-event tactic lists from a window start
type TacticSource interface {
	TacticLists(ctx context.Context, from *time.Time) ([][]string, error)
}

// Analyzer summarizes tactics over stored events
type Analyzer struct {
	source TacticSource
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(source TacticSource, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{source: source, logger: logger}
}

// Summary summarizes events since from; nil covers all events.
func (a *Analyzer) Summary(ctx context.Context, from *time.Time) (*Summary, error) {
	lists, err := a.source.TacticLists(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("load tactic lists: %w", err)
	}
	sum := Summarize(lists)
	if len(sum.Unresolved) > 0 {
		a.logger.Debug("Unresolved tactic names", zap.Int("distinct", len(sum.Unresolved)))
	}
	return sum, nil
}
