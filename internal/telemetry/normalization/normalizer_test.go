package normalization

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func decode(t *testing.T, s string) RawDocument {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var doc RawDocument
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestNormalizeList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, []string{}},
		{"comma string", "TA0001 - Initial Access, TA0002 - Execution", []string{"TA0001 - Initial Access", "TA0002 - Execution"}},
		{"plain string", "Malware", []string{"Malware"}},
		{"list", []any{"a", "b"}, []string{"a", "b"}},
		{"list with numbers", []any{"a", json.Number("7")}, []string{"a", "7"}},
		{"null element keeps position", []any{"T1059", nil, "T1105"}, []string{"T1059", "", "T1105"}},
		{"string slice", []string{"x"}, []string{"x"}},
		{"number", json.Number("42"), []string{"42"}},
		{"bool", true, []string{"true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeList(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeList(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_MissingSectionsGiveEmptyContainers(t *testing.T) {
	docs := []string{
		`{}`,
		`{"palo-xsiam": "not-an-object"}`,
		`{"crowdstrike": {"event": 12}}`,
		`{"crowdstrike": []}`,
		`{"suricata": null}`,
	}

	for _, s := range docs {
		f := Normalize(decode(t, s))
		lists := [][]string{
			f.MitreTacticsAndNames, f.MitreTechniquesAndNames, f.AlertCategories,
			f.CrowdStrikeTactics, f.CrowdStrikeTacticIDs, f.CrowdStrikeTechniques, f.CrowdStrikeTechniqueIDs,
		}
		for i, l := range lists {
			if l == nil || len(l) != 0 {
				t.Errorf("%s: list %d = %#v, want empty non-nil", s, i, l)
			}
		}
		if f.Severity != nil || f.CrowdStrikeSeverity != nil || f.SuricataClassification != nil {
			t.Errorf("%s: expected nil scalars, got %+v", s, f)
		}
	}
}

func TestNormalize_Palo(t *testing.T) {
	raw := decode(t, `{
		"@timestamp": "2025-03-01T10:00:00.123Z",
		"palo-xsiam": {
			"incident_id": 4711,
			"status": "under_investigation",
			"mitre_tactics_ids_and_names": "TA0001 - Initial Access, TA0002 - Execution",
			"mitre_techniques_ids_and_names": ["T1566 - Phishing"],
			"description": "Suspicious macro",
			"severity": "high",
			"alert_categories": "Malware"
		},
		"source": {"ip": "10.0.0.5"},
		"destination": {"ip": "not-an-ip"}
	}`)

	f := Normalize(raw)

	if f.IncidentID == nil || *f.IncidentID != "4711" {
		t.Errorf("IncidentID = %v, want 4711", f.IncidentID)
	}
	if f.Status == nil || *f.Status != StatusInProgress {
		t.Errorf("Status = %v, want in_progress", f.Status)
	}
	if want := []string{"TA0001 - Initial Access", "TA0002 - Execution"}; !reflect.DeepEqual(f.MitreTacticsAndNames, want) {
		t.Errorf("tactics = %v, want %v", f.MitreTacticsAndNames, want)
	}
	if want := []string{"Malware"}; !reflect.DeepEqual(f.AlertCategories, want) {
		t.Errorf("categories = %v, want %v", f.AlertCategories, want)
	}
	if f.Severity == nil || *f.Severity != "high" {
		t.Errorf("Severity = %v, want high", f.Severity)
	}
	if f.SourceIP == nil || *f.SourceIP != "10.0.0.5" {
		t.Errorf("SourceIP = %v, want 10.0.0.5", f.SourceIP)
	}
	if f.DestinationIP != nil {
		t.Errorf("DestinationIP = %v, want nil", *f.DestinationIP)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 123000000, time.UTC)
	if f.Timestamp == nil || !f.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", f.Timestamp, want)
	}
}

func TestNormalize_CrowdStrikeMitreShapes(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		wantTactics []string
		wantTechIDs []string
	}{
		{
			name:        "single object",
			doc:         `{"crowdstrike": {"event": {"MitreAttack": {"Tactic": "Initial Access", "TacticID": "TA0001"}}}}`,
			wantTactics: []string{"Initial Access"},
			wantTechIDs: []string{},
		},
		{
			name: "list of objects",
			doc: `{"crowdstrike": {"event": {"MitreAttack": [
				{"Tactic": "Execution", "TechniqueID": "T1059"},
				"garbage",
				{"Tactic": "Persistence", "Technique": "Registry Run Keys", "TechniqueID": "T1547"}
			]}}}`,
			wantTactics: []string{"Execution", "Persistence"},
			wantTechIDs: []string{"T1059", "T1547"},
		},
		{
			name:        "missing",
			doc:         `{"crowdstrike": {"event": {"Name": "Detection"}}}`,
			wantTactics: []string{},
			wantTechIDs: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Normalize(decode(t, tt.doc))
			if !reflect.DeepEqual(f.CrowdStrikeTactics, tt.wantTactics) {
				t.Errorf("tactics = %#v, want %#v", f.CrowdStrikeTactics, tt.wantTactics)
			}
			if !reflect.DeepEqual(f.CrowdStrikeTechniqueIDs, tt.wantTechIDs) {
				t.Errorf("technique ids = %#v, want %#v", f.CrowdStrikeTechniqueIDs, tt.wantTechIDs)
			}
		})
	}
}

func TestNormalize_NonStringScalarsBecomeNil(t *testing.T) {
	raw := decode(t, `{
		"palo-xsiam": {"severity": 3, "description": {"x": 1}},
		"crowdstrike": {"event": {"SeverityName": 4, "Name": ["a"], "Objective": false}},
		"suricata": {"classification": 12}
	}`)

	f := Normalize(raw)
	if f.Severity != nil {
		t.Errorf("Severity = %v, want nil", *f.Severity)
	}
	if f.Description != nil {
		t.Errorf("Description = %v, want nil", *f.Description)
	}
	if f.CrowdStrikeSeverity != nil || f.CrowdStrikeEventName != nil || f.CrowdStrikeObjective != nil {
		t.Errorf("crowdstrike scalars not nil: %+v", f)
	}
	if f.SuricataClassification != nil {
		t.Errorf("SuricataClassification = %v, want nil", *f.SuricataClassification)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := decode(t, `{"suricata": {"classification": "trojan-activity"}, "src_ip": "192.168.1.9", "timestamp": "2025-01-02 03:04:05"}`)
	a, b := Normalize(raw), Normalize(raw)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Normalize not deterministic: %+v vs %+v", a, b)
	}
	if a.SuricataClassification == nil || *a.SuricataClassification != "trojan-activity" {
		t.Errorf("classification = %v", a.SuricataClassification)
	}
	if a.SourceIP == nil || *a.SourceIP != "192.168.1.9" {
		t.Errorf("SourceIP = %v", a.SourceIP)
	}
	if a.Timestamp == nil || a.Timestamp.Year() != 2025 || a.Timestamp.Hour() != 3 {
		t.Errorf("Timestamp = %v", a.Timestamp)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want *time.Time
	}{
		{"rfc3339", "2024-06-01T12:00:00Z", ptrTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))},
		{"epoch seconds", json.Number("1717243200"), ptrTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))},
		{"epoch millis", json.Number("1717243200000"), ptrTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))},
		{"garbage", "???", nil},
		{"empty", "", nil},
		{"wrong type", []any{"x"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.in)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("ParseTimestamp(%v) = %v, want nil", tt.in, *got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("ParseTimestamp(%v) = %v, want %v", tt.in, got, *tt.want)
			}
		})
	}
}

func TestDocumentVendors(t *testing.T) {
	doc := Parse(decode(t, `{"palo-xsiam": {}, "suricata": {"classification": "x"}}`))
	if got := doc.Vendors(); !reflect.DeepEqual(got, []string{PaloKey, SuricataKey}) {
		t.Errorf("Vendors() = %v", got)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
