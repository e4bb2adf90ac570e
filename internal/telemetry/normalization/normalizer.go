// Package normalization reconciles Palo-XSIAM, CrowdStrike and Suricata
// documents into one canonical field set.
//
// Vendor payloads are resolved once into a Document, a tagged union of three
// optional sub-records. Everything downstream works with Fields and never
// looks at the raw shape again.
package normalization

import (
	"net/netip"
	"strings"
	"time"
)

// Vendor section keys in the raw document.
const (
	PaloKey        = "palo-xsiam"
	CrowdStrikeKey = "crowdstrike"
	SuricataKey    = "suricata"
)

// Event status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
)

// RawDocument is a vendor document exactly as the event store returned it
type RawDocument = map[string]any

// PaloSection holds the fields extracted from a palo-xsiam sub-document
type PaloSection struct {
	IncidentID      *string
	Status          *string
	Tactics         []string
	Techniques      []string
	Description     *string
	Severity        *string
	AlertCategories []string
}

// CrowdStrikeSection holds the fields extracted from crowdstrike.event
type CrowdStrikeSection struct {
	Tactics      []string
	TacticIDs    []string
	Techniques   []string
	TechniqueIDs []string
	Severity     *string
	EventName    *string
	Objective    *string
}

// SuricataSection holds the fields extracted from a suricata sub-document
type SuricataSection struct {
	Classification *string
}

// Document is a raw document resolved into its vendor sub-records.
// A nil section means the vendor block was absent or not an object.
type Document struct {
	Palo          *PaloSection
	CrowdStrike   *CrowdStrikeSection
	Suricata      *SuricataSection
	SourceIP      *string
	DestinationIP *string
	Timestamp     *time.Time
}

// Fields is the canonical, vendor-agnostic field set of one event.
// List fields are never nil.
type Fields struct {
	IncidentID              *string
	Status                  *string
	SourceIP                *string
	DestinationIP           *string
	Description             *string
	Severity                *string
	CrowdStrikeSeverity     *string
	MitreTacticsAndNames    []string
	MitreTechniquesAndNames []string
	AlertCategories         []string
	CrowdStrikeTactics      []string
	CrowdStrikeTacticIDs    []string
	CrowdStrikeTechniques   []string
	CrowdStrikeTechniqueIDs []string
	CrowdStrikeEventName    *string
	CrowdStrikeObjective    *string
	SuricataClassification  *string
	Timestamp               *time.Time
}

// Normalize converts a raw vendor document into canonical fields.
// It never fails: absent or malformed input becomes nil or an empty list.
func Normalize(raw RawDocument) Fields {
	return Parse(raw).Fields()
}

// Parse resolves the vendor sections of a raw document
func Parse(raw RawDocument) Document {
	doc := Document{
		SourceIP:      firstIP(raw, "source", "src_ip", "source_ip"),
		DestinationIP: firstIP(raw, "destination", "dest_ip", "destination_ip"),
		Timestamp:     documentTimestamp(raw),
	}

	if palo, ok := object(raw[PaloKey]); ok {
		doc.Palo = parsePalo(palo)
	}
	if cs, ok := object(raw[CrowdStrikeKey]); ok {
		if event, ok := object(cs["event"]); ok {
			doc.CrowdStrike = parseCrowdStrike(event)
		}
	}
	if sur, ok := object(raw[SuricataKey]); ok {
		doc.Suricata = &SuricataSection{Classification: stringValue(sur["classification"])}
	}

	return doc
}

// Vendors lists the vendor sections present in the document
func (d Document) Vendors() []string {
	var vendors []string
	if d.Palo != nil {
		vendors = append(vendors, PaloKey)
	}
	if d.CrowdStrike != nil {
		vendors = append(vendors, CrowdStrikeKey)
	}
	if d.Suricata != nil {
		vendors = append(vendors, SuricataKey)
	}
	return vendors
}

// Fields flattens the document into the canonical field set
func (d Document) Fields() Fields {
	f := Fields{
		SourceIP:                d.SourceIP,
		DestinationIP:           d.DestinationIP,
		Timestamp:               d.Timestamp,
		MitreTacticsAndNames:    []string{},
		MitreTechniquesAndNames: []string{},
		AlertCategories:         []string{},
		CrowdStrikeTactics:      []string{},
		CrowdStrikeTacticIDs:    []string{},
		CrowdStrikeTechniques:   []string{},
		CrowdStrikeTechniqueIDs: []string{},
	}

	if p := d.Palo; p != nil {
		f.IncidentID = p.IncidentID
		f.Status = p.Status
		f.Description = p.Description
		f.Severity = p.Severity
		f.MitreTacticsAndNames = p.Tactics
		f.MitreTechniquesAndNames = p.Techniques
		f.AlertCategories = p.AlertCategories
	}

	if cs := d.CrowdStrike; cs != nil {
		f.CrowdStrikeTactics = cs.Tactics
		f.CrowdStrikeTacticIDs = cs.TacticIDs
		f.CrowdStrikeTechniques = cs.Techniques
		f.CrowdStrikeTechniqueIDs = cs.TechniqueIDs
		f.CrowdStrikeSeverity = cs.Severity
		f.CrowdStrikeEventName = cs.EventName
		f.CrowdStrikeObjective = cs.Objective
	}

	if d.Suricata != nil {
		f.SuricataClassification = d.Suricata.Classification
	}

	return f
}

func parsePalo(palo map[string]any) *PaloSection {
	return &PaloSection{
		IncidentID:      identifierValue(palo["incident_id"]),
		Status:          normalizeStatus(palo["status"]),
		Tactics:         NormalizeList(palo["mitre_tactics_ids_and_names"]),
		Techniques:      NormalizeList(palo["mitre_techniques_ids_and_names"]),
		Description:     stringValue(palo["description"]),
		Severity:        stringValue(palo["severity"]),
		AlertCategories: NormalizeList(palo["alert_categories"]),
	}
}

func parseCrowdStrike(event map[string]any) *CrowdStrikeSection {
	cs := &CrowdStrikeSection{
		Tactics:      []string{},
		TacticIDs:    []string{},
		Techniques:   []string{},
		TechniqueIDs: []string{},
		Severity:     stringValue(event["SeverityName"]),
		EventName:    stringValue(event["Name"]),
		Objective:    stringValue(event["Objective"]),
	}

	// MitreAttack arrives either as one object or as a list of objects.
	var items []any
	switch v := event["MitreAttack"].(type) {
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	}

	for _, item := range items {
		attack, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cs.Tactics = appendPresent(cs.Tactics, attack["Tactic"])
		cs.TacticIDs = appendPresent(cs.TacticIDs, attack["TacticID"])
		cs.Techniques = appendPresent(cs.Techniques, attack["Technique"])
		cs.TechniqueIDs = appendPresent(cs.TechniqueIDs, attack["TechniqueID"])
	}

	return cs
}

// normalizeStatus folds vendor workflow states onto pending, in_progress
// and resolved. Unrecognized values are dropped.
func normalizeStatus(v any) *string {
	s := stringValue(v)
	if s == nil {
		return nil
	}

	status := strings.ToLower(strings.TrimSpace(*s))
	switch {
	case status == StatusPending, status == "new", status == "open":
		status = StatusPending
	case status == StatusInProgress, status == "under_investigation", status == "in progress":
		status = StatusInProgress
	case strings.HasPrefix(status, StatusResolved), status == "closed":
		status = StatusResolved
	default:
		return nil
	}
	return &status
}

// firstIP returns the first candidate field holding a valid IP literal.
// Candidates are ECS objects ({"ip": ...}) or flat string fields.
func firstIP(raw RawDocument, keys ...string) *string {
	for _, key := range keys {
		v := raw[key]
		if obj, ok := object(v); ok {
			v = obj["ip"]
		}
		if ip := CanonicalIP(v); ip != nil {
			return ip
		}
	}
	return nil
}

// CanonicalIP returns the canonical text form of an IP literal, or nil
func CanonicalIP(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	ip := addr.Unmap().String()
	return &ip
}

func object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// stringValue keeps strings and drops every other type
func stringValue(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func appendPresent(dst []string, v any) []string {
	if s, ok := v.(string); ok && s != "" {
		return append(dst, s)
	}
	return dst
}
