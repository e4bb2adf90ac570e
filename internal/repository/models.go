package repository

import "time"

// Link roles.
const (
	RoleSource      = "source"
	RoleDestination = "destination"
	RoleAffected    = "affected"
	RoleRelated     = "related"
)

// Cursor sync types.
const (
	SyncTypeElasticsearch = "elasticsearch_sync"
	SyncTypeAlert         = "alert_sync"
)

// Cursor statuses.
const (
	CursorStatusSuccess = "success"
	CursorStatusError   = "error"
)

// Event is a canonical security event keyed by the event store's document id.
type Event struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	ExternalEventID         string     `gorm:"column:external_event_id;size:191;uniqueIndex;not null" json:"event_id"`
	IncidentID              *string    `gorm:"size:191" json:"incident_id"`
	Status                  string     `gorm:"size:32;not null;default:pending" json:"status"`
	SourceIP                *string    `gorm:"column:source_ip;size:64;index" json:"source_ip"`
	DestinationIP           *string    `gorm:"column:destination_ip;size:64;index" json:"destination_ip"`
	Description             *string    `gorm:"type:text" json:"description"`
	Severity                *string    `gorm:"size:32" json:"severity"`
	CrowdStrikeSeverity     *string    `gorm:"column:crowdstrike_severity;size:32" json:"crowdstrike_severity"`
	MitreTacticsAndNames    []string   `gorm:"column:mitre_tactics_ids_and_names;serializer:json" json:"mitre_tactics_ids_and_names"`
	MitreTechniquesAndNames []string   `gorm:"column:mitre_techniques_ids_and_names;serializer:json" json:"mitre_techniques_ids_and_names"`
	AlertCategories         []string   `gorm:"column:alert_categories;serializer:json" json:"alert_categories"`
	CrowdStrikeTactics      []string   `gorm:"column:crowdstrike_tactics;serializer:json" json:"crowdstrike_tactics"`
	CrowdStrikeTacticIDs    []string   `gorm:"column:crowdstrike_tactics_ids;serializer:json" json:"crowdstrike_tactics_ids"`
	CrowdStrikeTechniques   []string   `gorm:"column:crowdstrike_techniques;serializer:json" json:"crowdstrike_techniques"`
	CrowdStrikeTechniqueIDs []string   `gorm:"column:crowdstrike_techniques_ids;serializer:json" json:"crowdstrike_techniques_ids"`
	CrowdStrikeEventName    *string    `gorm:"column:crowdstrike_event_name;size:255" json:"crowdstrike_event_name"`
	CrowdStrikeObjective    *string    `gorm:"column:crowdstrike_event_objective;size:255" json:"crowdstrike_event_objective"`
	SuricataClassification  *string    `gorm:"column:suricata_classification;size:255" json:"suricata_classification"`
	Timestamp               *time.Time `gorm:"index" json:"timestamp"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// EventUpdateColumns are overwritten when an event is re-ingested.
// Identity and creation columns are never touched.
var EventUpdateColumns = []string{
	"incident_id",
	"status",
	"source_ip",
	"destination_ip",
	"description",
	"severity",
	"crowdstrike_severity",
	"mitre_tactics_ids_and_names",
	"mitre_techniques_ids_and_names",
	"alert_categories",
	"crowdstrike_tactics",
	"crowdstrike_tactics_ids",
	"crowdstrike_techniques",
	"crowdstrike_techniques_ids",
	"crowdstrike_event_name",
	"crowdstrike_event_objective",
	"suricata_classification",
	"timestamp",
	"updated_at",
}

// Node is a network topology node. The inventory is owned elsewhere; this
// service only reads it, apart from seeding.
type Node struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Name          string         `gorm:"size:255" json:"name"`
	NodeType      string         `gorm:"size:64;index" json:"node_type"`
	IPAddress     *string        `gorm:"column:ip_address;size:64;uniqueIndex" json:"ip_address"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	AdditionalIPs []string       `gorm:"column:additional_ips;serializer:json" json:"additional_ips"`
	Metadata      map[string]any `gorm:"serializer:json" json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NodeEventLink joins a node to an event. (node_id, event_id) is unique.
type NodeEventLink struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	NodeID         uint           `gorm:"uniqueIndex:idx_node_event;not null" json:"node_id"`
	EventID        uint           `gorm:"uniqueIndex:idx_node_event;index;not null" json:"event_id"`
	Role           string         `gorm:"size:32;not null" json:"role"`
	IP             *string        `gorm:"column:ip;size:64;index" json:"ip"`
	RelevanceScore int            `gorm:"not null" json:"relevance_score"`
	Metadata       map[string]any `gorm:"serializer:json" json:"metadata"`
	DetectedAt     time.Time      `gorm:"index" json:"detected_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LinkUpdateColumns are refreshed when an existing link is re-linked.
var LinkUpdateColumns = []string{"role", "ip", "relevance_score", "metadata", "detected_at", "updated_at"}

// Alert is the display snapshot of one event. Written once, never updated.
type Alert struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	EventID       string     `gorm:"size:191;uniqueIndex;not null" json:"event_id"`
	Name          string     `gorm:"size:255" json:"alert_name"`
	Severity      string     `gorm:"size:32;index" json:"severity"`
	Source        string     `gorm:"size:32;index" json:"source"`
	IncidentID    string     `gorm:"size:191" json:"incident_id"`
	Description   string     `gorm:"type:text" json:"description"`
	Status        string     `gorm:"size:32" json:"status"`
	SourceIP      *string    `gorm:"column:source_ip;size:64" json:"source_ip"`
	DestinationIP *string    `gorm:"column:destination_ip;size:64" json:"destination_ip"`
	Timestamp     *time.Time `gorm:"index" json:"timestamp"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
}

// SyncCursor is the persisted watermark of one sync type.
type SyncCursor struct {
	ID                uint       `gorm:"primaryKey" json:"-"`
	SyncType          string     `gorm:"size:64;uniqueIndex;not null" json:"sync_type"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp"`
	LastCompletedAt   *time.Time `json:"last_completed_at"`
	LastStatus        string     `gorm:"size:16" json:"last_status"`
	TotalProcessed    int64      `json:"total_processed"`
	LastErrorMessage  *string    `gorm:"type:text" json:"last_error_message"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CursorUpdateColumns are written on every cursor save.
var CursorUpdateColumns = []string{
	"last_sync_timestamp", "last_completed_at", "last_status",
	"total_processed", "last_error_message", "updated_at",
}
