// Package types provides core data types for Strata.
package types

import "time"

// RawBatch is one immutable deposit of raw records from the ingestion
// layer. Batches are append-only; the batch ID is a ULID so load order
// is totally ordered even when loaded_at timestamps collide.
type RawBatch struct {
	// BatchID is the ULID primary key for the batch (time-ordered)
	BatchID ULID `json:"batch_id"`

	// TenantSlug identifies the tenant this batch belongs to
	TenantSlug string `json:"tenant_slug"`

	// SourcePlatform names the upstream connector (e.g. "shopify", "mixpanel")
	SourcePlatform string `json:"source_platform"`

	// TableName is the physical source table the rows came from
	TableName string `json:"table_name"`

	// SchemaFingerprint is the canonical hash of the declared schema
	SchemaFingerprint Fingerprint `json:"schema_fingerprint"`

	// Schema is the declared physical schema of the rows
	Schema Schema `json:"schema"`

	// Rows holds the raw semi-structured records, untouched
	Rows []map[string]interface{} `json:"rows"`

	// LoadedAt is when the ingestion layer deposited the batch
	LoadedAt time.Time `json:"loaded_at"`
}

// Event is one hydrated analytics event. Attribution fields are the
// raw UTM values observed on the event, not session-level attribution.
type Event struct {
	TenantSlug     string    `json:"tenant_slug"`
	EventID        string    `json:"event_id"`
	AnonymousID    string    `json:"anonymous_id"`
	UserID         string    `json:"user_id,omitempty"`
	EventName      string    `json:"event_name"`
	EventTimestamp time.Time `json:"event_timestamp"`

	// SessionID is the source-provided session identifier, if any.
	// Visit-level session keys are derived by the sessionizer.
	SessionID string `json:"session_id,omitempty"`

	PageLocation   string `json:"page_location,omitempty"`
	UTMSource      string `json:"utm_source,omitempty"`
	UTMMedium      string `json:"utm_medium,omitempty"`
	UTMCampaign    string `json:"utm_campaign,omitempty"`
	Country        string `json:"country,omitempty"`
	DeviceCategory string `json:"device_category,omitempty"`

	// Payload is the untouched raw record the event was hydrated from
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Session is one visit-level unit derived by inactivity-gap
// sessionization. Attribution fields are first-touch within the
// session: the earliest non-null UTM values in timestamp order.
type Session struct {
	SessionKey     string    `json:"session_key"`
	TenantSlug     string    `json:"tenant_slug"`
	ResolvedUserID string    `json:"resolved_user_id"`
	AnonymousID    string    `json:"anonymous_id"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	EventCount     int64     `json:"event_count"`
	LandingPage    string    `json:"landing_page,omitempty"`
	Source         string    `json:"source,omitempty"`
	Medium         string    `json:"medium,omitempty"`
	Campaign       string    `json:"campaign,omitempty"`

	// IsConversion is true when any event in the session has a name in
	// the master model's conversion event set.
	IsConversion bool `json:"is_conversion_session"`
}

// IdentityLink binds an anonymous identifier to a known user. One row
// per (tenant, anonymous_id); the first association is permanent.
type IdentityLink struct {
	TenantSlug     string    `json:"tenant_slug"`
	AnonymousID    string    `json:"anonymous_id"`
	ResolvedUserID string    `json:"resolved_user_id"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// Fact is one conversion-bearing business row (e.g. an order) plus the
// attribution columns filled in by the linker. Empty attribution
// fields materialize as NULL; a fact is never dropped for lacking one.
type Fact struct {
	TenantSlug     string    `json:"tenant_slug"`
	SourcePlatform string    `json:"source_platform"`
	Table          string    `json:"table"`
	FactKey        string    `json:"fact_key"`
	UserRef        string    `json:"user_ref,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`

	// Columns holds the hydrated and calculated column values
	Columns map[string]interface{} `json:"columns,omitempty"`

	ResolvedUserID        string `json:"resolved_user_id,omitempty"`
	AttributionSessionKey string `json:"attribution_session_key,omitempty"`
	AttributionSource     string `json:"attribution_source,omitempty"`
	AttributionMedium     string `json:"attribution_medium,omitempty"`
	AttributionCampaign   string `json:"attribution_campaign,omitempty"`
}

// SemanticRole classifies a column for the natural-language query layer.
type SemanticRole string

const (
	// RoleDimension marks a column used for grouping and filtering
	RoleDimension SemanticRole = "dimension"

	// RoleMeasure marks a column used for aggregation
	RoleMeasure SemanticRole = "measure"

	// RoleSkip marks a column excluded from the semantic catalog
	RoleSkip SemanticRole = "skip"
)

// Default aggregations inferred for measure columns.
const (
	AggSum           = "sum"
	AggAvg           = "avg"
	AggCountDistinct = "count_distinct"
)

// SemanticColumn is the per-column contract consumed by the
// natural-language query layer. The catalog is recomputed in full on
// every run and never persisted incrementally.
type SemanticColumn struct {
	TableName       string       `json:"table_name"`
	ColumnName      string       `json:"column_name"`
	DataType        string       `json:"data_type"`
	Role            SemanticRole `json:"semantic_role"`
	DisplayType     string       `json:"display_type"`
	IsTimeDimension bool         `json:"is_time_dimension"`
	InferredAgg     string       `json:"inferred_agg,omitempty"`
}

// CalculatedMeasure is a derived ratio measure inferred from the
// columns a model carries (CTR, CPC, AOV and friends).
type CalculatedMeasure struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	SQL    string `json:"sql"`
	Format string `json:"format,omitempty"`
}

// ModelJoin links a fact model to a dimension model on a column both
// sides share.
type ModelJoin struct {
	To   string `json:"to"`
	Type string `json:"type"`
	On   string `json:"on"`
}

// SemanticModel is the per-table semantic contract: the classified
// columns plus inferred calculated measures and joins.
type SemanticModel struct {
	Subject            string              `json:"subject"`
	TableName          string              `json:"table_name"`
	TableType          string              `json:"table_type"`
	Label              string              `json:"label"`
	Description        string              `json:"description"`
	Columns            []SemanticColumn    `json:"columns"`
	CalculatedMeasures []CalculatedMeasure `json:"calculated_measures,omitempty"`
	Joins              []ModelJoin         `json:"joins,omitempty"`
}

// IdentityStats summarizes identity resolution for one tenant.
type IdentityStats struct {
	TotalUsers        int64   `json:"total_users"`
	ResolvedCustomers int64   `json:"resolved_customers"`
	AnonymousUsers    int64   `json:"anonymous_users"`
	ResolutionRate    float64 `json:"resolution_rate"`
	TotalEvents       int64   `json:"total_events"`
	TotalSessions     int64   `json:"total_sessions"`
}
