package types

// Fingerprint is the canonical content hash of a physical schema's
// (column name, declared type) set. Equal schemas produce equal
// fingerprints regardless of column order.
type Fingerprint string

// Schema describes the declared physical schema of a raw source table.
type Schema struct {
	// Columns defines the columns in the schema
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in a physical schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the declared source type: TEXT, BIGINT, DOUBLE, DECIMAL,
	// BOOLEAN, DATE, TIMESTAMP, JSON, BLOB
	Type string `json:"type"`
}

// IndexDef defines an index on a materialized warehouse table.
type IndexDef struct {
	// Name is the index name
	Name string `json:"name"`

	// Columns lists the columns included in the index
	Columns []string `json:"columns"`

	// Unique indicates whether the index enforces uniqueness
	Unique bool `json:"unique"`
}
