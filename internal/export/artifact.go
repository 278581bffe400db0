package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// tablePayload is the artifact body: column names once, rows as arrays
// in column order so repeated keys never inflate the payload.
type tablePayload struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// EncodeTable renders a table as snappy-compressed JSON. Map rows are
// flattened into column order; missing cells encode as null.
func EncodeTable(columns []string, rows []map[string]interface{}) ([]byte, error) {
	payload := tablePayload{Columns: columns, Rows: make([][]interface{}, len(rows))}
	for i, row := range rows {
		cells := make([]interface{}, len(columns))
		for j, col := range columns {
			cells[j] = row[col]
		}
		payload.Rows[i] = cells
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("export: failed to encode table payload: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// encodeManifest renders the manifest as indented JSON. Manifests stay
// uncompressed so operators can read them with plain tools.
func encodeManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: failed to encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a manifest object.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("export: failed to decode manifest: %w", err)
	}
	return &m, nil
}

// DecodeTable reverses EncodeTable. Numbers decode as json.Number so
// integer cells keep their digits.
func DecodeTable(data []byte) ([]string, []map[string]interface{}, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, nil, fmt.Errorf("export: failed to decompress artifact: %w", err)
	}

	var payload tablePayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("export: failed to decode artifact: %w", err)
	}

	rows := make([]map[string]interface{}, len(payload.Rows))
	for i, cells := range payload.Rows {
		if len(cells) != len(payload.Columns) {
			return nil, nil, fmt.Errorf("export: artifact row %d has %d cells, want %d", i, len(cells), len(payload.Columns))
		}
		row := make(map[string]interface{}, len(payload.Columns))
		for j, col := range payload.Columns {
			row[col] = cells[j]
		}
		rows[i] = row
	}
	return payload.Columns, rows, nil
}
