package hydrate

import (
	"strconv"
	"strings"
)

// Extract resolves a dollar-rooted JSON path against a decoded payload.
// Supported grammar: "$" for the whole payload, dot-separated object keys,
// "[n]" array indexing on any segment ("$.line_items[0].sku"), and keyed
// lookup into GA4-style parameter lists. A name segment that meets an
// array of {key, value} objects takes the first element whose "key"
// matches and yields its "value" ("$.event_params.ga_session_id").
// The boolean is false when any segment is absent; an explicit JSON null
// reports present with a nil value.
func Extract(payload map[string]interface{}, path string) (interface{}, bool) {
	if path == "$" {
		return payload, true
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, false
	}

	var current interface{} = payload
	for _, segment := range strings.Split(strings.TrimPrefix(path, "$."), ".") {
		key, indexes, ok := splitSegment(segment)
		if !ok {
			return nil, false
		}
		if key != "" {
			switch node := current.(type) {
			case map[string]interface{}:
				next, present := node[key]
				if !present {
					return nil, false
				}
				current = next
			case []interface{}:
				next, present := kvLookup(node, key)
				if !present {
					return nil, false
				}
				current = next
			default:
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, isArr := current.([]interface{})
			if !isArr || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// kvLookup resolves a name against a parameter list: an array of
// {key, value} objects, the shape GA4 exports use for event_params.
func kvLookup(list []interface{}, key string) (interface{}, bool) {
	for _, el := range list {
		obj, isObj := el.(map[string]interface{})
		if !isObj {
			continue
		}
		k, isStr := obj["key"].(string)
		if !isStr || k != key {
			continue
		}
		value, present := obj["value"]
		return value, present
	}
	return nil, false
}

// splitSegment splits "line_items[0][1]" into key "line_items" and
// indexes [0, 1]. A bare "[0]" segment (key omitted) indexes the current
// value directly.
func splitSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		if segment == "" {
			return "", nil, false
		}
		return segment, nil, true
	}

	key := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return key, indexes, true
}

// ColumnName converts a JSON path to a flat column name for generated
// outputs: "$.device.category" -> "device_category".
func ColumnName(path string) string {
	name := strings.TrimPrefix(path, "$.")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "[", "_")
	name = strings.ReplaceAll(name, "]", "")
	return name
}
