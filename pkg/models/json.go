package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map[string]interface{} that implements sql.Scanner and
// driver.Valuer so nested payloads round-trip through JSONB columns.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// Clone returns a depth-1 copy of the map. Nested maps are copied
// recursively; slices are copied shallowly.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = map[string]interface{}(JSONMap(nested).Clone())
			continue
		}
		out[k] = v
	}
	return out
}

// DeepMerge merges overlay into m, with overlay winning on conflicts.
// When both sides hold nested maps the merge recurses; any other pair of
// values is replaced wholesale. Returns a new map; neither input mutates.
func DeepMerge(base, overlay JSONMap) JSONMap {
	if base == nil && overlay == nil {
		return JSONMap{}
	}
	out := base.Clone()
	if out == nil {
		out = JSONMap{}
	}
	for k, v := range overlay {
		existing, ok := out[k]
		if ok {
			bm, bok := existing.(map[string]interface{})
			om, ook := v.(map[string]interface{})
			if bok && ook {
				out[k] = map[string]interface{}(DeepMerge(JSONMap(bm), JSONMap(om)))
				continue
			}
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = map[string]interface{}(JSONMap(nested).Clone())
			continue
		}
		out[k] = v
	}
	return out
}
