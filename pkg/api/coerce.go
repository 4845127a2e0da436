package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// CoerceBool accepts native booleans plus the usual string and numeric
// spellings: true/false, 1/0, yes/no, on/off, case-insensitive.
func CoerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		if v == 1 {
			return true, nil
		}
		if v == 0 {
			return false, nil
		}
	case int:
		if v == 1 {
			return true, nil
		}
		if v == 0 {
			return false, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("cannot interpret %v as a boolean", value)
}

// CoerceStringList accepts native arrays, JSON-encoded array strings,
// comma-separated strings, and bare scalars (a one-element list).
func CoerceStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, coerceScalar(item))
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var parsed []interface{}
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				out := make([]string, 0, len(parsed))
				for _, item := range parsed {
					out = append(out, coerceScalar(item))
				}
				return out, nil
			}
		}
		if strings.Contains(trimmed, ",") {
			parts := strings.Split(trimmed, ",")
			out := make([]string, 0, len(parts))
			for _, part := range parts {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
			return out, nil
		}
		return []string{trimmed}, nil
	default:
		return []string{coerceScalar(v)}, nil
	}
}

func coerceScalar(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CoerceMap accepts a native object or a JSON-encoded object string
func CoerceMap(value interface{}) (models.JSONMap, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return models.JSONMap(v), nil
	case models.JSONMap:
		return v, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, nil
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, fmt.Errorf("cannot interpret string as a JSON object: %v", err)
		}
		return models.JSONMap(parsed), nil
	}
	return nil, fmt.Errorf("cannot interpret %T as a JSON object", value)
}

// CoerceInt accepts native numbers and numeric strings
func CoerceInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("cannot interpret %q as an integer", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot interpret %T as an integer", value)
}

// CoerceString renders scalars as strings; absent and null become ""
func CoerceString(value interface{}) string {
	if value == nil {
		return ""
	}
	return coerceScalar(value)
}

// CoerceUUID parses a UUID parameter
func CoerceUUID(value interface{}) (uuid.UUID, error) {
	s := CoerceString(value)
	if s == "" {
		return uuid.Nil, fmt.Errorf("empty identifier")
	}
	return uuid.Parse(s)
}
