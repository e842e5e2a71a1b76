package models

import (
	"database/sql/driver"
	"encoding/json"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// GetBool reads a boolean flag from the settings bag.
func (j JSONB) GetBool(key string) bool {
	if j == nil {
		return false
	}
	v, ok := j[key].(bool)
	return ok && v
}

// GetInt reads an integer from the settings bag. JSON numbers decode as
// float64, so both representations are accepted.
func (j JSONB) GetInt(key string) (int, bool) {
	if j == nil {
		return 0, false
	}
	switch v := j[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// GetString reads a string from the settings bag.
func (j JSONB) GetString(key string) string {
	if j == nil {
		return ""
	}
	v, _ := j[key].(string)
	return v
}

// FloatList is a JSON-encoded numeric array column helper.
type FloatList []float64

// Value implements the driver.Valuer interface for FloatList
func (l FloatList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface for FloatList
func (l *FloatList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// StringList is a text-array column helper for allowlists.
type StringList []string

// Value implements the driver.Valuer interface for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface for StringList
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, l)
}
