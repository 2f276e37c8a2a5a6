package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONDocument stores an opaque JSONB document.
type JSONDocument json.RawMessage

// Value marshals the document for persistence, defaulting to an empty object.
func (d JSONDocument) Value() (driver.Value, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(d) {
		return nil, fmt.Errorf("invalid json document")
	}
	return []byte(d), nil
}

// Scan copies JSONB bytes into the document.
func (d *JSONDocument) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], data...)
	return nil
}

// MarshalJSON emits the raw document.
func (d JSONDocument) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return []byte(d), nil
}

// UnmarshalJSON keeps the raw document.
func (d *JSONDocument) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for json column", value)
	}
}

func scanJSON(value interface{}, dest interface{}, name string) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

func valueJSON(v interface{}, name string) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return data, nil
}
