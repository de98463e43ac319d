package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// JSONMap stores free-form criteria in a JSONB column.
type JSONMap map[string]any

// Scan implements sql.Scanner for reading from the database.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("db.JSONMap.Scan: expected []byte or string, got %T", value)
	}
}

// Value implements driver.Valuer for writing to the database.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

// ScanText implements the pgtype.TextScanner interface for pgx v5.
func (m *JSONMap) ScanText(v pgtype.Text) error {
	if !v.Valid {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal([]byte(v.String), m)
}

// TextValue implements the pgtype.TextValuer interface for pgx v5.
func (m JSONMap) TextValue() (pgtype.Text, error) {
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return pgtype.Text{}, err
	}
	return pgtype.Text{String: string(b), Valid: true}, nil
}

// String returns the trimmed string value stored under key, or "".
func (m JSONMap) String(key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Float returns the numeric value stored under key, or def.
func (m JSONMap) Float(key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}
