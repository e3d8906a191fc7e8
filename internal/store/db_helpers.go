package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// encodeJSON marshals v for storage in a TEXT column. Nil maps and slices
// encode as their empty literal so columns never hold SQL NULL.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode json: %w", err)
	}
	return string(data), nil
}

// DecodeJSON unmarshals a stored TEXT column into T, treating empty text as
// the zero value.
func DecodeJSON[T any](raw string) (T, error) {
	var out T
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("store: decode json: %w", err)
	}
	return out, nil
}

type rowScanner[T any] func(*sql.Rows) (T, error)

// scanList runs a query and converts every row through scan.
func scanList[T any](ctx context.Context, db *sql.DB, scan rowScanner[T], query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
