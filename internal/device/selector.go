// Package device provides device selector matching and plugin ownership
// resolution over registry bindings.
package device

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hearth-home/hearth/internal/store"
)

// ErrInvalidSelector indicates a selector expression that cannot be parsed.
var ErrInvalidSelector = errors.New("device: invalid selector")

// Selector matches devices against a set of field clauses. Every clause
// must match for the device to match (AND semantics).
type Selector struct {
	raw     string
	clauses []clause
}

type clause struct {
	field   string
	metaKey string
	pattern string
}

// Reserved selector fields. Any other key is looked up in device metadata.
const (
	fieldID       = "id"
	fieldName     = "name"
	fieldType     = "type"
	fieldMetadata = "metadata"
)

// ParseSelector compiles a selector expression of the form
// "key=pattern,key=pattern". Keys are id, name, type or metadata.<key>;
// patterns use shell-style globbing.
func ParseSelector(expr string) (Selector, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Selector{}, fmt.Errorf("%w: empty expression", ErrInvalidSelector)
	}

	sel := Selector{raw: trimmed}
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Selector{}, fmt.Errorf("%w: empty clause in %q", ErrInvalidSelector, expr)
		}
		key, pattern, found := strings.Cut(part, "=")
		if !found {
			return Selector{}, fmt.Errorf("%w: clause %q missing '='", ErrInvalidSelector, part)
		}
		key = strings.TrimSpace(key)
		pattern = strings.TrimSpace(pattern)
		if key == "" || pattern == "" {
			return Selector{}, fmt.Errorf("%w: clause %q has empty key or pattern", ErrInvalidSelector, part)
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return Selector{}, fmt.Errorf("%w: bad pattern %q", ErrInvalidSelector, pattern)
		}

		c := clause{pattern: pattern}
		switch {
		case key == fieldID || key == fieldName || key == fieldType:
			c.field = key
		case strings.HasPrefix(key, fieldMetadata+"."):
			metaKey := strings.TrimPrefix(key, fieldMetadata+".")
			if metaKey == "" {
				return Selector{}, fmt.Errorf("%w: clause %q has empty metadata key", ErrInvalidSelector, part)
			}
			c.field = fieldMetadata
			c.metaKey = metaKey
		default:
			// Bare keys fall through to metadata lookup.
			c.field = fieldMetadata
			c.metaKey = key
		}
		sel.clauses = append(sel.clauses, c)
	}
	return sel, nil
}

// String returns the original selector expression.
func (s Selector) String() string {
	return s.raw
}

// Matches reports whether the device satisfies every clause.
func (s Selector) Matches(d store.Device) bool {
	if len(s.clauses) == 0 {
		return false
	}
	for _, c := range s.clauses {
		var value string
		switch c.field {
		case fieldID:
			value = d.ID
		case fieldName:
			value = d.Name
		case fieldType:
			value = d.Type
		case fieldMetadata:
			raw, ok := d.Metadata[c.metaKey]
			if !ok {
				return false
			}
			value = fmt.Sprintf("%v", raw)
		}
		ok, err := path.Match(c.pattern, value)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
