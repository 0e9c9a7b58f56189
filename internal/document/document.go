// Package document defines the unit of storage and search: a caller-assigned
// identifier, free-text content, and string metadata.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is the sentinel wrapped by ValidationError.
var ErrInvalid = errors.New("invalid document")

// Document is the wire and storage shape of a searchable document. Stored
// values are never mutated in place; use Clone before handing one out.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// New builds a Document with an empty, non-nil metadata map.
func New(id, content string) Document {
	return Document{ID: id, Content: content, Metadata: map[string]string{}}
}

// Clone returns a deep copy so callers never alias stored metadata.
func (d Document) Clone() Document {
	out := Document{ID: d.ID, Content: d.Content, Metadata: make(map[string]string, len(d.Metadata))}
	for k, v := range d.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate checks the constraints the store and index rely on. The id is
// opaque and only has to be non-empty; empty content and empty metadata are
// legal. Every string must be valid UTF-8 so the snapshot restores it byte
// for byte.
func Validate(d Document) error {
	errs := make(map[string]string)
	switch {
	case d.ID == "":
		errs["id"] = "id is required"
	case !utf8.ValidString(d.ID):
		errs["id"] = "id must be valid UTF-8"
	}
	if !utf8.ValidString(d.Content) {
		errs["content"] = "content must be valid UTF-8"
	}
	for k, v := range d.Metadata {
		if k == "" {
			errs["metadata"] = "metadata keys must not be empty"
			break
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			errs["metadata"] = "metadata keys and values must be valid UTF-8"
			break
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
