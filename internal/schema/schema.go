// Package schema keeps the set of named fields the inverted index recognizes.
// The base fields (id, content) always exist; metadata fields are appended at
// runtime and never removed. Registration is not retroactive: documents
// indexed before a field existed stay unsearchable on it until re-added.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	FieldID      = "id"
	FieldContent = "content"
)

var (
	ErrConflict    = errors.New("schema conflict")
	ErrInvalidName = errors.New("invalid field name")
)

// Type is the indexing type of a field.
type Type int

const (
	// TypeText fields are tokenized and matched term by term.
	TypeText Type = iota
	// TypeIdentifier fields are matched as a single exact token.
	TypeIdentifier
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeIdentifier:
		return "identifier"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Field is a handle to a registered field.
type Field struct {
	Name     string
	Type     Type
	Ordinal  int
	Reserved bool
}

// Registry maps field names to handles. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	fields []Field
	byName map[string]int
}

// NewRegistry returns a registry holding only the base fields.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]int)}
	r.add(FieldID, TypeIdentifier, true)
	r.add(FieldContent, TypeText, true)
	return r
}

// Field returns the handle for name, if registered.
func (r *Registry) Field(name string) (Field, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Field{}, false
	}
	return r.fields[i], true
}

// Register adds a text field. It is idempotent for existing text fields.
func (r *Registry) Register(name string) (Field, error) {
	return r.RegisterAs(name, TypeText)
}

// RegisterAs adds a field of the given type. Re-registering an existing field
// with the same type is a no-op; a different type fails with ErrConflict.
// Only text fields may be added at runtime.
func (r *Registry) RegisterAs(name string, typ Type) (Field, error) {
	if err := validateName(name); err != nil {
		return Field{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byName[name]; ok {
		existing := r.fields[i]
		if existing.Type != typ {
			return Field{}, fmt.Errorf("%w: field %q is %s, cannot redefine as %s",
				ErrConflict, name, existing.Type, typ)
		}
		return existing, nil
	}
	if typ != TypeText {
		return Field{}, fmt.Errorf("%w: dynamic field %q must be text, got %s", ErrConflict, name, typ)
	}
	return r.add(name, typ, false), nil
}

// Metadata returns the names of dynamically registered fields in
// registration order.
func (r *Registry) Metadata() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fields))
	for _, f := range r.fields {
		if !f.Reserved {
			names = append(names, f.Name)
		}
	}
	return names
}

// Fields returns a copy of every registered handle.
func (r *Registry) Fields() []Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of registered fields, base fields included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fields)
}

// add must be called with mu held (or before the registry is shared).
func (r *Registry) add(name string, typ Type, reserved bool) Field {
	f := Field{Name: name, Type: typ, Ordinal: len(r.fields), Reserved: reserved}
	r.fields = append(r.fields, f)
	r.byName[name] = f.Ordinal
	return f
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("%w: %q uses the reserved '_' prefix", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, " \t\r\n:\"()+-") {
		return fmt.Errorf("%w: %q contains query syntax characters", ErrInvalidName, name)
	}
	return nil
}
