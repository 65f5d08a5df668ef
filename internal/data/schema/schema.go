// Package schema holds the explicit registration of player-data schemas.
// Every stored field is declared up front with its column name and type, so
// backends map rows without reflection and the mapping is auditable.
package schema

import (
	"fmt"
	"sync"
)

// FieldType enumerates the storable field types.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeJSON
)

// BackendKind classifies where a schema's data lives. The query optimizer
// uses it for statistics defaults and pushdown decisions.
type BackendKind int

const (
	KindSQL BackendKind = iota
	KindDocument
	KindJSON
)

func (k BackendKind) String() string {
	switch k {
	case KindSQL:
		return "sql"
	case KindDocument:
		return "document"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Column declares one stored field.
type Column struct {
	Name    string
	Type    FieldType
	Indexed bool
	Default any
}

// Schema describes one player-data table or collection. The primary key
// column always holds the player uuid.
type Schema struct {
	Key        string // registry key, e.g. "profiles"
	Table      string // SQL table name / JSON collection name
	PrimaryKey string // uuid column, "uuid" by default
	Columns    []Column
}

// Column looks a declared column up by name.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order, primary key first.
func (s *Schema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns)+1)
	names = append(names, s.PrimaryKey)
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Registry is the process-wide schema catalog. Entries are registered at
// startup and never mutated afterwards.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema. Key collisions and missing pieces are programmer
// errors and fail loudly.
func (r *Registry) Register(s *Schema) error {
	if s.Key == "" || s.Table == "" {
		return fmt.Errorf("schema: key and table are required")
	}
	if s.PrimaryKey == "" {
		s.PrimaryKey = "uuid"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.Key]; exists {
		return fmt.Errorf("schema: %q already registered", s.Key)
	}
	r.schemas[s.Key] = s
	return nil
}

// Get returns a registered schema.
func (r *Registry) Get(key string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key]
	return s, ok
}

// Keys lists all registered schema keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	return keys
}
