package ports

import (
	"fmt"
	"strings"
)

// MappingType describes how fetched entities relate to a key.
type MappingType string

const (
	// OneToOne maps each key to at most one entity.
	OneToOne MappingType = "one_to_one"
	// OneToMany maps each key to a list of entities.
	OneToMany MappingType = "one_to_many"
	// ManyToMany reads several keys from one property (a collection or a
	// separator-joined string) and maps them to the list of matched entities.
	ManyToMany MappingType = "many_to_many"
	// Mapped uses the target object itself as the container key.
	Mapped MappingType = "mapped"
)

// String returns the string representation of the mapping type.
func (m MappingType) String() string {
	return string(m)
}

// IsValid reports whether m is a known mapping type.
func (m MappingType) IsValid() bool {
	switch m {
	case OneToOne, OneToMany, ManyToMany, Mapped:
		return true
	default:
		return false
	}
}

// IsMulti reports whether the scattered value is a list.
func (m MappingType) IsMulti() bool {
	return m == OneToMany || m == ManyToMany
}

// ParseMappingType parses a mapping type name. Empty input yields OneToOne.
// Hyphens and case are ignored so "one-to-many" and "ONE_TO_MANY" both parse.
func ParseMappingType(s string) (MappingType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	if s == "" {
		return OneToOne, nil
	}

	m := MappingType(s)
	if !m.IsValid() {
		return "", fmt.Errorf("unknown mapping type %q", s)
	}
	return m, nil
}
