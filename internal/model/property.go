package model

import (
	"fmt"
	"strings"
)

// PropertyKind is the data kind of a property definition.
type PropertyKind string

const (
	PropertyEnumerated       PropertyKind = "enumerated"
	PropertyText             PropertyKind = "text"
	PropertyNumber           PropertyKind = "number"
	PropertyDate             PropertyKind = "date"
	PropertyUser             PropertyKind = "user"
	PropertyCard             PropertyKind = "card"
	PropertyTreeRelationship PropertyKind = "tree_relationship"
)

var validPropertyKinds = []PropertyKind{
	PropertyEnumerated,
	PropertyText,
	PropertyNumber,
	PropertyDate,
	PropertyUser,
	PropertyCard,
	PropertyTreeRelationship,
}

// ValidatePropertyKind returns an error if k is not a recognized property kind.
func ValidatePropertyKind(k PropertyKind) error {
	for _, v := range validPropertyKinds {
		if k == v {
			return nil
		}
	}
	return fmt.Errorf("invalid property kind %q: must be one of %v", k, validPropertyKinds)
}

// RefersToUser reports whether values of this kind are user ids.
func (k PropertyKind) RefersToUser() bool {
	return k == PropertyUser
}

// RefersToCard reports whether values of this kind are card ids.
func (k PropertyKind) RefersToCard() bool {
	return k == PropertyCard || k == PropertyTreeRelationship
}

// PropertyColumnPrefix prefixes every dynamic property column on card tables.
const PropertyColumnPrefix = "cp_"

// IsPropertyColumn reports whether col is a dynamic property column.
func IsPropertyColumn(col string) bool {
	return strings.HasPrefix(col, PropertyColumnPrefix)
}

// PropertyDefinition describes one card property of a project.
type PropertyDefinition struct {
	ID                  int64
	Name                string
	Kind                PropertyKind
	ColumnName          string
	Restricted          bool
	TreeConfigurationID int64
}

// VariableType is the data type of a project variable.
type VariableType string

const (
	VariableString VariableType = "string"
	VariableNumber VariableType = "number"
	VariableDate   VariableType = "date"
	VariableUser   VariableType = "user"
	VariableCard   VariableType = "card"
)

var validVariableTypes = []VariableType{
	VariableString,
	VariableNumber,
	VariableDate,
	VariableUser,
	VariableCard,
}

// ValidateVariableType returns an error if t is not a recognized variable type.
func ValidateVariableType(t VariableType) error {
	for _, v := range validVariableTypes {
		if t == v {
			return nil
		}
	}
	return fmt.Errorf("invalid variable type %q: must be one of %v", t, validVariableTypes)
}
