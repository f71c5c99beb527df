package model

// ActionKind is what a transition action does to a card.
type ActionKind string

const (
	ActionSetProperty    ActionKind = "set_property"
	ActionRemoveFromTree ActionKind = "remove_from_tree"
)

// TargetType names the entity a transition action points at.
type TargetType string

const (
	TargetPropertyDefinition TargetType = "property_definition"
	TargetTreeConfiguration  TargetType = "tree_configuration"
)

// ValueKind tags how a set_property action obtains its value.
type ValueKind string

const (
	ValueLiteral           ValueKind = "literal"
	ValueVariable          ValueKind = "variable"
	ValueNotSet            ValueKind = "not_set"
	ValueUserInputRequired ValueKind = "user_input_required"
	ValueUserInputOptional ValueKind = "user_input_optional"
)

// Action is a transition action in its tagged-variant form.
type Action struct {
	Kind       ActionKind
	TargetType TargetType
	TargetID   int64
	ValueKind  ValueKind
	Value      string
	VariableID int64
}

// ActionFromRow decodes a transition_actions row.
func ActionFromRow(r Row) Action {
	a := Action{
		Kind:       ActionKind(r.String("action_kind")),
		TargetType: TargetType(r.String("target_type")),
		ValueKind:  ValueKind(r.String("value_kind")),
		Value:      r.String("value"),
	}
	a.TargetID, _ = r.Int("target_id")
	a.VariableID, _ = r.Int("variable_id")
	return a
}

// Apply writes the action's variant fields back onto r.
func (a Action) Apply(r Row) {
	r.Set("action_kind", string(a.Kind))
	r.Set("target_type", string(a.TargetType))
	r.SetInt("target_id", a.TargetID)
	r.Set("value_kind", string(a.ValueKind))
	if a.ValueKind == ValueLiteral {
		r.Set("value", a.Value)
	} else {
		r.SetNull("value")
	}
	if a.ValueKind == ValueVariable && a.VariableID != 0 {
		r.SetInt("variable_id", a.VariableID)
	} else {
		r.SetNull("variable_id")
	}
}

// RequireInput replaces the action's value with a prompt the user must answer.
func (a Action) RequireInput() Action {
	a.ValueKind = ValueUserInputRequired
	a.Value = ""
	a.VariableID = 0
	return a
}

// Unset clears the value so the action sets the property to "not set".
func (a Action) Unset() Action {
	a.ValueKind = ValueNotSet
	a.Value = ""
	a.VariableID = 0
	return a
}
