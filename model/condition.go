package model

// Condition kinds.
const (
	ConditionSimple   = "simple"
	ConditionCompound = "compound"
)

// Compound condition logic.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Condition is a tagged union: a simple field comparison or a compound
// AND/OR over nested conditions. An empty Type is inferred from which
// fields are set.
type Condition struct {
	Type       string      `json:"type,omitempty" yaml:"type,omitempty"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any         `json:"value,omitempty" yaml:"value,omitempty"`
	Logic      string      `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Kind returns the effective condition kind.
func (c Condition) Kind() string {
	if c.Type != "" {
		return c.Type
	}
	if c.Logic != "" || len(c.Conditions) > 0 {
		return ConditionCompound
	}
	return ConditionSimple
}
