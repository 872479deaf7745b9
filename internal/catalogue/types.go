// Package catalogue parses and validates the declarative document describing
// the controller's named parameters and actions, grounded on the original
// Python qcodes_driver/extensions.py dataclass shapes.
package catalogue

import "sort"

// ValueType is the wire-level scalar type a parameter or action argument
// coerces to.
type ValueType string

const (
	ValueFloat ValueType = "float"
	ValueInt   ValueType = "int"
	ValueBool  ValueType = "bool"
	ValueStr   ValueType = "str"
)

// ValidatorKind selects which bounds-checking rule a ParameterSpec enforces.
type ValidatorKind string

const (
	ValidatorNumbers ValidatorKind = "numbers"
	ValidatorInts    ValidatorKind = "ints"
	ValidatorBool    ValidatorKind = "bool"
	ValidatorEnum    ValidatorKind = "enum"
	ValidatorNone    ValidatorKind = "none"
)

// ActionSafetyMode gates whether an ActionSpec may be executed.
type ActionSafetyMode string

const (
	SafetyAlwaysAllowed ActionSafetyMode = "alwaysAllowed"
	SafetyGuarded        ActionSafetyMode = "guarded"
	SafetyBlocked        ActionSafetyMode = "blocked"
)

// ResponseFieldSpec documents one element of a ReadCommandSpec's payload.
type ResponseFieldSpec struct {
	Index       int
	Name        string
	Type        string
	Unit        string
	Description string
}

// ArgFieldSpec documents one argument of a WriteCommandSpec or
// ActionCommandSpec.
type ArgFieldSpec struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// ReadCommandSpec is the wire command used to read a ParameterSpec's value.
type ReadCommandSpec struct {
	Command        string
	PayloadIndex   int
	Args           map[string]any
	Description    string
	ResponseFields []ResponseFieldSpec
}

// WriteCommandSpec is the wire command used to write a ParameterSpec's value.
type WriteCommandSpec struct {
	Command     string
	ValueArg    string
	Args        map[string]any
	Description string
	ArgFields   []ArgFieldSpec
}

// ValidatorSpec describes the set of values a ParameterSpec accepts. Load
// checks the validator's own shape (known kind, max > min, non-empty enum
// choices); no component checks read or written values against it.
type ValidatorSpec struct {
	Kind    ValidatorKind
	Min     *float64
	Max     *float64
	Choices []any
}

// SafetySpec bounds how a writable ParameterSpec may move.
type SafetySpec struct {
	Min            *float64
	Max            *float64
	MaxStep        *float64
	MaxSlewPerS    *float64
	CooldownS      float64
	RampEnabled    bool
	RampIntervalS  *float64
}

// ParameterSpec is a named readable and/or writable scalar exposed by the
// controller. A spec has a ReadCommand or a WriteCommand or both; the
// Catalogue never admits one with neither.
type ParameterSpec struct {
	Name           string
	Label          string
	Unit           string
	ValueType      ValueType
	ReadCommand    *ReadCommandSpec
	WriteCommand   *WriteCommandSpec
	Validator      *ValidatorSpec
	Safety         *SafetySpec
	SnapshotValue  bool
}

// Readable reports whether the parameter declares a ReadCommand.
func (p ParameterSpec) Readable() bool { return p.ReadCommand != nil }

// Writable reports whether the parameter declares a WriteCommand.
func (p ParameterSpec) Writable() bool { return p.WriteCommand != nil }

// ActionCommandSpec is the wire command backing a named ActionSpec.
type ActionCommandSpec struct {
	Command     string
	Args        map[string]any
	ArgTypes    map[string]ValueType
	Description string
	ArgFields   []ArgFieldSpec
}

// ActionSpec is a named side-effect operation with no value semantics.
type ActionSpec struct {
	Name       string
	Command    ActionCommandSpec
	SafetyMode ActionSafetyMode
}

// Catalogue is the immutable, validated collection of parameters and actions
// loaded from a declarative document.
type Catalogue struct {
	Version    int
	parameters map[string]ParameterSpec
	actions    map[string]ActionSpec
}

// Parameter looks up a parameter by name.
func (c Catalogue) Parameter(name string) (ParameterSpec, bool) {
	spec, ok := c.parameters[name]
	return spec, ok
}

// Action looks up an action by name.
func (c Catalogue) Action(name string) (ActionSpec, bool) {
	spec, ok := c.actions[name]
	return spec, ok
}

// ParameterNames returns every declared parameter name, sorted.
func (c Catalogue) ParameterNames() []string {
	names := make([]string, 0, len(c.parameters))
	for name := range c.parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionNames returns every declared action name, sorted.
func (c Catalogue) ActionNames() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
