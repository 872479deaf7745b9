package catalogue

// documentRoot mirrors the top-level YAML shape described in SPEC_FULL.md §6
// (version, defaults, parameters, actions). These structs exist purely for
// yaml.v3 unmarshaling; the validated, immutable form is ParameterSpec/
// ActionSpec in types.go.
type documentRoot struct {
	Version    int                         `yaml:"version" json:"version"`
	Defaults   documentDefaults            `yaml:"defaults" json:"defaults"`
	Parameters map[string]documentParameter `yaml:"parameters" json:"parameters"`
	Actions    map[string]documentAction     `yaml:"actions" json:"actions"`
}

type documentDefaults struct {
	SnapshotValue        *bool    `yaml:"snapshot_value" json:"snapshot_value,omitempty"`
	RampDefaultIntervalS *float64 `yaml:"ramp_default_interval_s" json:"ramp_default_interval_s,omitempty"`
}

type documentParameter struct {
	Label         string                    `yaml:"label" json:"label,omitempty"`
	Unit          string                    `yaml:"unit" json:"unit,omitempty"`
	ValueType     string                    `yaml:"value_type" json:"value_type,omitempty"`
	GetCmd        *documentReadCommand      `yaml:"get_cmd" json:"get_cmd,omitempty"`
	SetCmd        *documentWriteCommand     `yaml:"set_cmd" json:"set_cmd,omitempty"`
	Vals          *documentValidator        `yaml:"vals" json:"vals,omitempty"`
	Safety        *documentSafety           `yaml:"safety" json:"safety,omitempty"`
	SnapshotValue *bool                     `yaml:"snapshot_value" json:"snapshot_value,omitempty"`
}

type documentReadCommand struct {
	Command        string                    `yaml:"command" json:"command"`
	PayloadIndex   *int                      `yaml:"payload_index" json:"payload_index,omitempty"`
	Args           map[string]any            `yaml:"args" json:"args,omitempty"`
	ResponseFields []documentResponseField   `yaml:"response_fields" json:"response_fields,omitempty"`
}

type documentWriteCommand struct {
	Command   string              `yaml:"command" json:"command"`
	ValueArg  string              `yaml:"value_arg" json:"value_arg"`
	Args      map[string]any      `yaml:"args" json:"args,omitempty"`
	ArgFields []documentArgField  `yaml:"arg_fields" json:"arg_fields,omitempty"`
}

type documentResponseField struct {
	Index       int    `yaml:"index" json:"index"`
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type,omitempty"`
	Unit        string `yaml:"unit" json:"unit,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type documentArgField struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type documentValidator struct {
	Kind    string   `yaml:"kind" json:"kind,omitempty"`
	Min     *float64 `yaml:"min" json:"min,omitempty"`
	Max     *float64 `yaml:"max" json:"max,omitempty"`
	Choices []any    `yaml:"choices" json:"choices,omitempty"`
}

type documentSafety struct {
	Min           *float64 `yaml:"min" json:"min,omitempty"`
	Max           *float64 `yaml:"max" json:"max,omitempty"`
	MaxStep       *float64 `yaml:"max_step" json:"max_step,omitempty"`
	MaxSlewPerS   *float64 `yaml:"max_slew_per_s" json:"max_slew_per_s,omitempty"`
	CooldownS     *float64 `yaml:"cooldown_s" json:"cooldown_s,omitempty"`
	RampEnabled   *bool    `yaml:"ramp_enabled" json:"ramp_enabled,omitempty"`
	RampIntervalS *float64 `yaml:"ramp_interval_s" json:"ramp_interval_s,omitempty"`

	// RequireConfirmation is parsed only so Load can reject it by name; the
	// confirmation-gate was removed from the core policy (SPEC_FULL.md §9).
	RequireConfirmation *bool `yaml:"require_confirmation" json:"require_confirmation,omitempty"`
}

type documentAction struct {
	ActionCmd documentActionCommand `yaml:"action_cmd" json:"action_cmd"`
	Safety    *documentActionSafety `yaml:"safety" json:"safety,omitempty"`
}

type documentActionCommand struct {
	Command     string              `yaml:"command" json:"command"`
	Args        map[string]any      `yaml:"args" json:"args,omitempty"`
	ArgTypes    map[string]string   `yaml:"arg_types" json:"arg_types,omitempty"`
	Description string              `yaml:"description" json:"description,omitempty"`
	ArgFields   []documentArgField  `yaml:"arg_fields" json:"arg_fields,omitempty"`
}

type documentActionSafety struct {
	Mode string `yaml:"mode" json:"mode,omitempty"`
}
