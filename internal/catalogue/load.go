package catalogue

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Load parses and validates a catalogue document, porting the validation
// rules of extensions.py's _parse_parameter_spec/_parse_action_spec family.
// Any violation returns a *SchemaError naming the offending path.
func Load(document []byte) (Catalogue, error) {
	var root documentRoot
	if err := yaml.Unmarshal(document, &root); err != nil {
		return Catalogue{}, fmt.Errorf("parsing catalogue yaml: %w", err)
	}

	if root.Version <= 0 {
		return Catalogue{}, schemaErrorf("version", "version must be a positive integer, got %d", root.Version)
	}

	defaultSnapshot := true
	if root.Defaults.SnapshotValue != nil {
		defaultSnapshot = *root.Defaults.SnapshotValue
	}
	var defaultRampIntervalS *float64
	if root.Defaults.RampDefaultIntervalS != nil {
		defaultRampIntervalS = root.Defaults.RampDefaultIntervalS
	}

	parameters := make(map[string]ParameterSpec, len(root.Parameters))
	for name, doc := range root.Parameters {
		spec, err := parseParameterSpec(name, doc, defaultSnapshot, defaultRampIntervalS)
		if err != nil {
			return Catalogue{}, err
		}
		parameters[name] = spec
	}

	actions := make(map[string]ActionSpec, len(root.Actions))
	for name, doc := range root.Actions {
		spec, err := parseActionSpec(name, doc)
		if err != nil {
			return Catalogue{}, err
		}
		actions[name] = spec
	}

	return Catalogue{
		Version:    root.Version,
		parameters: parameters,
		actions:    actions,
	}, nil
}

func parseParameterSpec(name string, doc documentParameter, defaultSnapshot bool, defaultRampIntervalS *float64) (ParameterSpec, error) {
	path := fmt.Sprintf("parameters.%s", name)

	if doc.GetCmd == nil && doc.SetCmd == nil {
		return ParameterSpec{}, schemaErrorf(path, "parameter must declare get_cmd, set_cmd, or both")
	}

	rawValueType := doc.ValueType
	if rawValueType == "" {
		rawValueType = string(ValueFloat)
	}
	valueType, err := parseValueType(path+".value_type", rawValueType)
	if err != nil {
		return ParameterSpec{}, err
	}

	label := doc.Label
	if label == "" {
		label = name
	}

	spec := ParameterSpec{
		Name:      name,
		Label:     label,
		Unit:      doc.Unit,
		ValueType: valueType,
	}
	if doc.SnapshotValue != nil {
		spec.SnapshotValue = *doc.SnapshotValue
	} else {
		spec.SnapshotValue = defaultSnapshot
	}

	if doc.GetCmd != nil {
		readSpec, err := parseReadCommand(path+".get_cmd", *doc.GetCmd)
		if err != nil {
			return ParameterSpec{}, err
		}
		spec.ReadCommand = &readSpec
	}

	if doc.SetCmd != nil {
		if doc.SetCmd.Command == "" {
			return ParameterSpec{}, schemaErrorf(path+".set_cmd.command", "command must not be empty")
		}
		if doc.SetCmd.ValueArg == "" {
			return ParameterSpec{}, schemaErrorf(path+".set_cmd.value_arg", "value_arg must not be empty")
		}
		writeSpec := WriteCommandSpec{
			Command:  doc.SetCmd.Command,
			ValueArg: doc.SetCmd.ValueArg,
			Args:     doc.SetCmd.Args,
		}
		for _, f := range doc.SetCmd.ArgFields {
			writeSpec.ArgFields = append(writeSpec.ArgFields, ArgFieldSpec{
				Name:        f.Name,
				Type:        f.Type,
				Required:    f.Required,
				Description: f.Description,
			})
		}
		spec.WriteCommand = &writeSpec

		if doc.Safety == nil {
			return ParameterSpec{}, schemaErrorf(path+".safety", "writable parameter must declare a safety block")
		}
		safety, err := parseSafety(path+".safety", *doc.Safety, defaultRampIntervalS)
		if err != nil {
			return ParameterSpec{}, err
		}
		spec.Safety = &safety
	} else if doc.Safety != nil {
		return ParameterSpec{}, schemaErrorf(path+".safety", "safety block is only valid on a writable parameter")
	}

	if doc.Vals != nil {
		validator, err := parseValidator(path+".vals", *doc.Vals)
		if err != nil {
			return ParameterSpec{}, err
		}
		spec.Validator = &validator
	}

	return spec, nil
}

func parseValueType(path, raw string) (ValueType, error) {
	switch ValueType(raw) {
	case ValueFloat, ValueInt, ValueBool, ValueStr:
		return ValueType(raw), nil
	default:
		return "", schemaErrorf(path, "unknown value_type %q, want one of float, int, bool, str", raw)
	}
}

func parseReadCommand(path string, doc documentReadCommand) (ReadCommandSpec, error) {
	if doc.Command == "" {
		return ReadCommandSpec{}, schemaErrorf(path+".command", "command must not be empty")
	}
	payloadIndex := 0
	if doc.PayloadIndex != nil {
		if *doc.PayloadIndex < 0 {
			return ReadCommandSpec{}, schemaErrorf(path+".payload_index", "payload_index must be >= 0, got %d", *doc.PayloadIndex)
		}
		payloadIndex = *doc.PayloadIndex
	}
	spec := ReadCommandSpec{
		Command:      doc.Command,
		PayloadIndex: payloadIndex,
		Args:         doc.Args,
	}
	for _, f := range doc.ResponseFields {
		if f.Index < 0 {
			return ReadCommandSpec{}, schemaErrorf(path+".response_fields", "response field %q has negative index %d", f.Name, f.Index)
		}
		spec.ResponseFields = append(spec.ResponseFields, ResponseFieldSpec{
			Index:       f.Index,
			Name:        f.Name,
			Type:        f.Type,
			Unit:        f.Unit,
			Description: f.Description,
		})
	}
	return spec, nil
}

func parseValidator(path string, doc documentValidator) (ValidatorSpec, error) {
	kind := ValidatorKind(doc.Kind)
	switch kind {
	case ValidatorNumbers, ValidatorInts:
		if doc.Min != nil && doc.Max != nil && *doc.Max <= *doc.Min {
			return ValidatorSpec{}, schemaErrorf(path, "max (%v) must be greater than min (%v)", *doc.Max, *doc.Min)
		}
	case ValidatorEnum:
		if len(doc.Choices) == 0 {
			return ValidatorSpec{}, schemaErrorf(path+".choices", "enum validator requires at least one choice")
		}
	case ValidatorBool, ValidatorNone:
		// no additional constraints
	default:
		return ValidatorSpec{}, schemaErrorf(path+".kind", "unknown validator kind %q", doc.Kind)
	}
	return ValidatorSpec{
		Kind:    kind,
		Min:     doc.Min,
		Max:     doc.Max,
		Choices: doc.Choices,
	}, nil
}

func parseSafety(path string, doc documentSafety, defaultRampIntervalS *float64) (SafetySpec, error) {
	if doc.RequireConfirmation != nil {
		return SafetySpec{}, schemaErrorf(path+".require_confirmation", "require_confirmation is no longer supported; guarded writes are enforced by policy limits alone")
	}
	if doc.Min != nil && doc.Max != nil && *doc.Max <= *doc.Min {
		return SafetySpec{}, schemaErrorf(path, "max (%v) must be greater than min (%v)", *doc.Max, *doc.Min)
	}
	if doc.MaxStep != nil && *doc.MaxStep <= 0 {
		return SafetySpec{}, schemaErrorf(path+".max_step", "max_step must be > 0, got %v", *doc.MaxStep)
	}
	if doc.MaxSlewPerS != nil && *doc.MaxSlewPerS <= 0 {
		return SafetySpec{}, schemaErrorf(path+".max_slew_per_s", "max_slew_per_s must be > 0, got %v", *doc.MaxSlewPerS)
	}
	cooldown := 0.0
	if doc.CooldownS != nil {
		if *doc.CooldownS < 0 {
			return SafetySpec{}, schemaErrorf(path+".cooldown_s", "cooldown_s must be >= 0, got %v", *doc.CooldownS)
		}
		cooldown = *doc.CooldownS
	}

	rampEnabled := false
	if doc.RampEnabled != nil {
		rampEnabled = *doc.RampEnabled
	}
	rampIntervalS := defaultRampIntervalS
	if doc.RampIntervalS != nil {
		rampIntervalS = doc.RampIntervalS
	}
	if rampIntervalS != nil && *rampIntervalS <= 0 {
		return SafetySpec{}, schemaErrorf(path+".ramp_interval_s", "ramp_interval_s must be > 0, got %v", *rampIntervalS)
	}
	if rampEnabled {
		if rampIntervalS == nil {
			return SafetySpec{}, schemaErrorf(path+".ramp_interval_s", "ramp_enabled requires ramp_interval_s (directly or via defaults.ramp_default_interval_s)")
		}
		if doc.MaxStep == nil {
			return SafetySpec{}, schemaErrorf(path+".max_step", "ramp_enabled requires max_step")
		}
	}

	return SafetySpec{
		Min:           doc.Min,
		Max:           doc.Max,
		MaxStep:       doc.MaxStep,
		MaxSlewPerS:   doc.MaxSlewPerS,
		CooldownS:     cooldown,
		RampEnabled:   rampEnabled,
		RampIntervalS: rampIntervalS,
	}, nil
}

func parseActionSpec(name string, doc documentAction) (ActionSpec, error) {
	path := fmt.Sprintf("actions.%s", name)

	if doc.ActionCmd.Command == "" {
		return ActionSpec{}, schemaErrorf(path+".action_cmd.command", "command must not be empty")
	}

	argTypes := make(map[string]ValueType, len(doc.ActionCmd.ArgTypes))
	for argName, raw := range doc.ActionCmd.ArgTypes {
		vt, err := parseValueType(fmt.Sprintf("%s.action_cmd.arg_types.%s", path, argName), raw)
		if err != nil {
			return ActionSpec{}, err
		}
		argTypes[argName] = vt
	}

	command := ActionCommandSpec{
		Command:     doc.ActionCmd.Command,
		Args:        doc.ActionCmd.Args,
		ArgTypes:    argTypes,
		Description: doc.ActionCmd.Description,
	}
	for _, f := range doc.ActionCmd.ArgFields {
		command.ArgFields = append(command.ArgFields, ArgFieldSpec{
			Name:        f.Name,
			Type:        f.Type,
			Required:    f.Required,
			Description: f.Description,
		})
	}

	mode := SafetyGuarded
	if doc.Safety != nil {
		switch ActionSafetyMode(doc.Safety.Mode) {
		case SafetyAlwaysAllowed, SafetyGuarded, SafetyBlocked:
			mode = ActionSafetyMode(doc.Safety.Mode)
		default:
			return ActionSpec{}, schemaErrorf(path+".safety.mode", "unknown action safety mode %q, want one of alwaysAllowed, guarded, blocked", doc.Safety.Mode)
		}
	}

	return ActionSpec{
		Name:       name,
		Command:    command,
		SafetyMode: mode,
	}, nil
}
