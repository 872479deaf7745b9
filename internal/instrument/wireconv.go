package instrument

import (
	"fmt"
	"sort"

	"github.com/BB-84C/nanonis-bridge/internal/catalogue"
	"github.com/BB-84C/nanonis-bridge/internal/transport"
)

// wireArgsFromFixed coerces a catalogue command's fixed argument map into
// wire values, in sorted key order for deterministic encoding.
func wireArgsFromFixed(command string, fixed map[string]any) (map[string]transport.WireValue, []string) {
	args := make(map[string]transport.WireValue, len(fixed))
	order := make([]string, 0, len(fixed))
	for name, raw := range fixed {
		v, err := inferWireValue(command, name, raw)
		if err != nil {
			// Load does not check fixed argument types; an argument whose
			// value has no wire form (a list or a map) is left out of the call.
			continue
		}
		args[name] = v
		order = append(order, name)
	}
	sort.Strings(order)
	return args, order
}

// inferWireValue guesses a WireValue's kind from a decoded YAML/JSON
// scalar's Go type, for call sites with no declared ValueType to coerce
// against (fixed command args, the backend-command escape hatch).
func inferWireValue(command, name string, raw any) (transport.WireValue, error) {
	switch t := raw.(type) {
	case float64:
		return transport.FloatValue(t), nil
	case float32:
		return transport.FloatValue(float64(t)), nil
	case int:
		return transport.IntValue(int64(t)), nil
	case int64:
		return transport.IntValue(t), nil
	case int32:
		return transport.IntValue(int64(t)), nil
	case bool:
		return transport.BoolValue(t), nil
	case string:
		return transport.StrValue(t), nil
	default:
		return transport.WireValue{}, &transport.InvalidArgument{Command: command, Message: fmt.Sprintf("argument %q: unsupported type %T", name, raw)}
	}
}

// coerceToValueType unwraps a response WireValue into the Go type
// matching a ParameterSpec's declared ValueType.
func coerceToValueType(v transport.WireValue, vt catalogue.ValueType) any {
	switch vt {
	case catalogue.ValueFloat:
		return v.Float()
	case catalogue.ValueInt:
		return v.Int()
	case catalogue.ValueBool:
		return v.Bool()
	case catalogue.ValueStr:
		return v.String()
	default:
		return v.Any()
	}
}

// wireKindForValueType maps a catalogue ValueType onto the matching
// transport WireKind; both enumerate the same four scalar wire types.
func wireKindForValueType(vt catalogue.ValueType) transport.WireKind {
	return transport.WireKind(vt)
}

// toFloat widens a Get result (float64, int64, or bool) to float64 for
// Policy, which reasons about channels purely numerically.
func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}
