package catalogue

import "fmt"

// SchemaError reports a document that fails validation, naming the offending
// path (e.g. "parameters.bias_v.safety.max_step") and the rule it breaks.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("catalogue schema error at %s: %s", e.Path, e.Message)
}

func schemaErrorf(path, format string, args ...any) error {
	return &SchemaError{Path: path, Message: fmt.Sprintf(format, args...)}
}
