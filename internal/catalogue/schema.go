package catalogue

import "github.com/invopop/jsonschema"

// DocumentJSONSchema returns the JSON Schema describing the catalogue
// document format, generated from documentRoot the same way the teacher's
// common/llm package reflects Go structs into tool schemas.
func DocumentJSONSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&documentRoot{})
}
