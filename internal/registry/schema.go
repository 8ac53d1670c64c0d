package registry

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a Go struct into the JSON-Schema document a Tool's
// Parameters() method returns, so tool authors can describe their
// arguments as a typed struct instead of hand-writing schema JSON.
//
// Grounded on the teacher repo's internal/config.JSONSchema, which uses
// the same invopop/jsonschema reflector (keyed off the "yaml" struct tag
// there; tools key off "json" here since tool arguments arrive as JSON).
func SchemaFor(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		FieldNameTag:             "json",
		ExpandedStruct:           true,
		DoNotReference:           true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	out, err := json.Marshal(schema)
	if err != nil {
		// A reflection failure means v is not a schema-able type, which is
		// a programming error in the calling tool, not a runtime failure;
		// a nil schema fails Register's missing-parameters check loudly,
		// where an empty object schema would silently accept untyped
		// arguments.
		return nil
	}
	return out
}
