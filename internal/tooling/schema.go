package tooling

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// draft202012 is the JSON Schema draft identifier spec.md §3/§9 requires on
// every exported tool schema.
const draft202012 = "https://json-schema.org/draft/2020-12/schema"

// reflectArgSchema generates a draft 2020-12 JSON Schema for a tool's
// ArgsType, forcing `#/$defs/...` refs — never `#/components/...` — via
// invopop/jsonschema's RefTemplate, grounded on spec.md §9's
// `ref_template = "#/$defs/{model}"` note.
func reflectArgSchema(argsType any) (json.RawMessage, error) {
	if argsType == nil {
		// A tool with no arguments still exports a valid, empty object
		// schema rather than omitting ArgSchema.
		return json.RawMessage(fmt.Sprintf(`{"$schema":%q,"type":"object","additionalProperties":false}`, draft202012)), nil
	}

	reflector := &jsonschema.Reflector{
		RefTemplate:                "#/$defs/%s",
		DoNotReference:             false,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
	}
	schema := reflector.Reflect(argsType)
	schema.Version = draft202012

	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tooling: reflect arg schema: %w", err)
	}
	return out, nil
}
