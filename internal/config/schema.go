package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	configSchemaOnce sync.Once
	configSchemaJSON []byte
	configSchemaErr  error
)

// JSONSchema returns the JSON Schema describing ringdownd's Config struct
// (server/logging/tracing/llm/managed_av/features/defaults/agents), reading
// field names from each struct's `yaml` tag rather than its Go field name.
// The reflected schema is computed once and cached, since Config's shape
// never changes at runtime.
func JSONSchema() ([]byte, error) {
	configSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
		}
		schema := r.Reflect(&Config{})
		configSchemaJSON, configSchemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return configSchemaJSON, configSchemaErr
}
