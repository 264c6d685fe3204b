package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// definitionSchema is the JSON Schema for workflow definition documents.
// YAML definitions go through the strict decoder instead; the schema covers
// the JSON surface used by embedders and the validate command.
const definitionSchema = `{
  "type": "object",
  "required": ["name", "stages"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "task"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "task": {"type": "string", "minLength": 1},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "kind": {"enum": ["code", "documentation"]},
          "agent_id": {"type": "string"},
          "timeout_minutes": {"type": "integer", "minimum": 0},
          "retries": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    },
    "stop_on_error": {"type": "boolean"},
    "retry_on_failure": {"type": "integer", "minimum": 0},
    "stage_timeout_minutes": {"type": "integer", "minimum": 0},
    "working_directory": {"type": "string"},
    "iteration_enabled": {"type": "boolean"},
    "max_iterations": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("definition.json", strings.NewReader(definitionSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("definition.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks a raw JSON definition document against the workflow
// definition schema.
func ValidateSchema(raw []byte) error {
	schema, err := compiledDefinitionSchema()
	if err != nil {
		return fmt.Errorf("compile definition schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("definition schema: %w", err)
	}
	return nil
}
