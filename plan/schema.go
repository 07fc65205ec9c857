package plan

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchema constrains raw plan documents before structural validation.
// Detail values are scalars or data-reference strings; nested structures
// must be stringified by the producer per the wire contract.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "goal", "tasks"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "goal": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["task_id", "agent", "details", "dependencies"],
        "properties": {
          "task_id": {"type": "string", "minLength": 1},
          "agent": {"type": "string", "minLength": 1},
          "details": {
            "type": "object",
            "additionalProperties": {
              "type": ["string", "number", "boolean", "null"]
            }
          },
          "dependencies": {
            "type": "array",
            "items": {"type": "string", "minLength": 1},
            "uniqueItems": true
          }
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("plan.json")
	})
	return compiledSchema, compileErr
}

// validateSchema checks a raw plan document against the plan JSON Schema.
func validateSchema(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.Validate(doc)
}
