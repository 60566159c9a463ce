// Copyright 2025 James Ross
package queue

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const extractionSchema = `{
  "type": "object",
  "required": ["message_id", "tenant_id", "integration_id", "job_id", "provider", "kind"],
  "properties": {
    "message_id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1},
    "integration_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "enum": ["jira", "github"]},
    "kind": {"type": "string", "minLength": 1}
  }
}`

const transformSchema = `{
  "type": "object",
  "required": ["message_id", "tenant_id", "integration_id", "job_id", "raw_id"],
  "properties": {
    "message_id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1},
    "integration_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string", "minLength": 1},
    "raw_id": {"type": "string", "minLength": 1}
  }
}`

const embeddingSchema = `{
  "type": "object",
  "required": ["message_id", "tenant_id", "integration_id", "job_id", "table_name", "type"],
  "properties": {
    "message_id": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1},
    "integration_id": {"type": "string", "minLength": 1},
    "job_id": {"type": "string", "minLength": 1},
    "table_name": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1}
  }
}`

// compileSchemas returns the compiled envelope validator for each stage. Compiled once
// at Manager construction so Publish pays only validation cost, not parse cost.
func compileSchemas() (map[Stage]*gojsonschema.Schema, error) {
	sl := gojsonschema.NewSchemaLoader()
	out := map[Stage]*gojsonschema.Schema{}
	for stage, raw := range map[Stage]string{
		StageExtraction: extractionSchema,
		StageTransform:  transformSchema,
		StageEmbedding:  embeddingSchema,
	} {
		s, err := sl.Compile(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", stage, err)
		}
		out[stage] = s
	}
	return out, nil
}

func validate(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validate: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("envelope failed schema validation: %s", errs[0].String())
		}
		return fmt.Errorf("envelope failed schema validation")
	}
	return nil
}
