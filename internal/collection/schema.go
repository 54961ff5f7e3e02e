package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordInputSchemaURL = "https://qbanksync.local/schemas/record-input.json"

// RecordInputSchema is the JSON Schema every create, update and restore
// payload must satisfy. The stub service validates with the same document.
const RecordInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt", "difficulty", "status"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 4000},
    "choices": {"type": "array", "maxItems": 10, "items": {"type": "string", "minLength": 1}},
    "answer": {"type": "string"},
    "explanation": {"type": "string"},
    "topic_id": {"type": "integer", "minimum": 1},
    "topic": {"type": "string"},
    "difficulty": {"enum": ["easy", "medium", "hard"]},
    "status": {"enum": ["draft", "review", "published", "archived"]},
    "tags": {"type": "array", "maxItems": 20, "items": {"type": "string"}}
  }
}`

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(RecordInputSchema))
		if err != nil {
			recordSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordInputSchemaURL, doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile(recordInputSchemaURL)
	})
	return recordSchema, recordSchemaErr
}

// ValidateInput checks in against RecordInputSchema. Failures wrap ErrInvalidInput.
func ValidateInput(in RecordInput) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return ValidateInputJSON(payload)
}

// ValidateInputJSON validates a raw JSON payload against RecordInputSchema.
func ValidateInputJSON(payload []byte) error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return fmt.Errorf("compile record schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
