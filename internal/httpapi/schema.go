package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSchemaURL = "https://relaysync.dev/schemas/workspace-webhook.json"

const webhookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "page"],
  "properties": {
    "object": {"type": "string"},
    "event": {"type": "string", "minLength": 1},
    "page": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "parent": {"type": ["string", "object", "null"]}
      }
    }
  }
}`

var webhookSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse webhook schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(webhookSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("add webhook schema: %v", err))
	}
	schema, err := compiler.Compile(webhookSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile webhook schema: %v", err))
	}
	return schema
}()

func validateWebhookBody(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %v", err)
	}
	if err := webhookSchema.Validate(instance); err != nil {
		return fmt.Errorf("webhook body does not match schema: %v", err)
	}
	return nil
}
