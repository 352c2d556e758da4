package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/webagent/pkg/agent"
	"github.com/xeipuuv/gojsonschema"
)

// payloadSchemas describes the payload of each built-in command type.
// Extra properties are tolerated so the server can evolve payloads.
var payloadSchemas = map[string]map[string]interface{}{
	agent.CommandOpenURL: {
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "minLength": 1},
		},
		"required": []string{"url"},
	},
	agent.CommandFillSelector: {
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{"type": "string", "minLength": 1},
			"value":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"selector"},
	},
	agent.CommandClickSelector: {
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{"type": "string", "minLength": 1},
		},
		"required": []string{"selector"},
	},
}

// compileSchemas builds the validators for every known payload
func compileSchemas() (map[string]*gojsonschema.Schema, error) {
	schemas := make(map[string]*gojsonschema.Schema, len(payloadSchemas))
	for commandType, schemaMap := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", commandType, err)
		}
		schemas[commandType] = schema
	}
	return schemas, nil
}

// validatePayload checks payload against schema. An absent payload validates as {}.
func validatePayload(schema *gojsonschema.Schema, payload json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("invalid payload: %v", err),
		}
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &BrowserError{
			Code:    ErrCodeValidation,
			Message: "invalid payload: " + strings.Join(problems, "; "),
			Details: problems,
		}
	}

	return nil
}
