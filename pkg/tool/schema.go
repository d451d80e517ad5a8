package tool

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// ConvertSchema converts a JSON Schema into the schema form Gemini function declarations use
func ConvertSchema(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	out := &genai.Schema{
		Description: schema.Description,
	}

	switch schema.Type {
	case "object":
		out.Type = genai.TypeObject
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	default:
		if schema.Type != "" {
			return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
		}
	}

	if len(schema.Enum) > 0 {
		out.Enum = make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			s, ok := v.(string)
			if !ok {
				return nil, goerr.New("only string enums are supported", goerr.V("value", v))
			}
			out.Enum = append(out.Enum, s)
		}
	}

	out.Minimum = schema.Minimum
	out.Maximum = schema.Maximum
	if schema.MinLength != nil {
		v := int64(*schema.MinLength)
		out.MinLength = &v
	}
	if schema.MaxLength != nil {
		v := int64(*schema.MaxLength)
		out.MaxLength = &v
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			converted, err := ConvertSchema(prop)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			out.Properties[name] = converted
		}
	}

	if len(schema.Required) > 0 {
		out.Required = schema.Required
	}

	if schema.Items != nil {
		converted, err := ConvertSchema(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		out.Items = converted
	}

	return out, nil
}

// Closed returns an object schema that rejects properties it does not declare
func Closed(properties map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           properties,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}
