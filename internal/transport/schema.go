package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-gateway/internal/model"
)

// mcpSchemaToMap flattens an mcp.ToolInputSchema down to the plain
// map[string]any shape model.Tool.InputSchema carries, reusing mcp-go's
// own schema struct as the intermediate representation the way the teacher's
// convertToMCPSchema builds one before handing it to an mcp.Tool.
func mcpSchemaToMap(s mcp.ToolInputSchema) map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": s.Type, "properties": s.Properties, "required": s.Required}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"type": s.Type, "properties": s.Properties, "required": s.Required}
	}
	return m
}

// keywordParams is the heuristic parameter-hint table from spec §4.1,
// grounded on original_source's SchemaEnhancer._infer_common_parameters.
var keywordParams = []struct {
	keywords []string
	name     string
	schema   map[string]any
}{
	{[]string{"search", "query", "find"}, "query", map[string]any{"type": "string", "description": "Search query or terms"}},
	{[]string{"read", "get", "fetch"}, "path", map[string]any{"type": "string", "description": "Path or identifier to read"}},
	{[]string{"read", "get", "fetch"}, "uri", map[string]any{"type": "string", "description": "URI to fetch"}},
	{[]string{"write", "update"}, "content", map[string]any{"type": "string", "description": "Content to write"}},
	{[]string{"file", "path"}, "file_path", map[string]any{"type": "string", "description": "File path"}},
}

func inferCommonParameters(toolName string) map[string]any {
	lower := strings.ToLower(toolName)
	params := map[string]any{}
	for _, kp := range keywordParams {
		for _, kw := range kp.keywords {
			if strings.Contains(lower, kw) {
				params[kp.name] = kp.schema
				break
			}
		}
	}
	return params
}

// synthesizeSchema builds a usable object schema for a tool whose upstream
// supplied none, per spec §4.1 step 1.
func synthesizeSchema(tool model.Tool) map[string]any {
	properties := map[string]any{}
	if params := inferCommonParameters(tool.Name); len(params) > 0 {
		properties = params
	}
	schema := mcpSchemaToMap(mcp.ToolInputSchema{Type: "object", Properties: properties})
	schema["additionalProperties"] = true
	return schema
}

// fastArgument is the {name,type,required,description} shape some Fast
// upstreams use instead of JSON Schema for tools/list.
type fastArgument struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// normalizeSchema applies spec §4.1's three normalization steps to one
// tool's input schema, returning the enhanced schema. It never mutates its
// input and keeps no hidden state — normalization is pure.
func normalizeSchema(tool model.Tool, framework model.Framework, rawArguments []fastArgument) map[string]any {
	schema := tool.InputSchema

	if len(schema) == 0 {
		schema = synthesizeSchema(tool)
	} else {
		// copy before mutating so callers' originals are untouched.
		copied := make(map[string]any, len(schema))
		for k, v := range schema {
			if props, ok := v.(map[string]any); ok && k == "properties" {
				propsCopy := make(map[string]any, len(props))
				for pk, pv := range props {
					propsCopy[pk] = pv
				}
				v = propsCopy
			}
			copied[k] = v
		}
		schema = copied
	}

	if framework == model.FrameworkFast && len(rawArguments) > 0 {
		properties := map[string]any{}
		var required []string
		for _, arg := range rawArguments {
			t := arg.Type
			if t == "" {
				t = "string"
			}
			properties[arg.Name] = map[string]any{
				"type":        t,
				"description": arg.Description,
			}
			if arg.Required {
				required = append(required, arg.Name)
			}
		}
		schema = mcpSchemaToMap(mcp.ToolInputSchema{Type: "object", Properties: properties, Required: required})
	}

	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if schema["type"] == "object" {
		if _, ok := schema["properties"]; !ok {
			schema["properties"] = map[string]any{}
		}
	}

	return schema
}

// needsJSONEncodedArgument reports whether a Fast upstream requires this
// argument's nested object/array value to be pre-serialized as a JSON
// string, per spec §4.1's argument-encoding bullet and SPEC_FULL.md §4.
var jsonEncodedArgNames = map[string]struct{}{
	"config": {}, "options": {}, "data": {}, "payload": {},
}

func needsJSONEncodedArgument(framework model.Framework, argName string, value any) bool {
	if framework != model.FrameworkFast {
		return false
	}
	switch value.(type) {
	case map[string]any, []any:
	default:
		return false
	}
	_, ok := jsonEncodedArgNames[strings.ToLower(argName)]
	return ok
}

// encodeFastArguments pre-serializes values flagged by needsJSONEncodedArgument.
func encodeFastArguments(framework model.Framework, args map[string]any) map[string]any {
	if framework != model.FrameworkFast || len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if needsJSONEncodedArgument(framework, k, v) {
			out[k] = jsonEncode(v)
			continue
		}
		out[k] = v
	}
	return out
}

func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
