package translator

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Keys the upstream schema validator rejects; dropped wholesale before a
// tool schema is sent.
var excludedSchemaKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"minLength":            true,
	"maxLength":            true,
	"minItems":             true,
	"maxItems":             true,
	"uniqueItems":          true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
	"const":                true,
	"anyOf":                true,
	"oneOf":                true,
	"allOf":                true,
	"any_of":               true,
	"one_of":               true,
	"all_of":               true,
}

var supportedSchemaTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
	"null":    true,
}

// convertTools turns OpenAI tool declarations into upstream
// functionDeclarations. Tools whose schema does not survive cleaning and
// normalization are dropped with a warning rather than failing the request.
func (c *Converter) convertTools(openaiTools []any, sessionID, model string) []any {
	converted := []any{}
	for _, raw := range openaiTools {
		tool, ok := asMap(raw)
		if !ok || getString(tool, "type") != "function" {
			continue
		}
		fn, _ := asMap(tool["function"])
		originalName := getString(fn, "name")
		if originalName == "" {
			originalName = "unnamed_function"
		}
		safeName := SanitizeToolName(originalName)
		if sessionID != "" && model != "" {
			c.ToolNames.Store(sessionID, model, safeName, originalName)
		}

		var parameters map[string]any
		if params, ok := asMap(fn["parameters"]); ok {
			parameters, _ = cleanToolParameters(params).(map[string]any)
		}
		if parameters == nil {
			parameters = map[string]any{}
		}
		if parameters["type"] == nil {
			parameters["type"] = "object"
		}
		if parameters["type"] == "object" {
			if _, ok := asMap(parameters["properties"]); !ok {
				parameters["properties"] = map[string]any{}
			}
		}

		normalizeSchema(parameters)

		if !validateSchema(parameters, safeName) {
			log.Warnf("Skipping tool %s due to invalid schema", safeName)
			continue
		}

		converted = append(converted, map[string]any{
			"functionDeclarations": []any{
				map[string]any{
					"name":        safeName,
					"description": getString(fn, "description"),
					"parameters":  parameters,
				},
			},
		})
	}
	return converted
}

// cleanToolParameters deep-copies the schema tree while dropping every
// excluded key.
func cleanToolParameters(obj any) any {
	switch v := obj.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(v))
		for key, value := range v {
			if excludedSchemaKeys[key] {
				continue
			}
			cleaned[key] = cleanToolParameters(value)
		}
		return cleaned
	case []any:
		cleaned := make([]any, len(v))
		for i, item := range v {
			cleaned[i] = cleanToolParameters(item)
		}
		return cleaned
	default:
		return v
	}
}

// normalizeSchema lower-cases type names, recurses into every nested schema
// position and fills structural defaults (object properties, array items).
func normalizeSchema(schema map[string]any) {
	switch t := schema["type"].(type) {
	case string:
		schema["type"] = strings.ToLower(t)
	case []any:
		normalized := make([]any, len(t))
		for i, item := range t {
			if s, ok := item.(string); ok {
				normalized[i] = strings.ToLower(s)
			} else {
				normalized[i] = item
			}
		}
		schema["type"] = normalized
	}

	recurseSchema := func(v any) {
		if sub, ok := asMap(v); ok {
			normalizeSchema(sub)
		}
	}

	switch items := schema["items"].(type) {
	case map[string]any:
		normalizeSchema(items)
	case []any:
		for _, item := range items {
			recurseSchema(item)
		}
	}
	if prefixItems, ok := asSlice(schema["prefixItems"]); ok {
		for _, item := range prefixItems {
			recurseSchema(item)
		}
	}
	for _, key := range []string{"properties", "patternProperties", "definitions"} {
		if section, ok := asMap(schema[key]); ok {
			for _, sub := range section {
				recurseSchema(sub)
			}
		}
	}
	recurseSchema(schema["additionalProperties"])
	for _, key := range []string{"anyOf", "allOf", "oneOf"} {
		if options, ok := asSlice(schema[key]); ok {
			for _, option := range options {
				recurseSchema(option)
			}
		}
	}
	for _, key := range []string{"not", "if", "then", "else"} {
		recurseSchema(schema[key])
	}

	ensureSchemaDefaults(schema)
}

func ensureSchemaDefaults(schema map[string]any) {
	switch schema["type"] {
	case "object":
		if _, ok := asMap(schema["properties"]); !ok {
			schema["properties"] = map[string]any{}
		}
		switch required := schema["required"].(type) {
		case []any:
			strs := make([]any, 0, len(required))
			for _, item := range required {
				if s, ok := item.(string); ok {
					strs = append(strs, s)
				}
			}
			schema["required"] = strs
		case nil:
		default:
			schema["required"] = []any{fmt.Sprintf("%v", required)}
		}
	case "array":
		switch items := schema["items"].(type) {
		case map[string]any:
		case []any:
			fixed := make([]any, len(items))
			for i, item := range items {
				if m, ok := asMap(item); ok {
					fixed[i] = m
				} else {
					fixed[i] = map[string]any{}
				}
			}
			schema["items"] = fixed
		default:
			schema["items"] = map[string]any{}
		}
	}

	if enum, present := schema["enum"]; present && enum != nil {
		if _, ok := asSlice(enum); !ok {
			schema["enum"] = []any{enum}
		}
	}
}

// validateSchema reports whether the cleaned schema satisfies the upstream
// structural rules, logging each problem it finds.
func validateSchema(schema map[string]any, context string) bool {
	var errs []string
	validateSchemaRecursive(schema, context, &errs)
	for _, err := range errs {
		log.Warnf("Schema issue for %s: %s", context, err)
	}
	return len(errs) == 0
}

func validateSchemaRecursive(schema any, path string, errs *[]string) {
	node, ok := asMap(schema)
	if !ok {
		*errs = append(*errs, path+": schema must be an object")
		return
	}

	schemaType := node["type"]
	if t, ok := schemaType.(string); ok && !supportedSchemaTypes[t] {
		*errs = append(*errs, fmt.Sprintf("%s: unsupported type '%s'", path, t))
	}

	if schemaType == "object" {
		if props, present := node["properties"]; present && props != nil {
			if _, ok := asMap(props); !ok {
				*errs = append(*errs, path+": properties must be an object")
			}
		}
		if required, present := node["required"]; present && required != nil {
			list, ok := asSlice(required)
			if !ok {
				*errs = append(*errs, path+": required must be an array of strings")
			} else {
				for _, item := range list {
					if _, ok := item.(string); !ok {
						*errs = append(*errs, path+": required must be an array of strings")
						break
					}
				}
			}
		}
	}
	if schemaType == "array" {
		if items, present := node["items"]; present && items != nil {
			if _, isMap := asMap(items); !isMap {
				if _, isSlice := asSlice(items); !isSlice {
					*errs = append(*errs, path+": items must be an object or array")
				}
			}
		}
	}

	for _, key := range []string{"properties", "patternProperties", "definitions"} {
		if section, ok := asMap(node[key]); ok {
			for name, sub := range section {
				validateSchemaRecursive(sub, fmt.Sprintf("%s.%s.%s", path, key, name), errs)
			}
		}
	}
	switch items := node["items"].(type) {
	case map[string]any:
		validateSchemaRecursive(items, path+".items", errs)
	case []any:
		for idx, sub := range items {
			validateSchemaRecursive(sub, fmt.Sprintf("%s.items[%d]", path, idx), errs)
		}
	}
	for _, key := range []string{"anyOf", "allOf", "oneOf"} {
		if options, ok := asSlice(node[key]); ok {
			for idx, sub := range options {
				validateSchemaRecursive(sub, fmt.Sprintf("%s.%s[%d]", path, key, idx), errs)
			}
		}
	}
	for _, key := range []string{"additionalProperties", "not", "if", "then", "else"} {
		if sub, ok := asMap(node[key]); ok {
			validateSchemaRecursive(sub, path+"."+key, errs)
		}
	}
}
