package mcp

import "fmt"

// Schema is a JSON-schema-like description of tool arguments,
// sufficient to validate presence, scalar types, and enums.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one argument.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Validate checks args against the schema: required presence, scalar
// types, and enum membership. Unknown arguments pass through.
func (s *Schema) Validate(args map[string]any) error {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	for name, value := range args {
		prop, ok := s.Properties[name]
		if !ok {
			continue
		}
		if err := checkType(name, prop.Type, value); err != nil {
			return err
		}
		if len(prop.Enum) > 0 {
			str, ok := value.(string)
			if !ok || !contains(prop.Enum, str) {
				return fmt.Errorf("argument %q must be one of %v", name, prop.Enum)
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func checkType(name, want string, value any) error {
	if value == nil {
		return nil
	}
	ok := true
	switch want {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			ok = false
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			ok = v == float64(int64(v))
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		switch value.(type) {
		case []any, []string:
		default:
			ok = false
		}
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return fmt.Errorf("argument %q must be of type %s", name, want)
	}
	return nil
}
