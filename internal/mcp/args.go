package mcp

// Argument accessors shared by the tool groups. Missing or mistyped
// values yield the zero value; required presence is enforced by the
// schema before handlers run.

func stringArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func stringArgDefault(args map[string]any, name, def string) string {
	if v := stringArg(args, name); v != "" {
		return v
	}
	return def
}

func floatArg(args map[string]any, name string) float64 {
	switch v := args[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intArg(args map[string]any, name string) int {
	return int(floatArg(args, name))
}

func boolArg(args map[string]any, name string) (bool, bool) {
	v, ok := args[name].(bool)
	return v, ok
}

func stringSliceArg(args map[string]any, name string) []string {
	switch v := args[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapArg(args map[string]any, name string) map[string]any {
	if v, ok := args[name].(map[string]any); ok {
		return v
	}
	return nil
}
