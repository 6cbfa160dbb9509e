package steps

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func getString(params map[string]interface{}, key string, fallback string) string {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return fallback
		}
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func getInt(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case uint64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

func getDuration(params map[string]interface{}, key string, fallback time.Duration) time.Duration {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case time.Duration:
		return typed
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(typed))
		if err != nil {
			return fallback
		}
		return parsed
	case int:
		return time.Duration(typed) * time.Millisecond
	case float64:
		return time.Duration(typed * float64(time.Millisecond))
	default:
		return fallback
	}
}

func getBool(params map[string]interface{}, key string, fallback bool) bool {
	if params == nil {
		return fallback
	}
	value, ok := params[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "1", "yes", "y":
			return true
		case "false", "0", "no", "n":
			return false
		}
	}
	return fallback
}

func getMap(params map[string]interface{}, key string) map[string]interface{} {
	if params == nil {
		return nil
	}
	switch typed := params[key].(type) {
	case map[string]interface{}:
		return typed
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = v
		}
		return out
	default:
		return nil
	}
}

func expandVars(value string, vars map[string]string) string {
	if value == "" || !strings.Contains(value, "$") {
		return value
	}
	return os.Expand(value, func(key string) string {
		if replacement, ok := vars[key]; ok {
			return replacement
		}
		return os.Getenv(key)
	})
}

// expandValue expands every string inside a decoded YAML value.
func expandValue(value interface{}, vars map[string]string) interface{} {
	switch typed := value.(type) {
	case string:
		return expandVars(typed, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for key, item := range typed {
			out[key] = expandValue(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = expandValue(item, vars)
		}
		return out
	default:
		return value
	}
}

func getStringMap(params map[string]interface{}, key string) map[string]string {
	raw := getMap(params, key)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
