package toolexecutor

import (
	"fmt"
	"strconv"
	"strings"
)

// StringParam returns params[name] as a trimmed string, or def when absent.
func StringParam(params map[string]interface{}, name, def string) string {
	v, ok := params[name]
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}

// IntParam returns params[name] as an int, or def when absent or unparsable.
func IntParam(params map[string]interface{}, name string, def int) int {
	v, ok := params[name]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}
