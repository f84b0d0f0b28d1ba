package policies

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Settings come from YAML (int, []interface{}) or JSON (float64), so every
// reader accepts both shapes.

func boolSetting(settings map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

func intSetting(settings map[string]interface{}, key string, def int) (int, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return def, fmt.Errorf("%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return def, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

func floatSetting(settings map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return def, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func stringSetting(settings map[string]interface{}, key, def string) (string, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func stringListSetting(settings map[string]interface{}, key string) ([]string, bool, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch list := v.(type) {
	case []string:
		return list, true, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, true, fmt.Errorf("%s[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("%s must be a list of strings, got %T", key, v)
	}
}

// normalize folds compatibility forms (full-width letters, ligatures) so
// keyword matching cannot be dodged with look-alike code points
func normalize(s string) string {
	return norm.NFKC.String(s)
}

func containsAny(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}
