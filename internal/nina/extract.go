package nina

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/nugget/nina-bridge/internal/device"
)

// ExtractValues flattens an API envelope into publishable variables.
// Scalar fields of Response become snake_case variables; nested objects
// are flattened one level as parent_child. Lists are skipped except for
// the switch class, whose switch lists are expanded per index. A list
// Response reports its length as "items".
func ExtractValues(class string, envelope map[string]any) map[string]any {
	values := make(map[string]any)

	resp, ok := envelope["Response"]
	if !ok {
		resp = envelope
	}

	switch r := resp.(type) {
	case map[string]any:
		for key, v := range r {
			name := SnakeCase(key)
			switch inner := v.(type) {
			case map[string]any:
				for ik, iv := range inner {
					if isScalar(iv) {
						values[name+"_"+SnakeCase(ik)] = iv
					}
				}
			default:
				if isScalar(v) {
					values[name] = v
				}
			}
		}
		if class == device.Switch {
			appendSwitches(r, values)
		}
	case []any:
		values["items"] = len(r)
	case nil:
	default:
		values["response"] = r
	}

	return values
}

func appendSwitches(resp map[string]any, values map[string]any) {
	if ro, ok := resp["ReadonlySwitches"].([]any); ok {
		for i, e := range ro {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			prefix := fmt.Sprintf("readonly_switch_%d_", i)
			for _, f := range []string{"Name", "Value", "Id", "Description"} {
				if v, ok := entry[f]; ok && isScalar(v) {
					values[prefix+strings.ToLower(f)] = v
				}
			}
		}
	}
	if rw, ok := resp["WritableSwitches"].([]any); ok {
		appendWritable(rw, values)
	} else if rw, ok := resp["WriteableSwitches"].([]any); ok {
		appendWritable(rw, values)
	}
}

func appendWritable(list []any, values map[string]any) {
	for i, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		prefix := fmt.Sprintf("writable_switch_%d_", i)
		for _, f := range []string{"Name", "Id", "Value", "Min", "Max", "Description", "StepSize", "TargetValue"} {
			if v, ok := entry[f]; ok && isScalar(v) {
				values[prefix+strings.ToLower(f)] = v
			}
		}
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, json.Number, int, int64:
		return true
	}
	return false
}

// SnakeCase converts API field names to topic-safe variable names:
// "TargetTemp" becomes "target_temp" and "RADecString" becomes
// "ra_dec_string". Characters other than letters and digits become
// underscores.
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
			continue
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
					b.WriteByte('_')
				}
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.Trim(b.String(), "_")
}

// FormatValue renders a variable as an MQTT payload. Booleans become
// "true" or "false"; numbers use the shortest exact representation.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
