package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidateRecord normalizes a fetched row before it is bound for insert.
// Whitespace-only strings become NULL, non-finite floats become zero, and
// composite values are flattened to JSON text. Keys are never dropped.
func ValidateRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = sanitizeValue(v)
	}
	return out
}

// SanitizeParams applies the same value normalization to query arguments.
func SanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return float64(0)
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return float32(0)
		}
		return val
	case time.Time, []byte, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case map[string]any, []any:
		return jsonText(val)
	default:
		return val
	}
}

func jsonText(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// TruncateString caps s at max runes. A max of zero means unbounded.
func TruncateString(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// BindValue coerces a sanitized value toward the destination column type so
// the driver does not reject mixed representations coming out of the source
// result set. Unknown types pass through untouched.
func BindValue(value any, sqlType string) any {
	if value == nil {
		return nil
	}
	switch normalizeType(sqlType) {
	case "integer":
		return coerceInt(value)
	case "float":
		return coerceFloat(value)
	case "boolean":
		return coerceBool(value)
	case "text":
		return coerceText(value)
	case "timestamp":
		return coerceTime(value)
	default:
		return value
	}
}

func normalizeType(sqlType string) string {
	switch strings.ToLower(strings.TrimSpace(sqlType)) {
	case "smallint", "integer", "bigint", "int", "int2", "int4", "int8", "serial", "bigserial":
		return "integer"
	case "numeric", "decimal", "real", "double precision", "float4", "float8", "money":
		return "float"
	case "boolean", "bool", "bit":
		return "boolean"
	case "character varying", "varchar", "character", "char", "text", "nvarchar", "nchar":
		return "text"
	case "timestamp", "timestamp without time zone", "timestamp with time zone",
		"timestamptz", "date", "datetime", "smalldatetime":
		return "timestamp"
	default:
		return ""
	}
}

func coerceInt(v any) any {
	switch val := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case float64:
		return int64(val)
	case float32:
		return int64(val)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return int64(f)
		}
	}
	return v
}

func coerceFloat(v any) any {
	switch val := v.(type) {
	case float32, float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return v
}

func coerceBool(v any) any {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "t", "yes", "y", "1":
			return true
		case "false", "f", "no", "n", "0":
			return false
		}
	}
	return v
}

func coerceText(v any) any {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func coerceTime(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return v
}
