package gateway_test

import (
	"math"
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/gateway"
)

func TestValidateRecord(t *testing.T) {
	record := map[string]any{
		"name":    "  ",
		"note":    "kept",
		"score":   math.NaN(),
		"rate":    math.Inf(1),
		"qty":     int64(7),
		"payload": map[string]any{"a": 1},
		"tags":    []any{"x", "y"},
		"empty":   nil,
	}

	got := gateway.ValidateRecord(record)

	if len(got) != len(record) {
		t.Fatalf("ValidateRecord() dropped keys: got %d, want %d", len(got), len(record))
	}
	if got["name"] != nil {
		t.Errorf("ValidateRecord() whitespace string = %v, want nil", got["name"])
	}
	if got["note"] != "kept" {
		t.Errorf("ValidateRecord() note = %v, want kept", got["note"])
	}
	if got["score"] != float64(0) {
		t.Errorf("ValidateRecord() NaN = %v, want 0", got["score"])
	}
	if got["rate"] != float64(0) {
		t.Errorf("ValidateRecord() Inf = %v, want 0", got["rate"])
	}
	if got["qty"] != int64(7) {
		t.Errorf("ValidateRecord() qty = %v, want 7", got["qty"])
	}
	if got["payload"] != `{"a":1}` {
		t.Errorf("ValidateRecord() payload = %v, want JSON text", got["payload"])
	}
	if got["tags"] != `["x","y"]` {
		t.Errorf("ValidateRecord() tags = %v, want JSON text", got["tags"])
	}
	if got["empty"] != nil {
		t.Errorf("ValidateRecord() nil = %v, want nil", got["empty"])
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name string
		s    string
		max  int
		want string
	}{
		{"under limit", "abc", 5, "abc"},
		{"at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 5, "abcde"},
		{"zero means unbounded", "abcdef", 0, "abcdef"},
		{"multibyte runes", "héllo wörld", 5, "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gateway.TruncateString(tt.s, tt.max); got != tt.want {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
			}
		})
	}
}

func TestBindValue(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		sqlType string
		want    any
	}{
		{"string to integer", "42", "integer", int64(42)},
		{"float to bigint", float64(3.0), "bigint", int64(3)},
		{"bool to integer", true, "int", int64(1)},
		{"string to float", "2.5", "numeric", 2.5},
		{"int to double", int64(4), "double precision", float64(4)},
		{"string to bool", "yes", "boolean", true},
		{"zero to bool", int64(0), "boolean", false},
		{"bytes to text", []byte("hi"), "text", "hi"},
		{"int to varchar", int64(9), "character varying", "9"},
		{"nil stays nil", nil, "integer", nil},
		{"unknown type passthrough", "raw", "uuid", "raw"},
		{"unparseable keeps original value", "not-a-number", "integer", "not-a-number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gateway.BindValue(tt.value, tt.sqlType); got != tt.want {
				t.Errorf("BindValue(%v, %q) = %v, want %v", tt.value, tt.sqlType, got, tt.want)
			}
		})
	}
}

func TestBindValue_Timestamp(t *testing.T) {
	got := gateway.BindValue("2024-03-01 12:30:00", "timestamp")
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("BindValue() = %T, want time.Time", got)
	}
	if ts.Year() != 2024 || ts.Month() != time.March || ts.Hour() != 12 {
		t.Errorf("BindValue() = %v, want 2024-03-01 12:30", ts)
	}
}
