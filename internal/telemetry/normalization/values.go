package normalization

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// NormalizeList coerces a loosely typed value into a list of strings.
//
//	nil                -> []
//	"a, b"             -> ["a", "b"]
//	"a"                -> ["a"]
//	[]any{"a", 1}      -> ["a", "1"]
//	[]any{"a", nil}    -> ["a", ""]
//	42                 -> ["42"]
func NormalizeList(v any) []string {
	switch val := v.(type) {
	case nil:
		return []string{}
	case string:
		if !strings.Contains(val, ",") {
			return []string{val}
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			if item != nil {
				out[i] = scalarString(item)
			}
		}
		return out
	default:
		return []string{scalarString(val)}
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// identifierValue accepts string ids and integral numeric ids
func identifierValue(v any) *string {
	switch val := v.(type) {
	case string:
		return &val
	case json.Number:
		if _, err := val.Int64(); err != nil {
			return nil
		}
		s := val.String()
		return &s
	case float64:
		if val != math.Trunc(val) {
			return nil
		}
		s := strconv.FormatInt(int64(val), 10)
		return &s
	case int:
		s := strconv.Itoa(val)
		return &s
	case int64:
		s := strconv.FormatInt(val, 10)
		return &s
	}
	return nil
}

// documentTimestamp reads @timestamp, falling back to timestamp
func documentTimestamp(raw RawDocument) *time.Time {
	v, ok := raw["@timestamp"]
	if !ok || v == nil || v == "" {
		v = raw["timestamp"]
	}
	return ParseTimestamp(v)
}

// ParseTimestamp parses a timestamp on a best-effort basis. Strings in any
// common layout and numeric epochs (seconds or milliseconds) are accepted.
// Unparseable input returns nil.
func ParseTimestamp(v any) *time.Time {
	var t time.Time
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			parsed, err = dateparse.ParseIn(s, time.UTC)
			if err != nil {
				return nil
			}
		}
		t = parsed
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil
		}
		t = fromEpoch(f)
	case float64:
		t = fromEpoch(val)
	case int64:
		t = fromEpoch(float64(val))
	case int:
		t = fromEpoch(float64(val))
	case time.Time:
		t = val
	default:
		return nil
	}

	t = t.UTC()
	return &t
}

// Epoch values above this are taken as milliseconds.
const epochMillisThreshold = 1e11

func fromEpoch(f float64) time.Time {
	if f > epochMillisThreshold {
		return time.UnixMilli(int64(f))
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
