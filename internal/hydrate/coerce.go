package hydrate

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stratalabs/strata/internal/decimal"
)

// timestampLayouts are tried in order for string timestamps. Zone-less
// layouts parse as UTC. RFC1123 covers ecommerce APIs that emit RFC 2822
// dates. An 8-digit all-numeric string is a compact date (GA4
// event_date), not an epoch.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
	"20060102",
}

// Coerce casts an extracted value to a mapping target type. A value that
// cannot represent the target type becomes nil, which materializes as a
// typed NULL downstream.
func Coerce(v interface{}, targetType string) interface{} {
	if v == nil {
		return nil
	}
	switch targetType {
	case TypeText:
		return coerceText(v)
	case TypeBigint:
		return coerceBigint(v)
	case TypeDouble:
		return coerceDouble(v)
	case TypeDecimal:
		if d, ok := decimal.FromValue(v); ok {
			return d
		}
		return nil
	case TypeBoolean:
		return coerceBool(v)
	case TypeDate:
		if s, ok := ParseDate(v); ok {
			return s
		}
		return nil
	case TypeTimestamp:
		if t, ok := ParseTimestamp(v); ok {
			return t
		}
		return nil
	case TypeJSON:
		return v
	default:
		return nil
	}
}

func coerceText(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return nil
	}
}

func coerceBigint(v interface{}) interface{} {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return floatToInt64(f)
		}
		return nil
	case float64:
		return floatToInt64(x)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt64(f)
		}
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case decimal.Decimal:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return n
		}
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		return floatToInt64(f)
	default:
		return nil
	}
}

// floatToInt64 truncates toward zero. Values outside the int64 range,
// NaN, and infinities cast to NULL.
func floatToInt64(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return nil
	}
	return int64(f)
}

func coerceDouble(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
		return nil
	case bool:
		if x {
			return float64(1)
		}
		return float64(0)
	case decimal.Decimal:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		return f
	default:
		return nil
	}
}

func coerceBool(v interface{}) interface{} {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "1":
			return true
		case "false", "f", "no", "0":
			return false
		}
		return nil
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f != 0
		}
		return nil
	case float64:
		return x != 0
	case int64:
		return x != 0
	case int:
		return x != 0
	case decimal.Decimal:
		return !x.IsZero()
	default:
		return nil
	}
}

// ParseTimestamp normalizes a value to a UTC time. Strings try the layout
// list, then fall back to numeric epochs. Integer epochs are interpreted
// by magnitude: below 1e11 seconds, below 1e14 milliseconds, otherwise
// microseconds.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return epochIntToTime(n), true
		}
		if f, err := x.Float64(); err == nil {
			return epochFloatToTime(f), true
		}
		return time.Time{}, false
	case int64:
		return epochIntToTime(x), true
	case int:
		return epochIntToTime(int64(x)), true
	case float64:
		return epochFloatToTime(x), true
	case decimal.Decimal:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return epochIntToTime(n), true
		}
		if f, err := x.Float64(); err == nil {
			return epochFloatToTime(f), true
		}
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochFloatToTime(f), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// ParseDate normalizes a value to the canonical "2006-01-02" form.
func ParseDate(v interface{}) (string, bool) {
	t, ok := ParseTimestamp(v)
	if !ok {
		return "", false
	}
	return t.UTC().Format("2006-01-02"), true
}

func epochIntToTime(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11:
		return time.Unix(n, 0).UTC()
	case abs < 1e14:
		return time.UnixMilli(n).UTC()
	default:
		return time.UnixMicro(n).UTC()
	}
}

func epochFloatToTime(f float64) time.Time {
	abs := math.Abs(f)
	switch {
	case abs < 1e11:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	case abs < 1e14:
		return time.UnixMilli(int64(f)).UTC()
	default:
		return time.UnixMicro(int64(f)).UTC()
	}
}
