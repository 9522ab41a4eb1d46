package exchange

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FindValueByKey searches nested maps and slices depth first and returns the
// first value stored under key.
func FindValueByKey(data any, key string) (any, bool) {
	switch v := data.(type) {
	case map[string]any:
		if found, ok := v[key]; ok {
			return found, true
		}
		for _, child := range v {
			if found, ok := FindValueByKey(child, key); ok {
				return found, true
			}
		}
	case []any:
		for _, child := range v {
			if found, ok := FindValueByKey(child, key); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// NewClientOrderID returns a unique client order id with an optional prefix.
func NewClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + id
}

// Float reads numbers that exchanges send either as JSON numbers or strings.
func Float(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	}
	return 0
}

// String renders ids that may arrive as numbers.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	}
	return ""
}

// FromMillis converts a millisecond epoch, number or string, to UTC.
func FromMillis(v any) time.Time {
	ms := int64(Float(v))
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ParseTime reads RFC3339 timestamps and returns the zero time otherwise.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
