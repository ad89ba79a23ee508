package config

import (
	"sort"
	"strings"
	"time"
)

// Values wraps a decoded document for typed extraction.
// It is safe for concurrent reads.
type Values struct {
	data map[string]any
}

// New wraps data. A nil map yields empty Values.
func New(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// lookup resolves a dotted path through nested maps.
func (v Values) lookup(key string) (any, bool) {
	if val, ok := v.data[key]; ok {
		return val, true
	}
	cur := any(v.data)
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(val any) (map[string]any, bool) {
	switch m := val.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = v
		}
		return out, true
	}
	return nil, false
}

// Sub returns the nested document at key, or empty Values.
func (v Values) Sub(key string) Values {
	val, ok := v.lookup(key)
	if !ok {
		return New(nil)
	}
	m, ok := asMap(val)
	if !ok {
		return New(nil)
	}
	return New(m)
}

// String returns the string at key, or def.
func (v Values) String(key, def string) string {
	if s, ok := v.get(key).(string); ok {
		return s
	}
	return def
}

// Duration returns the duration at key, or def. Strings are parsed with
// time.ParseDuration; numbers are seconds.
func (v Values) Duration(key string, def time.Duration) time.Duration {
	switch val := v.get(key).(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case float64:
		return time.Duration(val * float64(time.Second))
	case time.Duration:
		return val
	}
	return def
}

// Bool returns the boolean at key, or def.
func (v Values) Bool(key string, def bool) bool {
	if b, ok := v.get(key).(bool); ok {
		return b
	}
	return def
}

// Int returns the integer at key, or def. Floats with a fractional part
// yield def.
func (v Values) Int(key string, def int) int {
	return int(v.Int64(key, int64(def)))
}

// Int64 is like Int for 64-bit values.
func (v Values) Int64(key string, def int64) int64 {
	if n, ok := asInt64(v.get(key)); ok {
		return n
	}
	return def
}

func asInt64(val any) (int64, bool) {
	switch val := val.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case float64:
		if val == float64(int64(val)) {
			return int64(val), true
		}
	}
	return 0, false
}

// Float returns the number at key, or def.
func (v Values) Float(key string, def float64) float64 {
	switch val := v.get(key).(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return def
}

// StringSlice returns the strings at key, or def when any element is not
// a string. A single string yields a one-element slice.
func (v Values) StringSlice(key string, def []string) []string {
	switch val := v.get(key).(type) {
	case []string:
		return val
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}

// IntSlice returns the integers at key, or def when any element is not a
// whole number.
func (v Values) IntSlice(key string, def []int) []int {
	switch val := v.get(key).(type) {
	case []int:
		return val
	case []any:
		out := make([]int, 0, len(val))
		for _, item := range val {
			n, ok := asInt64(item)
			if !ok {
				return def
			}
			out = append(out, int(n))
		}
		return out
	}
	return def
}

// Has reports whether key is present.
func (v Values) Has(key string) bool {
	_, ok := v.lookup(key)
	return ok
}

// Keys returns the top-level keys, sorted.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v.data))
	for k := range v.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Raw returns the underlying map. It must not be modified.
func (v Values) Raw() map[string]any {
	return v.data
}

func (v Values) get(key string) any {
	val, _ := v.lookup(key)
	return val
}
