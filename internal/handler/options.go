package handler

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Options wraps a handler's free-form options map with typed accessors.
// Values arrive from YAML, TOML or environment overrides, so numbers may
// be strings and lists may be comma separated.
type Options map[string]any

// String returns the option as a string, or def when unset.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// RequiredString returns the option or an error naming it.
func (o Options) RequiredString(key string) (string, error) {
	s := o.String(key, "")
	if s == "" {
		return "", fmt.Errorf("option %q is required", key)
	}
	return s, nil
}

// Strings returns a list option.
func (o Options) Strings(key string) []string {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}

// Float returns a numeric option, or def when unset or malformed.
func (o Options) Float(key string, def float64) float64 {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Int returns an integer option, or def when unset or malformed.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns a boolean option, or def when unset or malformed.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// Duration returns a duration option. Bare numbers are seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int, int64, float64, uint64:
		return time.Duration(cast.ToFloat64(n) * float64(time.Second))
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return def
	}
	return d
}
