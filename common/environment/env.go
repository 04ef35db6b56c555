// Package environment provides helpers for overlaying environment variables
// on top of values already loaded from a settings file.
//
// Every Override* helper leaves the destination untouched when the variable
// is unset or empty, so file values act as defaults and the environment
// wins. Parse failures are returned rather than swallowed: a malformed
// override is a configuration error, not something to silently ignore.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the trimmed value of the named environment variable and
// whether it was set to something non-blank.
func Lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v, ok := Lookup(name); ok {
		return v
	}
	return defaultValue
}

// OverrideString replaces *dst with the variable's value when set.
func OverrideString(dst *string, name string) {
	if v, ok := Lookup(name); ok {
		*dst = v
	}
}

// OverrideSlice replaces *dst with the comma-separated elements of the
// variable, trimming whitespace and dropping empty elements.
func OverrideSlice(dst *[]string, name string) {
	v, ok := Lookup(name)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	*dst = out
}

// OverrideInt replaces *dst with the variable parsed as a decimal integer.
func OverrideInt(dst *int, name string) error {
	v, ok := Lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", name, v)
	}
	*dst = n
	return nil
}

// OverrideDuration replaces *dst with the variable parsed as a
// time.Duration (e.g. "30s", "1h").
func OverrideDuration(dst *time.Duration, name string) error {
	v, ok := Lookup(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a duration", name, v)
	}
	*dst = d
	return nil
}
