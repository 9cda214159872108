// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// ErrConfiguration is returned for missing or malformed receiver settings
// and for a non-positive polling interval. It is never retried.
var ErrConfiguration = errors.New("receiver configuration error")

// Setting is one named receiver parameter. Attributes carry sub-parameters
// such as the field a datastore filter applies to.
type Setting struct {
	Key        string            `yaml:"key" mapstructure:"key"`
	Value      string            `yaml:"value" mapstructure:"value"`
	Attributes map[string]string `yaml:"attributes,omitempty" mapstructure:"attributes"`
}

// Attr returns the attribute name, matched case-insensitively.
func (s Setting) Attr(name string) (string, bool) {
	for k, v := range s.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Settings is an ordered list of settings. Keys match case-insensitively and
// the first match wins.
type Settings []Setting

// Lookup returns the setting with key.
func (ss Settings) Lookup(key string) (Setting, bool) {
	for _, s := range ss {
		if strings.EqualFold(s.Key, key) {
			return s, true
		}
	}
	return Setting{}, false
}

// All returns every setting with key, in order.
func (ss Settings) All(key string) []Setting {
	var out []Setting
	for _, s := range ss {
		if strings.EqualFold(s.Key, key) {
			out = append(out, s)
		}
	}
	return out
}

// Required returns the setting with key or ErrConfiguration.
func (ss Settings) Required(key string) (Setting, error) {
	s, ok := ss.Lookup(key)
	if !ok || strings.TrimSpace(s.Value) == "" {
		return Setting{}, fmt.Errorf("%w: missing setting %q", ErrConfiguration, key)
	}
	return s, nil
}

// String returns the value of key or def.
func (ss Settings) String(key, def string) string {
	if s, ok := ss.Lookup(key); ok && s.Value != "" {
		return s.Value
	}
	return def
}

// Int coerces the value of key, returning def when absent.
func (ss Settings) Int(key string, def int) (int, error) {
	s, ok := ss.Lookup(key)
	if !ok || s.Value == "" {
		return def, nil
	}
	v, err := cast.ToIntE(strings.TrimSpace(s.Value))
	if err != nil {
		return 0, fmt.Errorf("%w: setting %q: %v", ErrConfiguration, key, err)
	}
	return v, nil
}

// Float coerces the value of key, returning def when absent.
func (ss Settings) Float(key string, def float64) (float64, error) {
	s, ok := ss.Lookup(key)
	if !ok || s.Value == "" {
		return def, nil
	}
	v, err := cast.ToFloat64E(strings.TrimSpace(s.Value))
	if err != nil {
		return 0, fmt.Errorf("%w: setting %q: %v", ErrConfiguration, key, err)
	}
	return v, nil
}

// Duration coerces the value of key, returning def when absent.
func (ss Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	s, ok := ss.Lookup(key)
	if !ok || s.Value == "" {
		return def, nil
	}
	return parseDuration(key, s.Value)
}

// parseDuration accepts Go durations ("5s") and hh:mm:ss timespans.
// A bare number is taken as nanoseconds by cast, so it is rejected.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if parts := strings.Split(raw, ":"); len(parts) == 3 {
		h, errH := cast.ToIntE(parts[0])
		m, errM := cast.ToIntE(parts[1])
		sec, errS := cast.ToFloat64E(parts[2])
		if errH != nil || errM != nil || errS != nil {
			return 0, fmt.Errorf("%w: setting %q: malformed timespan %q", ErrConfiguration, key, raw)
		}
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
			time.Duration(sec*float64(time.Second)), nil
	}
	if _, err := cast.ToFloat64E(raw); err == nil {
		return 0, fmt.Errorf("%w: setting %q: duration %q needs a unit", ErrConfiguration, key, raw)
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: setting %q: %v", ErrConfiguration, key, err)
	}
	return d, nil
}
