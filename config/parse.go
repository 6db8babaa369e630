// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// IntFromString parses the string value of r as a base 10 int.
func IntFromString(r Reader[string]) Reader[int] {
	return Map(r, func(ctx context.Context, s string) (int, error) {
		return strconv.Atoi(strings.TrimSpace(s))
	})
}

// Float64FromString parses the string value of r as a float64.
func Float64FromString(r Reader[string]) Reader[float64] {
	return Map(r, func(ctx context.Context, s string) (float64, error) {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	})
}

// BoolFromString parses the string value of r with [strconv.ParseBool].
func BoolFromString(r Reader[string]) Reader[bool] {
	return Map(r, func(ctx context.Context, s string) (bool, error) {
		return strconv.ParseBool(strings.TrimSpace(s))
	})
}

// DurationFromString parses the string value of r with [time.ParseDuration].
func DurationFromString(r Reader[string]) Reader[time.Duration] {
	return Map(r, func(ctx context.Context, s string) (time.Duration, error) {
		return time.ParseDuration(strings.TrimSpace(s))
	})
}

// StringsFromString splits the string value of r on sep, dropping empty elements.
func StringsFromString(r Reader[string], sep string) Reader[[]string] {
	return Map(r, func(ctx context.Context, s string) ([]string, error) {
		parts := strings.Split(s, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
		return out, nil
	})
}
