// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otel

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/z5labs/sqslistener/config"

	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LogLevelsFromString parses "scope=level" pairs separated by commas, e.g.
// "github.com/z5labs/sqslistener/queue=warn,github.com/z5labs/sqslistener/queue/broker=debug".
func LogLevelsFromString(r config.Reader[string]) config.Reader[map[string]log.Severity] {
	return config.Map(config.StringsFromString(r, ","), func(_ context.Context, pairs []string) (map[string]log.Severity, error) {
		levels := make(map[string]log.Severity, len(pairs))
		for _, pair := range pairs {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			scope, level, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("otel: log level must be of the form scope=level: %q", pair)
			}
			levels[strings.TrimSpace(scope)] = parseLogLevel(strings.TrimSpace(level))
		}
		return levels, nil
	})
}

// parseLogLevel accepts debug, info, warn, warning and error in any case.
// Anything else allows every record.
func parseLogLevel(level string) log.Severity {
	switch strings.ToLower(level) {
	case "info":
		return log.SeverityInfo
	case "warn", "warning":
		return log.SeverityWarn
	case "error":
		return log.SeverityError
	default:
		return log.SeverityDebug
	}
}

// filteringProcessor drops records below the minimum severity configured
// for the longest scope name prefix of their logger.
type filteringProcessor struct {
	inner    sdklog.Processor
	levels   map[string]log.Severity
	prefixes []string
}

func newFilteringProcessor(inner sdklog.Processor, levels map[string]log.Severity) *filteringProcessor {
	prefixes := slices.Collect(maps.Keys(levels))
	slices.SortFunc(prefixes, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})

	return &filteringProcessor{
		inner:    inner,
		levels:   levels,
		prefixes: prefixes,
	}
}

// OnEmit implements the [sdklog.Processor] interface.
func (p *filteringProcessor) OnEmit(ctx context.Context, record *sdklog.Record) error {
	floor, ok := p.minimum(record.InstrumentationScope().Name)
	if ok && record.Severity() < floor {
		return nil
	}
	return p.inner.OnEmit(ctx, record)
}

func (p *filteringProcessor) minimum(scope string) (log.Severity, bool) {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(scope, prefix) {
			return p.levels[prefix], true
		}
	}
	return 0, false
}

// Shutdown implements the [sdklog.Processor] interface.
func (p *filteringProcessor) Shutdown(ctx context.Context) error {
	return p.inner.Shutdown(ctx)
}

// ForceFlush implements the [sdklog.Processor] interface.
func (p *filteringProcessor) ForceFlush(ctx context.Context) error {
	return p.inner.ForceFlush(ctx)
}
