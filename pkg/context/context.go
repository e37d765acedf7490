package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

// Context keys for build tracing
const (
	buildIDKey ctxKey = iota
	phaseKey
	stageKey
	startTimeKey
)

const (
	unknownBuild = "unknown-build"
	unknownPhase = "unknown-phase"
	unknownStage = "unknown-stage"
)

// WithBuildID adds a build ID to the context
func WithBuildID(parent context.Context, buildID string) context.Context {
	if buildID == "" {
		buildID = GenerateBuildID()
	}
	return context.WithValue(parent, buildIDKey, buildID)
}

// GetBuildID retrieves the build ID from context
func GetBuildID(ctx context.Context) string {
	if id, ok := ctx.Value(buildIDKey).(string); ok && id != "" {
		return id
	}
	return unknownBuild
}

// WithPhase records the phase ("bundle", "transform", "watch") a context belongs to
func WithPhase(parent context.Context, phase string) context.Context {
	return context.WithValue(parent, phaseKey, phase)
}

// GetPhase retrieves the phase name from context
func GetPhase(ctx context.Context) string {
	if p, ok := ctx.Value(phaseKey).(string); ok && p != "" {
		return p
	}
	return unknownPhase
}

// WithStage adds a stage name to the context
func WithStage(parent context.Context, stage string) context.Context {
	return context.WithValue(parent, stageKey, stage)
}

// GetStage retrieves the stage name from context
func GetStage(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey).(string); ok && s != "" {
		return s
	}
	return unknownStage
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration calculates the duration since the start time in context.
// Zero when no start time was recorded.
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateBuildID creates a new unique build ID
func GenerateBuildID() string {
	return "build_" + uuid.New().String()
}

// EnrichContext adds a build ID (if missing) and a start time
func EnrichContext(parent context.Context) context.Context {
	ctx := parent
	if GetBuildID(ctx) == unknownBuild {
		ctx = WithBuildID(ctx, GenerateBuildID())
	}
	return WithStartTime(ctx, time.Now())
}

// TracingFields returns tracing fields for structured logging
func TracingFields(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"build_id":    GetBuildID(ctx),
		"phase":       GetPhase(ctx),
		"stage":       GetStage(ctx),
		"duration_ms": GetDuration(ctx).Milliseconds(),
	}
}
