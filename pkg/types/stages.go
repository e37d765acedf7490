package types

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrOverlappingDestinations is returned when two stages could write into
// each other's output directory
var ErrOverlappingDestinations = errors.New("stage destinations overlap")

// IsLiteralGlob reports whether a source glob names exactly one file
func IsLiteralGlob(glob string) bool {
	return !strings.ContainsAny(glob, "*?[{(")
}

// CheckIsolation verifies that stage destinations are pairwise disjoint.
// Stages of one group may share a destination when each of them compiles a
// single literal file, since their outputs cannot collide.
func CheckIsolation(stages []StageSpec) error {
	for i := range stages {
		for j := i + 1; j < len(stages); j++ {
			a, b := stages[i], stages[j]
			da, db := path.Clean(a.DestinationDir), path.Clean(b.DestinationDir)
			if !nested(da, db) {
				continue
			}
			if da == db && a.GroupName() == b.GroupName() &&
				IsLiteralGlob(a.SourceGlob) && IsLiteralGlob(b.SourceGlob) &&
				path.Base(a.SourceGlob) != path.Base(b.SourceGlob) {
				continue
			}
			return fmt.Errorf("%w: %s (%s) and %s (%s)", ErrOverlappingDestinations,
				a.Name, a.DestinationDir, b.Name, b.DestinationDir)
		}
	}
	return nil
}

func nested(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
