package engine

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// ErrStageNotFound is returned for unknown stage or group names
var ErrStageNotFound = errors.New("stage not found")

// Registry is the immutable set of transformation stages, their groups
// and the watch rules that route changes to groups
type Registry struct {
	stages []types.StageSpec
	groups map[string][]types.StageSpec
	order  []string
	rules  []types.WatchRule

	matchers map[string]*utils.PatternMatcher
}

// NewRegistry validates and indexes stages. Names must be unique, profiles
// known, destinations isolated and every rule must name an existing group.
func NewRegistry(stages []types.StageSpec, rules []types.WatchRule) (*Registry, error) {
	r := &Registry{
		groups:   make(map[string][]types.StageSpec),
		matchers: make(map[string]*utils.PatternMatcher),
	}

	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return nil, errors.New("stage without name")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true

		if _, err := transform.LookupProfile(s.Profile); err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		m, err := utils.NewPatternMatcher([]string{s.SourceGlob})
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
		r.matchers[s.Name] = m

		g := s.GroupName()
		if _, ok := r.groups[g]; !ok {
			r.order = append(r.order, g)
		}
		r.groups[g] = append(r.groups[g], s)
		r.stages = append(r.stages, s)
	}

	if err := types.CheckIsolation(r.stages); err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if _, ok := r.groups[rule.Group]; !ok {
			return nil, fmt.Errorf("watch rule %q: group %q: %w", rule.PathPrefix, rule.Group, ErrStageNotFound)
		}
		r.rules = append(r.rules, rule)
	}
	// longest prefix first
	sort.SliceStable(r.rules, func(i, j int) bool {
		return len(strings.TrimSuffix(r.rules[i].PathPrefix, "/")) > len(strings.TrimSuffix(r.rules[j].PathPrefix, "/"))
	})

	return r, nil
}

// Stages returns every stage in registration order
func (r *Registry) Stages() []types.StageSpec {
	return append([]types.StageSpec(nil), r.stages...)
}

// Groups returns group names in registration order
func (r *Registry) Groups() []string {
	return append([]string(nil), r.order...)
}

// Group returns the stages of one group
func (r *Registry) Group(name string) ([]types.StageSpec, error) {
	stages, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	return append([]types.StageSpec(nil), stages...), nil
}

// Stage returns a stage by name
func (r *Registry) Stage(name string) (types.StageSpec, error) {
	for _, s := range r.stages {
		if s.Name == name {
			return s, nil
		}
	}
	return types.StageSpec{}, fmt.Errorf("%w: %s", ErrStageNotFound, name)
}

// Rules returns the watch rules, longest prefix first
func (r *Registry) Rules() []types.WatchRule {
	return append([]types.WatchRule(nil), r.rules...)
}

// Prefixes returns the distinct watched top-level prefixes
func (r *Registry) Prefixes() []string {
	var out []string
	seen := map[string]bool{}
	for _, rule := range r.rules {
		p := strings.TrimSuffix(rule.PathPrefix, "/")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// GroupForPath maps a changed path to exactly one group via the longest
// matching watch rule
func (r *Registry) GroupForPath(relPath string) (string, bool) {
	for _, rule := range r.rules {
		if rule.Matches(relPath) {
			return rule.Group, true
		}
	}
	return "", false
}

// StageForFile returns the stage whose glob matches relPath. When several
// match, the one with the most specific static base wins.
func (r *Registry) StageForFile(relPath string) (types.StageSpec, bool) {
	var (
		best    types.StageSpec
		bestLen = -1
	)
	for _, s := range r.stages {
		if !r.matchers[s.Name].Match(relPath) {
			continue
		}
		base := utils.StaticBase(s.SourceGlob)
		if types.IsLiteralGlob(s.SourceGlob) {
			base = path.Clean(s.SourceGlob)
		}
		if len(base) > bestLen {
			best, bestLen = s, len(base)
		}
	}
	return best, bestLen >= 0
}
