package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/pkg/types"
)

func stage(name, glob, dest string) types.StageSpec {
	return types.StageSpec{Name: name, SourceGlob: glob, DestinationDir: dest, Profile: types.ProfileServer}
}

func TestRegistry_GroupForPath_LongestPrefixWins(t *testing.T) {
	r, err := engine.NewRegistry(
		[]types.StageSpec{
			stage("server", "server/**/*.js", "dist/server"),
			stage("server-lib", "server/lib/**/*.js", "dist/server-lib"),
		},
		[]types.WatchRule{
			{PathPrefix: "server/", Group: "server"},
			{PathPrefix: "server/lib/", Group: "server-lib"},
		})
	require.NoError(t, err)

	tests := []struct {
		path  string
		group string
		ok    bool
	}{
		{"server/index.js", "server", true},
		{"server/lib/util.js", "server-lib", true},
		{"serverless/x.js", "", false},
		{"client/x.js", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			group, ok := r.GroupForPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.group, group)
		})
	}

	assert.Equal(t, []string{"server", "server/lib"}, r.Prefixes())
}

func TestRegistry_StageForFile(t *testing.T) {
	r, err := engine.NewRegistry(testConfig().Stages, nil)
	require.NoError(t, err)

	s, ok := r.StageForFile("client/dev/noop.js")
	require.True(t, ok)
	assert.Equal(t, "client", s.Name)

	s, ok = r.StageForFile("bin/next")
	require.True(t, ok)
	assert.Equal(t, "bin", s.Name)

	_, ok = r.StageForFile("lib/readme.md")
	assert.False(t, ok)
}

func TestRegistry_StageForFile_LiteralBeatsGlob(t *testing.T) {
	app := stage("app", "pages/_app.tsx", "dist/pages")
	app.Group = "pages"
	doc := stage("document", "pages/_document.tsx", "dist/pages")
	doc.Group = "pages"

	r, err := engine.NewRegistry([]types.StageSpec{
		app, doc,
		stage("all", "**/*.tsx", "dist/all"),
	}, nil)
	require.NoError(t, err)

	s, ok := r.StageForFile("pages/_document.tsx")
	require.True(t, ok)
	assert.Equal(t, "document", s.Name)

	stages, err := r.Group("pages")
	require.NoError(t, err)
	assert.Len(t, stages, 2)
	assert.Equal(t, []string{"pages", "all"}, r.Groups())
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name   string
		stages []types.StageSpec
		rules  []types.WatchRule
	}{
		{
			name:   "missing name",
			stages: []types.StageSpec{stage("", "lib/*.js", "dist/lib")},
		},
		{
			name:   "duplicate name",
			stages: []types.StageSpec{stage("lib", "lib/*.js", "dist/lib"), stage("lib", "cli/*.js", "dist/cli")},
		},
		{
			name: "unknown profile",
			stages: []types.StageSpec{{
				Name: "lib", SourceGlob: "lib/*.js", DestinationDir: "dist/lib", Profile: "browser",
			}},
		},
		{
			name:   "nested destinations",
			stages: []types.StageSpec{stage("build", "build/**/*.js", "dist/build"), stage("polyfills", "polyfills/*.js", "dist/build/polyfills")},
		},
		{
			name:   "rule names unknown group",
			stages: []types.StageSpec{stage("lib", "lib/*.js", "dist/lib")},
			rules:  []types.WatchRule{{PathPrefix: "cli/", Group: "cli"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.NewRegistry(tt.stages, tt.rules)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_StageLookup(t *testing.T) {
	r, err := engine.NewRegistry(testConfig().Stages, testConfig().WatchRules)
	require.NoError(t, err)

	s, err := r.Stage("lib")
	require.NoError(t, err)
	assert.Equal(t, "dist/lib", s.DestinationDir)

	_, err = r.Stage("missing")
	assert.ErrorIs(t, err, engine.ErrStageNotFound)
	assert.Len(t, r.Rules(), 3)
}
