package transform_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/pkg/types"
)

func TestEsbuildTransformer_TypeScript(t *testing.T) {
	server, err := transform.LookupProfile(types.ProfileServer)
	require.NoError(t, err)

	src := []byte("const answer: number = 42\nexport default answer\n")
	out, err := transform.NewEsbuildTransformer().Transform(context.Background(), src, "lib/answer.ts", server)
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, "42")
	assert.NotContains(t, code, ": number", "type annotations must be erased")
	assert.NotContains(t, code, "export default", "output must be CommonJS")
	assert.NotEmpty(t, out.Map)
	assert.Contains(t, string(out.Map), "lib/answer.ts")
}

func TestEsbuildTransformer_JSX(t *testing.T) {
	client, err := transform.LookupProfile(types.ProfileClient)
	require.NoError(t, err)

	src := []byte("import React from 'react'\nexport const App = () => <div className=\"app\" />\n")
	out, err := transform.NewEsbuildTransformer().Transform(context.Background(), src, "pages/_app.tsx", client)
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "createElement")
}

func TestEsbuildTransformer_ErrorNamesFile(t *testing.T) {
	server, _ := transform.LookupProfile(types.ProfileServer)

	_, err := transform.NewEsbuildTransformer().Transform(context.Background(), []byte("let = ;"), "lib/broken.js", server)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "lib/broken.js:1:"), "got %v", err)
}

func TestEsbuildTransformer_WithoutSourceMaps(t *testing.T) {
	server, _ := transform.LookupProfile(types.ProfileServer)

	tr := &transform.EsbuildTransformer{}
	out, err := tr.Transform(context.Background(), []byte("module.exports = 1"), "lib/a.js", server)
	require.NoError(t, err)
	assert.Empty(t, out.Map)
}

func TestEsbuildTransformer_CanceledContext(t *testing.T) {
	server, _ := transform.LookupProfile(types.ProfileServer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transform.NewEsbuildTransformer().Transform(ctx, []byte("1"), "lib/a.js", server)
	assert.ErrorIs(t, err, context.Canceled)
}
