package bundle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/bundle"
	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

func newLayer() (*fsx.FS, afero.Fs) {
	base := afero.NewMemMapFs()
	return fsx.New(base, logger.Discard(), fsx.WithBackoff(0)), base
}

func put(t *testing.T, fs afero.Fs, p, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0644))
}

func TestLocator_SearchOrder(t *testing.T) {
	layer, fs := newLayer()
	put(t, fs, "/repo/node_modules/chalk/package.json", `{"name":"chalk","version":"2.4.2"}`)
	put(t, fs, "/repo/packages/next/node_modules/chalk/package.json", `{"name":"chalk","version":"3.0.0"}`)

	loc := bundle.NewLocator(layer, []string{"/repo/packages/next", "/cwd", "/repo"})
	info, err := loc.Locate("chalk")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", info.Version)
	assert.Equal(t, "/repo/packages/next/node_modules/chalk", info.Dir)

	loc = bundle.NewLocator(layer, []string{"/cwd", "/repo"})
	info, err = loc.Locate("chalk")
	require.NoError(t, err)
	assert.Equal(t, "2.4.2", info.Version)
}

func TestLocator_NodeModulesDir(t *testing.T) {
	layer, fs := newLayer()
	put(t, fs, "/repo/node_modules/@babel/core/package.json", `{"name":"@babel/core"}`)

	loc := bundle.NewLocator(layer, []string{"/repo/node_modules"})
	assert.Equal(t, []string{
		"/repo/node_modules/@babel/core/package.json",
		"/repo/node_modules/node_modules/@babel/core/package.json",
	}, loc.Candidates("@babel/core"))

	info, err := loc.Locate("@babel/core")
	require.NoError(t, err)
	assert.Equal(t, "@babel/core", info.Name)
}

func TestLocator_Missing(t *testing.T) {
	layer, _ := newLayer()
	_, err := bundle.NewLocator(layer, []string{"/repo"}).Locate("left-pad")
	assert.True(t, errors.Is(err, bundle.ErrNoManifest))
}

func TestLocator_License(t *testing.T) {
	layer, fs := newLayer()
	put(t, fs, "/repo/node_modules/arg/package.json", `{"name":"arg"}`)
	put(t, fs, "/repo/node_modules/arg/license", "MIT")

	loc := bundle.NewLocator(layer, []string{"/repo"})
	info, err := loc.Locate("arg")
	require.NoError(t, err)

	p, ok := loc.License(info)
	require.True(t, ok)
	assert.Equal(t, "/repo/node_modules/arg/license", p)
}

func TestNewArtifactManifest(t *testing.T) {
	info := &bundle.PackageInfo{
		Name:    "semver",
		Author:  map[string]any{"name": "GitHub Inc."},
		License: map[string]any{"type": "ISC"},
	}
	m := bundle.NewArtifactManifest(info, "index")
	assert.Equal(t, "semver", m.Name)
	assert.Equal(t, "index", m.Main)
	assert.Equal(t, "ISC", m.License)
	assert.NotNil(t, m.Author)
}

func TestWriteManifest_Format(t *testing.T) {
	layer, fs := newLayer()
	m := types.ArtifactManifest{Name: "arg", Main: "index", License: "MIT"}
	require.NoError(t, bundle.WriteManifest(context.Background(), layer, "/out/compiled/arg", m))

	data, err := afero.ReadFile(fs, "/out/compiled/arg/package.json")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"name\": \"arg\",\n  \"main\": \"index\",\n  \"license\": \"MIT\"\n}\n", string(data))
}
