package version_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/version"
)

func TestResolve_FromPackageJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/package.json", []byte(`{"name":"next","version":"9.0.2-canary.7"}`), 0644))

	v, err := version.Resolve(fs, "/src", version.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "9.0.2-canary.7", v)
}

func TestResolve_OverrideWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/package.json", []byte(`{"version":"1.0.0"}`), 0644))

	v, err := version.Resolve(fs, "/src", version.Options{Override: "2.0.0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", v)
}

func TestResolve_Missing(t *testing.T) {
	_, err := version.Resolve(afero.NewMemMapFs(), "/src", version.Options{}, nil)
	assert.True(t, errors.Is(err, version.ErrNoVersion))
}

func TestResolve_AppendCommit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"version":"1.2.3"}`), 0644))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("package.json")
	require.NoError(t, err)
	hash, err := w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	v, err := version.Resolve(afero.NewOsFs(), dir, version.Options{AppendCommit: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3+"+hash.String()[:7], v)
}

func TestResolve_AppendCommitWithoutRepository(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"version":"1.2.3"}`), 0644))

	v, err := version.Resolve(afero.NewOsFs(), dir, version.Options{AppendCommit: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v)
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, `"9.0.2"`, version.Literal("9.0.2"))
	assert.Equal(t, `"a\"b"`, version.Literal(`a"b`))
}
