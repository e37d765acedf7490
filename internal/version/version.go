// Package version resolves the build version string substituted into
// transformed code.
package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/spf13/afero"

	"github.com/shipyard/shipyard/pkg/logger"
)

// ErrNoVersion is returned when neither an override nor package.json supplies a version.
var ErrNoVersion = errors.New("no build version found")

// Options control version resolution
type Options struct {
	// Override wins over package.json when set
	Override string
	// AppendCommit adds "+<short sha>" when the source root is in a git repository
	AppendCommit bool
}

// Resolve returns the build version for sourceRoot
func Resolve(fs afero.Fs, sourceRoot string, opts Options, log logger.Logger) (string, error) {
	if log == nil {
		log = logger.Discard()
	}

	v := opts.Override
	if v == "" {
		var err error
		v, err = readPackageVersion(fs, sourceRoot)
		if err != nil {
			return "", err
		}
	}

	if !opts.AppendCommit {
		return v, nil
	}

	sha, err := HeadCommit(sourceRoot)
	if err != nil {
		log.Warn("Build version without commit suffix",
			logger.WithField("root", sourceRoot),
			logger.WithError(err))
		return v, nil
	}
	return v + "+" + sha[:7], nil
}

// HeadCommit returns the HEAD commit hash of the repository containing dir
func HeadCommit(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open git repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Literal renders v as the quoted string literal substituted for the version token
func Literal(v string) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func readPackageVersion(fs afero.Fs, sourceRoot string) (string, error) {
	data, err := afero.ReadFile(fs, filepath.Join(sourceRoot, "package.json"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoVersion, err)
	}

	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("parse package.json: %w", err)
	}
	if manifest.Version == "" {
		return "", fmt.Errorf("%w: package.json has no version field", ErrNoVersion)
	}
	return manifest.Version, nil
}
