// Package utils provides glob matching and filesystem helpers
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// StaticBase returns the leading directory of a glob that contains no
// wildcard characters. A pattern without wildcards returns its parent directory.
func StaticBase(pattern string) string {
	pattern = path.Clean(NormalizePattern(pattern))
	segments := strings.Split(pattern, "/")
	base := make([]string, 0, len(segments))
	for _, seg := range segments {
		if IsGlobPattern(seg) {
			return strings.Join(base, "/")
		}
		base = append(base, seg)
	}
	if len(base) <= 1 {
		return ""
	}
	return strings.Join(base[:len(base)-1], "/")
}

// Glob resolves pattern against root on fs and returns the matching regular
// files as sorted, slash-separated paths relative to root. A pattern whose
// static base does not exist yields no matches and no error.
func Glob(fs afero.Fs, root, pattern string) ([]string, error) {
	pattern = NormalizePattern(pattern)

	if !IsGlobPattern(pattern) {
		info, err := fs.Stat(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		if info.IsDir() {
			return nil, nil
		}
		return []string{pattern}, nil
	}

	matcher, err := NewPatternMatcher([]string{pattern})
	if err != nil {
		return nil, err
	}

	walkRoot := filepath.Join(root, filepath.FromSlash(StaticBase(pattern)))
	if exists, _ := afero.DirExists(fs, walkRoot); !exists {
		return nil, nil
	}

	var matches []string
	err = afero.Walk(fs, walkRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := ToSlashRel(root, p)
		if err != nil {
			return err
		}
		if matcher.Match(rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(matches)
	return matches, nil
}

// HashContent returns the hex sha256 of data
func HashContent(data ...[]byte) string {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StripExt removes the final extension of a slash path
func StripExt(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}
