package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// outDirName is a virtual output directory; nothing is written there
const outDirName = ".shipyard-bundle"

// EsbuildBundler bundles node packages with esbuild. It reads from the real
// filesystem.
type EsbuildBundler struct {
	Minify bool
}

// NewEsbuildBundler creates a minifying bundler
func NewEsbuildBundler(minify bool) *EsbuildBundler {
	return &EsbuildBundler{Minify: minify}
}

// Bundle implements Bundler
func (b *EsbuildBundler) Bundle(ctx context.Context, entryPath string, externals []string) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	entry, err := filepath.Abs(entryPath)
	if err != nil {
		return Output{}, err
	}
	workDir := filepath.Dir(entry)
	outDir := filepath.Join(workDir, outDirName)

	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{entry},
		AbsWorkingDir:     workDir,
		Outdir:            outDir,
		Bundle:            true,
		Write:             false,
		Platform:          api.PlatformNode,
		Format:            api.FormatCommonJS,
		Target:            api.ES2017,
		External:          externals,
		MinifyWhitespace:  b.Minify,
		MinifyIdentifiers: b.Minify,
		MinifySyntax:      b.Minify,
		LogLevel:          api.LogLevelSilent,
		Loader: map[string]api.Loader{
			".node": api.LoaderFile,
			".wasm": api.LoaderFile,
		},
	})
	if len(result.Errors) > 0 {
		return Output{}, fmt.Errorf("bundle %s: %s", entryPath, formatMessages(result.Errors))
	}

	mainName := strings.TrimSuffix(filepath.Base(entry), filepath.Ext(entry)) + ".js"
	out := Output{Assets: map[string][]byte{}}
	for _, f := range result.OutputFiles {
		rel, err := filepath.Rel(outDir, f.Path)
		if err != nil {
			return Output{}, err
		}
		rel = filepath.ToSlash(rel)
		if rel == mainName && out.Code == nil {
			out.Code = f.Contents
			continue
		}
		out.Assets[rel] = f.Contents
	}
	if out.Code == nil {
		return Output{}, fmt.Errorf("bundle %s: no output for entry", entryPath)
	}
	return out, nil
}

func formatMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
