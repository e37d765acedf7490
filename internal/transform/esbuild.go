package transform

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Output is what the transformer emits for one source file
type Output struct {
	Code []byte
	Map  []byte
}

// Transformer compiles one source text under a profile. Errors name the
// offending file.
type Transformer interface {
	Transform(ctx context.Context, source []byte, filename string, profile Profile) (Output, error)
}

// EsbuildTransformer implements Transformer with esbuild's transform API
type EsbuildTransformer struct {
	// SourceMaps requests an external source map for every file
	SourceMaps bool
}

// NewEsbuildTransformer returns a transformer that emits source maps
func NewEsbuildTransformer() *EsbuildTransformer {
	return &EsbuildTransformer{SourceMaps: true}
}

// Transform implements Transformer
func (t *EsbuildTransformer) Transform(ctx context.Context, source []byte, filename string, profile Profile) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	opts := api.TransformOptions{
		Loader:     loaderFor(filename),
		Sourcefile: filename,
		Format:     api.FormatCommonJS,
		Platform:   platformFor(profile.Platform),
		Target:     targetFor(profile.Target),
		Engines:    enginesFor(profile.Engines),
	}
	if t.SourceMaps {
		opts.Sourcemap = api.SourceMapExternal
	}

	result := api.Transform(string(source), opts)
	if len(result.Errors) > 0 {
		return Output{}, fmt.Errorf("transform %s: %s", filename, formatMessage(filename, result.Errors[0]))
	}

	return Output{Code: result.Code, Map: result.Map}, nil
}

func formatMessage(filename string, msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", filename, msg.Location.Line, msg.Location.Column, msg.Text)
}

func loaderFor(filename string) api.Loader {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".ts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".json":
		return api.LoaderJSON
	default:
		// plain .js sources in this tree may contain JSX; extensionless
		// executables are JavaScript as well
		return api.LoaderJSX
	}
}

func platformFor(p Platform) api.Platform {
	if p == PlatformNode {
		return api.PlatformNode
	}
	return api.PlatformBrowser
}

func targetFor(target string) api.Target {
	switch strings.ToLower(target) {
	case "es2015":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	case "esnext":
		return api.ESNext
	default:
		return api.ES2017
	}
}

func enginesFor(engines []RuntimeEngine) []api.Engine {
	out := make([]api.Engine, 0, len(engines))
	for _, e := range engines {
		var name api.EngineName
		switch e.Name {
		case "node":
			name = api.EngineNode
		case "chrome":
			name = api.EngineChrome
		case "firefox":
			name = api.EngineFirefox
		case "safari":
			name = api.EngineSafari
		case "edge":
			name = api.EngineEdge
		default:
			continue
		}
		out = append(out, api.Engine{Name: name, Version: e.Version})
	}
	return out
}
