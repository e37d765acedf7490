package config

import (
	"github.com/shipyard/shipyard/pkg/types"
)

// bundledPackages are compiled into compiled/<package> ahead of transformation
var bundledPackages = []string{
	"amphtml-validator",
	"arg",
	"async-retry",
	"async-sema",
	"babel-loader",
	"cache-loader",
	"chalk",
	"ci-info",
	"compression",
	"conf",
	"content-type",
	"cookie",
	"debug",
	"devalue",
	"escape-string-regexp",
	"etag",
	"file-loader",
	"find-up",
	"fresh",
	"gzip-size",
	"http-proxy",
	"ignore-loader",
	"is-docker",
	"is-wsl",
	"json5",
	"jsonwebtoken",
	"lodash.curry",
	"lru-cache",
	"nanoid",
	"node-fetch",
	"ora",
	"postcss-flexbugs-fixes",
	"postcss-loader",
	"postcss-preset-env",
	"raw-body",
	"recast",
	"resolve",
	"send",
	"source-map",
	"string-hash",
	"strip-ansi",
	"terser",
	"text-table",
	"thread-loader",
	"unistore",
	"terser-webpack-plugin",
	"comment-json",
	"semver",
}

// baseExternals are resolved at runtime and never bundled
var baseExternals = []string{
	"@babel/core",
	"browserslist",
	"caniuse-lite",
	"webpack",
	"webpack-sources",
	"webpack/lib/node/NodeOutputFileSystem",
	"webpack/lib/cache/getLazyHashedEtag",
	"webpack/lib/RequestShortener",
	"chokidar",
	"find-cache-dir",
	"loader-runner",
	"loader-utils",
	"mkdirp",
	"neo-async",
	"schema-utils",
	"jest-worker",
	"cacache",
}

// sourceDirs each compile into dist/<dir> with the server profile, except client
var sourceDirs = []string{"cli", "lib", "server", "build", "export", "client", "telemetry", "next-server"}

const scriptGlob = "/**/*.+(js|ts|tsx)"

// DefaultConfig returns the built-in pipeline
func DefaultConfig() *types.PipelineConfig {
	enabled := true

	packages := make([]types.BundleEntry, 0, len(bundledPackages))
	for _, p := range bundledPackages {
		packages = append(packages, types.BundleEntry{Package: p})
	}

	stages := []types.StageSpec{{
		Name:           "bin",
		SourceGlob:     "bin/*",
		DestinationDir: "dist/bin",
		Profile:        types.ProfileServer,
		Options:        types.StageOptions{StripExtension: true, Executable: true},
	}}
	rules := []types.WatchRule{{PathPrefix: "bin/", Group: "bin"}}

	for _, dir := range sourceDirs {
		profile := types.ProfileServer
		if dir == "client" {
			profile = types.ProfileClient
		}
		stages = append(stages, types.StageSpec{
			Name:           dir,
			SourceGlob:     dir + scriptGlob,
			DestinationDir: "dist/" + dir,
			Profile:        profile,
		})
		rules = append(rules, types.WatchRule{PathPrefix: dir + "/", Group: dir})
	}

	stages = append(stages,
		types.StageSpec{Name: "pages-app", Group: "pages", SourceGlob: "pages/_app.tsx", DestinationDir: "dist/pages", Profile: types.ProfileClient},
		types.StageSpec{Name: "pages-error", Group: "pages", SourceGlob: "pages/_error.tsx", DestinationDir: "dist/pages", Profile: types.ProfileClient},
		types.StageSpec{Name: "pages-document", Group: "pages", SourceGlob: "pages/_document.tsx", DestinationDir: "dist/pages", Profile: types.ProfileServer},
	)
	rules = append(rules, types.WatchRule{PathPrefix: "pages/", Group: "pages"})

	return &types.PipelineConfig{
		Version:    SchemaVersion,
		OutputRoot: "dist",
		Mode:       types.RunModeOnce,
		Bundles: types.BundleConfig{
			CompiledDir:       "compiled",
			ReplacementPrefix: "next/dist/compiled",
			Packages:          packages,
			BaseExternals:     append([]string(nil), baseExternals...),
			AssetRewrites: []types.AssetRewrite{{
				Suffix:   "terser-webpack-plugin/dist/minify.js",
				From:     "require('terser')",
				External: "terser",
			}},
			CopyJobs: []types.CopyJob{
				{Name: "polyfill-nomodule", Source: "@next/polyfill-nomodule", Destination: "dist/build/polyfills/nomodule.js"},
				{Name: "unfetch", Source: "unfetch", Destination: "dist/build/polyfills/unfetch.js"},
				{Name: "path-to-regexp", Source: "path-to-regexp", Destination: "dist/build/path-to-regexp.js"},
				{Name: "compiled", Source: "compiled/**/*", Destination: "dist/compiled"},
			},
			ManifestSearch: []string{".", "../..", "../../node_modules"},
		},
		Transform: types.TransformConfig{
			VersionToken:    "process.env.__NEXT_VERSION",
			DeclarationExts: []string{".d.ts"},
			Bootstraps: []types.Bootstrap{{
				File:        "next-dev.js",
				Token:       "__REPLACE_NOOP_IMPORT__",
				Replacement: "import('./dev/noop');",
			}},
		},
		Stages:     stages,
		WatchRules: rules,
		Watch: types.WatchConfig{
			SettlingDelay: 100,
			Ignore:        []string{"node_modules", "*.d.ts", "dist", "compiled"},
		},
		Retry: types.RetryConfig{Attempts: 3, BackoffMs: 500},
		Cache: types.CacheConfig{Size: 2048},
		Notifications: types.NotificationConfig{
			Enabled: &enabled,
			Title:   "shipyard",
		},
	}
}
