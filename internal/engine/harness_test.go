package engine_test

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/bundle"
	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/internal/metrics"
	"github.com/shipyard/shipyard/internal/transform"
	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/types"
)

const root = "/project"

type fakeTransformer struct {
	mu     sync.Mutex
	calls  []string
	first  time.Time
	fail   map[string]error
	block  chan struct{}
	onCall func(filename string, source []byte)
}

func (f *fakeTransformer) Transform(ctx context.Context, source []byte, filename string, profile transform.Profile) (transform.Output, error) {
	f.mu.Lock()
	if f.first.IsZero() {
		f.first = time.Now()
	}
	f.calls = append(f.calls, filename)
	onCall, block, err := f.onCall, f.block, f.fail[filename]
	f.mu.Unlock()

	if onCall != nil {
		onCall(filename, source)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return transform.Output{}, err
	}
	return transform.Output{Code: append([]byte(nil), source...), Map: []byte(`{"version":3}`)}, nil
}

func (f *fakeTransformer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

func (f *fakeTransformer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.first = time.Time{}
}

type fakeBundler struct {
	mu        sync.Mutex
	delay     time.Duration
	err       error
	externals map[string][]string
	finished  time.Time
}

func (b *fakeBundler) Bundle(ctx context.Context, entryPath string, externals []string) (bundle.Output, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.externals == nil {
		b.externals = map[string][]string{}
	}
	b.externals[entryPath] = externals
	b.finished = time.Now()
	if b.err != nil {
		return bundle.Output{}, b.err
	}
	name := strings.TrimPrefix(entryPath, root+"/node_modules/")
	return bundle.Output{Code: []byte("module.exports = '" + name + "';")}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		message += ": " + err.Error()
	}
	r.messages = append(r.messages, message)
}

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

type countingRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	outcomes map[metrics.BuildOutcome]int
	results  map[string]metrics.ResultLabel
}

func (c *countingRecorder) IncBuildOutcome(o metrics.BuildOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[metrics.BuildOutcome]int{}
	}
	c.outcomes[o]++
}

func (c *countingRecorder) IncStageResult(stage string, r metrics.ResultLabel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string]metrics.ResultLabel{}
	}
	c.results[stage] = r
}

type harness struct {
	fs        afero.Fs
	cfg       *types.PipelineConfig
	tr        *fakeTransformer
	bundler   *fakeBundler
	notifier  *recordingNotifier
	recorder  *countingRecorder
	scheduler *engine.Scheduler
}

func testConfig() *types.PipelineConfig {
	return &types.PipelineConfig{
		Version:    "1.0",
		SourceRoot: root,
		OutputRoot: "dist",
		Bundles: types.BundleConfig{
			CompiledDir:       "compiled",
			ReplacementPrefix: "next/dist/compiled",
			Packages:          []types.BundleEntry{{Package: "chalk"}, {Package: "arg"}},
			BaseExternals:     []string{"webpack"},
			CopyJobs: []types.CopyJob{
				{Name: "compiled", Source: "compiled/**/*", Destination: "dist/compiled"},
				{Name: "unfetch", Source: "unfetch", Destination: "dist/build/polyfills/unfetch.js"},
			},
			ManifestSearch: []string{"."},
		},
		Transform: types.TransformConfig{VersionToken: "process.env.__NEXT_VERSION"},
		Stages: []types.StageSpec{
			{Name: "bin", SourceGlob: "bin/*", DestinationDir: "dist/bin", Profile: types.ProfileServer,
				Options: types.StageOptions{StripExtension: true, Executable: true}},
			{Name: "lib", SourceGlob: "lib/**/*.+(js|ts|tsx)", DestinationDir: "dist/lib", Profile: types.ProfileServer},
			{Name: "client", SourceGlob: "client/**/*.+(js|ts|tsx)", DestinationDir: "dist/client", Profile: types.ProfileClient},
			{Name: "vendor", SourceGlob: "compiled/**/*.js", DestinationDir: "dist/vendor", Profile: types.ProfileServer},
		},
		WatchRules: []types.WatchRule{
			{PathPrefix: "bin/", Group: "bin"},
			{PathPrefix: "lib/", Group: "lib"},
			{PathPrefix: "client/", Group: "client"},
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		fs:       afero.NewMemMapFs(),
		cfg:      testConfig(),
		tr:       &fakeTransformer{},
		bundler:  &fakeBundler{},
		notifier: &recordingNotifier{},
		recorder: &countingRecorder{},
	}

	seed(t, h.fs, map[string]string{
		"package.json":                           `{"name":"next","version":"9.0.0"}`,
		"node_modules/chalk/package.json":        `{"name":"chalk","main":"index.js","license":"MIT"}`,
		"node_modules/chalk/index.js":            "module.exports = require('./source')",
		"node_modules/chalk/license":             "MIT",
		"node_modules/arg/package.json":          `{"name":"arg"}`,
		"node_modules/arg/index.js":              "module.exports = {}",
		"node_modules/unfetch/package.json":      `{"name":"unfetch","main":"dist/unfetch.js"}`,
		"node_modules/unfetch/dist/unfetch.js":   "self.fetch = self.fetch || unfetch",
		"bin/next":                               "#!/usr/bin/env node\nrequire('../cli')",
		"lib/constants.ts":                       "export const VERSION = process.env.__NEXT_VERSION",
		"lib/utils.ts":                           "export const noop = () => {}",
		"lib/types.d.ts":                         "export declare const x: number",
		"client/index.tsx":                       "export default () => null",
		"client/dev/noop.js":                     "",
	})

	for _, m := range mutate {
		m(h)
	}

	layer := fsx.New(h.fs, logger.Discard(), fsx.WithBackoff(0))
	s, err := engine.NewScheduler(h.cfg, engine.Dependencies{
		FS:          layer,
		Transformer: h.tr,
		Bundler:     h.bundler,
		Notifier:    h.notifier,
		Metrics:     h.recorder,
	}, logger.Discard())
	require.NoError(t, err)
	h.scheduler = s
	return h
}

func seed(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		require.NoError(t, afero.WriteFile(fs, root+"/"+rel, []byte(content), 0644))
	}
}

func read(t *testing.T, fs afero.Fs, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, root+"/"+rel)
	require.NoError(t, err)
	return string(data)
}

func exists(fs afero.Fs, rel string) bool {
	ok, _ := afero.Exists(fs, root+"/"+rel)
	return ok
}

func snapshot(t *testing.T, fs afero.Fs, dir string) map[string]string {
	t.Helper()
	files := map[string]string{}
	require.NoError(t, afero.Walk(fs, root+"/"+dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}
		files[p] = string(data)
		return nil
	}))
	return files
}
