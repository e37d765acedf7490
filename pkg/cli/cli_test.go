package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/shipyard/internal/engine"
	"github.com/shipyard/shipyard/internal/watcher"
	"github.com/shipyard/shipyard/pkg/cli"
	"github.com/shipyard/shipyard/pkg/config"
	"github.com/shipyard/shipyard/pkg/notifier"
	"github.com/shipyard/shipyard/pkg/types"
)

const pipelineJSON = `{
  "version": "1.0",
  "outputRoot": "dist",
  "stages": [
    {"name": "lib", "sourceGlob": "lib/**/*.ts", "destinationDir": "dist/lib", "profile": "server"}
  ],
  "watchRules": [{"pathPrefix": "lib/", "group": "lib"}],
  "bundles": {"packages": [], "copyJobs": []},
  "notifications": {"enabled": false}
}`

// syncBuffer is written by reload callbacks while tests read it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testProject struct {
	root string
	out  *syncBuffer
	err  *syncBuffer
}

func newProject(t *testing.T, pipeline string) *testProject {
	t.Helper()
	root := t.TempDir()
	p := &testProject{root: root, out: &syncBuffer{}, err: &syncBuffer{}}

	p.write(t, "package.json", `{"name": "next", "version": "1.2.3"}`)
	p.write(t, "lib/constants.ts", "export const VERSION: string = process.env.__NEXT_VERSION\n")
	if pipeline != "" {
		p.write(t, "shipyard.json", pipeline)
	}
	return p
}

func (p *testProject) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(p.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (p *testProject) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(p.root, rel))
	return err == nil
}

func (p *testProject) cli(deps engine.Dependencies) *cli.CLI {
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	return cli.NewCLI(
		&cli.Config{Version: "0.1.0"},
		cli.WithOutput(p.out, p.err),
		cli.WithLogOutput(&syncBuffer{}),
		cli.WithDependencies(deps),
	)
}

func (p *testProject) run(t *testing.T, args ...string) error {
	t.Helper()
	return p.cli(engine.Dependencies{}).Execute(append([]string{"--root", p.root}, args...))
}

func TestBuildCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "build"))

	data, err := os.ReadFile(filepath.Join(p.root, "dist/lib/constants.js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1.2.3"`)
	assert.Contains(t, p.out.String(), "Build completed")
}

func TestBuildCommand_FailureExitsNonZero(t *testing.T) {
	p := newProject(t, pipelineJSON)
	p.write(t, "lib/broken.ts", "export const = ;\n")

	err := p.run(t, "build")
	require.Error(t, err)
	assert.Contains(t, p.err.String(), "Build failed")
}

func TestBuildCommand_ReleaseClearsOutputRoot(t *testing.T) {
	p := newProject(t, pipelineJSON)
	p.write(t, "dist/stale.js", "old")

	require.NoError(t, p.run(t, "build", "--release"))
	assert.False(t, p.exists("dist/stale.js"))
	assert.True(t, p.exists("dist/lib/constants.js"))
}

func TestBundleCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "bundle"))
	assert.False(t, p.exists("dist/lib"), "bundle must not run the transformation phase")
	assert.Contains(t, p.out.String(), "Bundled 0 packages")
}

func TestCleanCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)
	require.NoError(t, p.run(t, "build"))
	require.True(t, p.exists(".shipyard/state/lib.json"))

	require.NoError(t, p.run(t, "clean"))
	assert.False(t, p.exists("dist"))
	assert.False(t, p.exists(".shipyard/state/lib.json"))
}

func TestStatusCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "status"))
	assert.Contains(t, p.out.String(), "No stage has run yet")

	require.NoError(t, p.run(t, "build"))
	require.NoError(t, p.run(t, "status"))
	out := p.out.String()
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "lib")
	assert.Contains(t, out, "succeeded")
}

func TestListCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "list"))
	out := p.out.String()
	assert.Contains(t, out, "lib/**/*.ts")
	assert.Contains(t, out, "WATCH PREFIX")
	assert.Contains(t, out, "1 stages in 1 groups, 0 bundled packages")
}

func TestListCommand_DefaultPipeline(t *testing.T) {
	p := newProject(t, "")

	require.NoError(t, p.run(t, "list"))
	def := config.DefaultConfig()
	assert.Contains(t, p.out.String(), "next-server")
	assert.Contains(t, p.out.String(), fmt.Sprintf("%d stages in", len(def.Stages)))
	assert.Contains(t, p.out.String(), fmt.Sprintf("%d bundled packages", len(def.Bundles.Packages)))
}

func TestValidateCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)
	require.NoError(t, p.run(t, "validate"))
	assert.Contains(t, p.out.String(), "Configuration is valid")

	bad := newProject(t, `{"version": "1.0", "stages": [{"name": "lib", "sourceGlob": "lib/*", "destinationDir": "dist/lib", "profile": "browser"}]}`)
	err := bad.run(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid profile")
}

func TestInitCommand(t *testing.T) {
	p := newProject(t, "")

	require.NoError(t, p.run(t, "init"))
	require.True(t, p.exists("shipyard.yaml"))

	cfg, err := config.NewManager().LoadConfig(filepath.Join(p.root, "shipyard.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Stages, len(config.DefaultConfig().Stages))
	assert.Equal(t, p.root, cfg.SourceRoot)

	err = p.run(t, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, p.run(t, "init", "--force"))
}

func TestInitCommand_JSON(t *testing.T) {
	p := newProject(t, "")

	require.NoError(t, p.run(t, "init", "--format", "json"))
	cfg, err := config.NewManager().LoadConfig(filepath.Join(p.root, "shipyard.json"))
	require.NoError(t, err)
	assert.Equal(t, types.RunModeOnce, cfg.Mode)

	require.Error(t, newProject(t, "").run(t, "init", "--format", "toml"))
}

func TestWaitCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	err := p.run(t, "wait", "--timeout", "50ms", "--poll-interval", "10ms")
	require.Error(t, err)
	assert.Contains(t, p.out.String(), "TIMEOUT")

	require.NoError(t, p.run(t, "build"))
	require.NoError(t, p.run(t, "wait", "lib", "--timeout", "1s", "--poll-interval", "10ms"))

	err = p.run(t, "wait", "--status", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestRunCommand_OnceMode(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "run"))
	assert.True(t, p.exists("dist/lib/constants.js"))
}

func TestVersionCommand(t *testing.T) {
	p := newProject(t, pipelineJSON)

	require.NoError(t, p.run(t, "version"))
	assert.Contains(t, p.out.String(), "shipyard v0.1.0")
	assert.Contains(t, p.out.String(), "build version 1.2.3")
}

func TestEnvironmentFillsFlags(t *testing.T) {
	p := newProject(t, pipelineJSON)
	t.Setenv("SHIPYARD_ROOT", p.root)

	c := p.cli(engine.Dependencies{})
	require.NoError(t, c.Execute([]string{"build"}))
	assert.True(t, p.exists("dist/lib/constants.js"))
}

func TestDotEnvIsLoaded(t *testing.T) {
	p := newProject(t, pipelineJSON)
	p.write(t, ".env", "SHIPYARD_DOTENV_MARKER=loaded\n")
	t.Cleanup(func() { os.Unsetenv("SHIPYARD_DOTENV_MARKER") })

	require.NoError(t, p.run(t, "list"))
	assert.Equal(t, "loaded", os.Getenv("SHIPYARD_DOTENV_MARKER"))
}

type fakeSubscription struct {
	events chan types.WatchEvent
}

func (f *fakeSubscription) Events() <-chan types.WatchEvent { return f.events }

func (f *fakeSubscription) Close() error { return nil }

type subscriptions struct {
	mu    sync.Mutex
	count int
}

func (s *subscriptions) subscribe(watcher.Options) (watcher.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return &fakeSubscription{events: make(chan types.WatchEvent)}, nil
}

func (s *subscriptions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestDevCommand_RestartsOnPipelineChange(t *testing.T) {
	p := newProject(t, pipelineJSON)
	subs := &subscriptions{}
	c := p.cli(engine.Dependencies{Subscribe: subs.subscribe})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.ExecuteContext(ctx, []string{"--root", p.root, "dev"})
	}()

	require.Eventually(t, func() bool { return subs.Count() == 1 }, 10*time.Second, 10*time.Millisecond)
	assert.True(t, p.exists("dist/lib/constants.js"))

	p.write(t, "shipyard.json", strings.ReplaceAll(pipelineJSON, "dist", "out"))
	require.Eventually(t, func() bool { return subs.Count() == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.True(t, p.exists("out/lib/constants.js"))
	assert.Contains(t, p.out.String(), "Pipeline file changed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("dev did not stop after cancel")
	}
	assert.Contains(t, p.out.String(), "Stopped watching")
}

func TestDevCommand_InitialBuildFailureIsFatal(t *testing.T) {
	p := newProject(t, pipelineJSON)
	p.write(t, "lib/broken.ts", "export const = ;\n")
	subs := &subscriptions{}

	err := p.cli(engine.Dependencies{Subscribe: subs.subscribe}).
		Execute([]string{"--root", p.root, "dev", "--no-reload"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial build")
	assert.Equal(t, 0, subs.Count())
}
