package transform

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shipyard/shipyard/internal/version"
	"github.com/shipyard/shipyard/pkg/fsx"
	"github.com/shipyard/shipyard/pkg/logger"
	"github.com/shipyard/shipyard/pkg/notifier"
	"github.com/shipyard/shipyard/pkg/types"
	"github.com/shipyard/shipyard/pkg/utils"
)

// Config holds the per-process settings of the engine
type Config struct {
	// SourceRoot is the project directory globs and destinations resolve against
	SourceRoot string
	// Version replaces the version token, quoted as a string literal
	Version  string
	Settings types.TransformConfig
	// Concurrency bounds per-file work inside one stage; 0 means GOMAXPROCS
	Concurrency int
}

// Report summarizes one stage run
type Report struct {
	Stage    string
	Files    int
	Duration time.Duration
	// Empty is set when the glob matched nothing
	Empty bool
}

// Engine runs transformation stages
type Engine struct {
	fs          *fsx.FS
	transformer Transformer
	notifier    notifier.Notifier
	logger      logger.Logger
	cfg         Config
	literal     string
}

// NewEngine creates a transformation engine
func NewEngine(fs *fsx.FS, tr Transformer, n notifier.Notifier, log logger.Logger, cfg Config) *Engine {
	if n == nil {
		n = notifier.Nop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if len(cfg.Settings.DeclarationExts) == 0 {
		cfg.Settings.DeclarationExts = []string{".d.ts"}
	}
	if cfg.Settings.StripPrefixes == nil {
		cfg.Settings.StripPrefixes = DefaultStripPrefixes
	}
	return &Engine{
		fs:          fs,
		transformer: tr,
		notifier:    n,
		logger:      log,
		cfg:         cfg,
		literal:     version.Literal(cfg.Version),
	}
}

// Files resolves the stage glob to its compilable source files
func (e *Engine) Files(stage types.StageSpec) ([]string, error) {
	matches, err := utils.Glob(e.fs.Fs(), e.cfg.SourceRoot, stage.SourceGlob)
	if err != nil {
		return nil, fmt.Errorf("stage %s: resolve %s: %w", stage.Name, stage.SourceGlob, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if !IsDeclaration(m, e.cfg.Settings.DeclarationExts) {
			files = append(files, m)
		}
	}
	return files, nil
}

// RunStage compiles every file of a stage. The first per-file failure
// cancels files not yet started and fails the stage.
func (e *Engine) RunStage(ctx context.Context, stage types.StageSpec) (Report, error) {
	log := e.logger.WithStage(stage.Name)
	start := time.Now()
	report := Report{Stage: stage.Name}

	profile, err := LookupProfile(stage.Profile)
	if err != nil {
		return report, fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	files, err := e.Files(stage)
	if err != nil {
		return report, err
	}
	if len(files) == 0 {
		log.Warn("No files matched", logger.WithField("glob", stage.SourceGlob))
		report.Empty = true
		report.Duration = time.Since(start)
		return report, nil
	}

	log.Info("Compiling stage",
		logger.WithField("files", len(files)),
		logger.WithField("profile", stage.Profile))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, file := range files {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("compile %s: panic: %v", file, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err = e.compile(gctx, file, stage, profile)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("Stage failed", logger.WithError(err))
		return report, fmt.Errorf("stage %s: %w", stage.Name, err)
	}

	report.Files = len(files)
	report.Duration = time.Since(start)
	log.Success("Compiled stage",
		logger.WithField("files", report.Files),
		logger.WithField("duration", notifier.FormatDuration(report.Duration)))
	e.notifier.Notify(fmt.Sprintf("Compiled %s", stage.Name), nil)

	return report, nil
}

// CompileFile compiles a single source file with the stage's profile
func (e *Engine) CompileFile(ctx context.Context, relPath string, stage types.StageSpec) (types.TransformResult, error) {
	profile, err := LookupProfile(stage.Profile)
	if err != nil {
		return types.TransformResult{}, fmt.Errorf("stage %s: %w", stage.Name, err)
	}
	res, err := e.compile(ctx, utils.NormalizePattern(relPath), stage, profile)
	if err != nil {
		e.logger.WithStage(stage.Name).Error("Compile failed",
			logger.WithField("file", relPath),
			logger.WithError(err))
		return res, err
	}
	e.logger.WithStage(stage.Name).Info("Compiled file", logger.WithField("file", relPath))
	return res, nil
}

func (e *Engine) compile(ctx context.Context, relPath string, stage types.StageSpec, profile Profile) (types.TransformResult, error) {
	src, err := e.fs.ReadFile(filepath.Join(e.cfg.SourceRoot, filepath.FromSlash(relPath)))
	if err != nil {
		return types.TransformResult{}, fmt.Errorf("read %s: %w", relPath, err)
	}

	out, err := e.transformer.Transform(ctx, src, relPath, profile)
	if err != nil {
		return types.TransformResult{}, err
	}

	res := types.TransformResult{
		OutputPath: OutputPath(e.cfg.SourceRoot, relPath, stage, e.cfg.Settings.StripPrefixes),
		Code:       e.postProcess(out.Code, filepath.Base(relPath), stage),
		SourceMap:  out.Map,
	}

	if len(res.SourceMap) > 0 {
		mapPath := res.OutputPath + ".map"
		if err := e.fs.Write(ctx, mapPath, res.SourceMap, 0644); err != nil {
			return res, err
		}
		// cached outputs share backing arrays
		res.Code = append(bytes.Clone(res.Code), []byte("\n//# sourceMappingURL="+filepath.Base(mapPath))...)
	}

	if err := e.fs.Write(ctx, res.OutputPath, res.Code, 0644); err != nil {
		return res, err
	}
	return res, nil
}

// postProcess substitutes the version token and, for bootstrap files, the
// import placeholder
func (e *Engine) postProcess(code []byte, sourceBase string, stage types.StageSpec) []byte {
	if tok := e.cfg.Settings.VersionToken; tok != "" {
		code = bytes.ReplaceAll(code, []byte(tok), []byte(e.literal))
	}

	outBase := path.Base(RelativeOutput(sourceBase, types.StageSpec{Options: stage.Options}, nil))
	for _, b := range e.cfg.Settings.Bootstraps {
		if b.File == outBase || b.File == sourceBase {
			code = bytes.ReplaceAll(code, []byte(b.Token), []byte(b.Replacement))
		}
	}
	return code
}
