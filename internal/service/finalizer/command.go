package finalizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/finalize-ostree-uki/internal/config"
	"github.com/oshokin/finalize-ostree-uki/internal/domain/entry"
	"github.com/oshokin/finalize-ostree-uki/internal/logger"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/artifact"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/deployment"
	"github.com/oshokin/finalize-ostree-uki/internal/service/common"
	"github.com/oshokin/finalize-ostree-uki/internal/service/ukify"
)

const (
	// EntryPattern selects entry files inside the entries directory.
	EntryPattern = "*.conf"

	// OutputExtension replaces the entry file extension.
	OutputExtension = ".efi"
)

// ErrOutputDirMissing is returned when the output directory is absent.
var ErrOutputDirMissing = errors.New("output directory does not exist")

// Options controls a finalize run.
type Options struct {
	// Config is the validated process configuration.
	Config *config.Config
}

// Resolver finds the deployment behind a kernel command line.
type Resolver interface {
	Resolve(ctx context.Context, options string) (*deployment.Deployment, error)
}

// Builder produces a UKI at the swap path of finalPath.
type Builder interface {
	Build(ctx context.Context, cfg *ukify.BuildConfig, finalPath string) (*ukify.BuildResult, error)
}

// Publisher moves a swap file over its final name.
type Publisher interface {
	Publish(ctx context.Context, swapPath, finalPath string) (*artifact.Published, error)
}

// finalizer holds the collaborators of one run.
type finalizer struct {
	cfg       *config.Config
	resolver  Resolver
	builder   Builder
	publisher Publisher
}

// Run processes every entry file and returns what happened to each.
// Only broken preconditions are returned as errors.
func Run(ctx context.Context, opts *Options) (*Summary, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "finalizer")

	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := checkOutputDir(cfg.OutputDir); err != nil {
		return nil, err
	}

	if cfg.LockFile != "" {
		lock, err := common.AcquireRunLock(ctx, cfg.LockFile)
		if err != nil {
			return nil, err
		}

		defer func() {
			if relErr := lock.Release(); relErr != nil {
				logger.WarnKV(ctx, "Failed to release run lock", "path", cfg.LockFile, "error", relErr)
			}
		}()
	}

	f := &finalizer{
		cfg:       cfg,
		resolver:  deployment.NewResolver(cfg.Sysroot),
		builder:   ukify.NewBuilder(cfg.Ukify, cfg.BuildTimeout),
		publisher: artifact.NewPublisher(),
	}

	return f.run(ctx)
}

// run walks the entry files in name order.
func (f *finalizer) run(ctx context.Context) (*Summary, error) {
	paths, err := discoverEntries(ctx, f.cfg.EntriesDir)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Finalizing boot entries",
		"entries_dir", f.cfg.EntriesDir, "count", len(paths), "output_dir", f.cfg.OutputDir)

	summary := new(Summary)

	for _, path := range paths {
		if ctx.Err() != nil {
			logger.Info(ctx, "Interrupted, remaining entries are left untouched")
			summary.Interrupted = true

			break
		}

		summary.add(f.process(ctx, path))
	}

	logger.InfoKV(ctx, "Finalize run completed",
		"published", summary.Published, "skipped", summary.Skipped, "failed", summary.Failed)

	return summary, nil
}

// process carries one entry through the pipeline.
func (f *finalizer) process(ctx context.Context, path string) *EntryResult {
	ctx = logger.WithKV(ctx, "entry", filepath.Base(path))

	result := &EntryResult{
		Entry:  path,
		Output: filepath.Join(f.cfg.OutputDir, OutputName(path)),
	}

	bootEntry, err := entry.ParseFile(ctx, path, f.cfg.BootRoot)
	if err != nil {
		return result.fail(ctx, err)
	}

	resolved, err := f.resolver.Resolve(ctx, bootEntry.Options)
	if err != nil {
		return result.fail(ctx, err)
	}

	buildConfig := ukify.Compose(bootEntry, resolved, f.cfg.Keys)

	built, err := f.builder.Build(ctx, buildConfig, result.Output)
	if err != nil {
		return result.fail(ctx, err)
	}

	if f.cfg.Verbose {
		logger.InfoKV(ctx, "ukify finished",
			"output", result.Output, "config", string(built.Config), "ukify_output", string(built.Output))
	}

	// Publishing is never cut short by an interrupt.
	published, err := f.publisher.Publish(context.WithoutCancel(ctx), built.SwapPath, result.Output)
	if err != nil {
		return result.fail(ctx, err)
	}

	result.Outcome = OutcomePublished
	result.Digest = published.Digest

	logger.InfoKV(ctx, "Published UKI",
		"path", published.Path, "uname", resolved.KernelUname, "size", published.Size, "blake3", published.Digest)

	return result
}

// OutputName derives the UKI file name from an entry path.
func OutputName(entryPath string) string {
	name := filepath.Base(entryPath)

	return strings.TrimSuffix(name, filepath.Ext(name)) + OutputExtension
}

// checkOutputDir fails unless dir exists and is a directory.
func checkOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", dir, ErrOutputDirMissing)
		}

		return fmt.Errorf("stat output directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", dir, ErrOutputDirMissing)
	}

	return nil
}

// discoverEntries lists regular entry files. Directories and dangling
// symlinks matching the pattern are dropped without a word.
func discoverEntries(ctx context.Context, dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, EntryPattern))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	if len(matches) == 0 {
		logger.WarnKV(ctx, "No boot entries found", "entries_dir", dir)
	}

	paths := make([]string, 0, len(matches))

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		paths = append(paths, path)
	}

	return paths, nil
}
