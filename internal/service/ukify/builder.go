package ukify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/oshokin/finalize-ostree-uki/internal/logger"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/artifact"
)

const (
	// osReleaseFilename and configFilename live in the per-build temporary directory.
	osReleaseFilename = "os-release"
	configFilename    = "ukify.conf"

	// tempDirPattern names the per-build temporary directory.
	tempDirPattern = "finalize-ostree-uki-"

	// waitDelay bounds how long output pipes are drained after ukify is killed.
	waitDelay = 5 * time.Second

	// scratchFileMode keeps rendered configs private.
	scratchFileMode = 0o600
)

// ErrBuildFailed is wrapped by BuildError.
var ErrBuildFailed = errors.New("ukify build failed")

// BuildError reports a failed ukify invocation with what is needed to reproduce it.
type BuildError struct {
	// ExitCode is the ukify exit status, -1 when it did not exit normally.
	ExitCode int
	// Config is the rendered configuration.
	Config []byte
	// Output is the combined stdout and stderr.
	Output []byte
	// Err is the underlying cause.
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: exit code %d: %v", ErrBuildFailed, e.ExitCode, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{ErrBuildFailed, e.Err}
}

// BuildResult is a successful ukify run.
type BuildResult struct {
	// SwapPath holds the fresh, not yet published UKI.
	SwapPath string
	// Config is the rendered configuration.
	Config []byte
	// Output is the combined stdout and stderr.
	Output []byte
}

// Builder runs ukify.
type Builder struct {
	// ukify is the executable path.
	ukify string
	// timeout bounds one invocation.
	timeout time.Duration
}

// NewBuilder creates a Builder for the ukify executable at path.
func NewBuilder(path string, timeout time.Duration) *Builder {
	return &Builder{
		ukify:   path,
		timeout: timeout,
	}
}

// Build renders cfg and runs `ukify build` with the swap path of finalPath as output.
// The temporary directory holding the rendered files is removed on every path.
func (b *Builder) Build(ctx context.Context, cfg *BuildConfig, finalPath string) (*BuildResult, error) {
	workDir, err := os.MkdirTemp("", tempDirPattern)
	if err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}

	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.WarnKV(ctx, "Failed to remove build directory", "path", workDir, "error", rmErr)
		}
	}()

	osReleasePath := filepath.Join(workDir, osReleaseFilename)
	if err = os.WriteFile(osReleasePath, cfg.RenderOSRelease(), scratchFileMode); err != nil {
		return nil, fmt.Errorf("write os-release: %w", err)
	}

	rendered, err := cfg.Render(osReleasePath)
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(workDir, configFilename)
	if err = os.WriteFile(configPath, rendered, scratchFileMode); err != nil {
		return nil, fmt.Errorf("write ukify config: %w", err)
	}

	swapPath := artifact.SwapPath(finalPath)

	// A leftover from an interrupted run would otherwise be mistaken for output.
	removeSwap(ctx, swapPath)

	output, exitCode, err := b.run(ctx, configPath, swapPath)
	if err != nil {
		removeSwap(ctx, swapPath)

		return nil, &BuildError{
			ExitCode: exitCode,
			Config:   rendered,
			Output:   output,
			Err:      err,
		}
	}

	return &BuildResult{
		SwapPath: swapPath,
		Config:   rendered,
		Output:   output,
	}, nil
}

// run executes ukify and returns its combined output and exit code.
func (b *Builder) run(ctx context.Context, configPath, swapPath string) ([]byte, int, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, b.ukify, "build", "--config", configPath, "--output", swapPath)
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer

	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.DebugKV(ctx, "Running ukify", "args", cmd.Args)

	err := cmd.Run()
	if err == nil {
		return output.Bytes(), 0, nil
	}

	exitCode := -1

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	if ctxErr := cmdCtx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	return output.Bytes(), exitCode, err
}

// removeSwap deletes a swap file, ignoring absence.
func removeSwap(ctx context.Context, swapPath string) {
	if err := os.Remove(swapPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to clean up swap file", "path", swapPath, "error", err)
	}
}
