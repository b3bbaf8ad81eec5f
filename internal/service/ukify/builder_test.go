package ukify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/finalize-ostree-uki/internal/config"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/artifact"
	"github.com/oshokin/finalize-ostree-uki/internal/testutil"
)

// Builder tests start executables they have just written, so they do not run
// in parallel: a concurrent fork could still hold the script open for writing.

// TestBuildSuccess checks that ukify writes to the swap path and sees both rendered files.
func TestBuildSuccess(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	final := filepath.Join(t.TempDir(), "ostree-1.efi")
	builder := NewBuilder(testutil.WriteUkify(t, testutil.EchoUkify+"echo built\n"), time.Minute)

	result, err := builder.Build(context.Background(), cfg, final)
	require.NoError(t, err)
	require.Equal(t, artifact.SwapPath(final), result.SwapPath)
	require.Contains(t, string(result.Output), "built")
	require.Contains(t, string(result.Config), "Cmdline")

	data, err := os.ReadFile(result.SwapPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "6.8.5-301.fc40.x86_64")
	require.Contains(t, string(data), "PRETTY_NAME=Fedora 40")

	// The final path is not touched by the build.
	_, err = os.Stat(final)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestBuildRemovesTemporaryFiles verifies the scratch directory is gone after the build.
func TestBuildRemovesTemporaryFiles(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	record := filepath.Join(t.TempDir(), "config-path")
	script := `echo "$3" > ` + record + "\n" + `echo uki > "$5"` + "\n"

	final := filepath.Join(t.TempDir(), "ostree-1.efi")
	_, err := NewBuilder(testutil.WriteUkify(t, script), time.Minute).Build(context.Background(), cfg, final)
	require.NoError(t, err)

	configPath, err := os.ReadFile(record)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Dir(strings.TrimSpace(string(configPath))))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestBuildFailure checks the diagnostic payload and the swap cleanup.
func TestBuildFailure(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	dir := t.TempDir()
	final := filepath.Join(dir, "ostree-1.efi")
	require.NoError(t, os.WriteFile(final, []byte("previous"), 0o644))

	_, err := NewBuilder(testutil.WriteUkify(t, testutil.FailingUkify), time.Minute).
		Build(context.Background(), cfg, final)
	require.ErrorIs(t, err, ErrBuildFailed)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Equal(t, 3, buildErr.ExitCode)
	require.Contains(t, string(buildErr.Output), "signing key not found")
	require.Contains(t, string(buildErr.Config), "[PCRSignature:initrd]")

	_, err = os.Stat(artifact.SwapPath(final))
	require.ErrorIs(t, err, os.ErrNotExist)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "previous", string(data))
}

// TestBuildTimeout classifies an expired builder as a build failure.
func TestBuildTimeout(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	final := filepath.Join(t.TempDir(), "ostree-1.efi")

	_, err := NewBuilder(testutil.WriteUkify(t, testutil.SleepingUkify), 200*time.Millisecond).
		Build(context.Background(), cfg, final)
	require.ErrorIs(t, err, ErrBuildFailed)
	require.True(t, errors.Is(err, context.DeadlineExceeded), err)
}

// TestBuildMissingExecutable reports a start failure with exit code -1.
func TestBuildMissingExecutable(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	final := filepath.Join(t.TempDir(), "ostree-1.efi")

	_, err := NewBuilder(filepath.Join(t.TempDir(), "no-ukify"), time.Minute).
		Build(context.Background(), cfg, final)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Equal(t, -1, buildErr.ExitCode)
}

// TestBuildReplacesStaleSwap makes sure a leftover swap file never survives a failed build.
func TestBuildReplacesStaleSwap(t *testing.T) {
	e, d := fedoraFixture()
	cfg := Compose(e, d, config.Default().Keys)

	final := filepath.Join(t.TempDir(), "ostree-1.efi")
	require.NoError(t, os.WriteFile(artifact.SwapPath(final), []byte("stale"), 0o644))

	_, err := NewBuilder(testutil.WriteUkify(t, "exit 1\n"), time.Minute).Build(context.Background(), cfg, final)
	require.ErrorIs(t, err, ErrBuildFailed)

	_, err = os.Stat(artifact.SwapPath(final))
	require.ErrorIs(t, err, os.ErrNotExist)
}
