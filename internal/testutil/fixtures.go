// Package testutil holds filesystem fixtures shared by the package tests:
// boot entries, OSTree deployment trees and stand-in ukify executables.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// EchoUkify copies the config (minus the OSRelease line, whose temporary path
// changes every run) and the referenced os-release into the output file.
const EchoUkify = `config="$3"
output="$5"
grep -v '^OSRelease' "$config" > "$output"
cat "$(sed -n 's/^OSRelease *= *@//p' "$config")" >> "$output"
`

// FailingUkify writes a partial output and exits with status 3.
const FailingUkify = `echo partial > "$5"
echo "signing key not found" >&2
exit 3
`

// SleepingUkify never finishes on its own.
const SleepingUkify = `exec sleep 30
`

// WriteUkify writes an executable shell script standing in for ukify and returns its path.
func WriteUkify(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ukify")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755)) //nolint:gosec // Test executable.

	return path
}

// WriteEntry writes an entry file named name into dir and returns its path.
func WriteEntry(t *testing.T, dir, name, content string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// WriteDeployment lays out usr/lib/os-release and one modules directory per
// kernel under path. An empty osRelease leaves the file out.
func WriteDeployment(t *testing.T, path, osRelease string, kernels ...string) string {
	t.Helper()

	modules := filepath.Join(path, "usr", "lib", "modules")
	require.NoError(t, os.MkdirAll(modules, 0o755))

	if osRelease != "" {
		require.NoError(t, os.WriteFile(filepath.Join(path, "usr", "lib", "os-release"), []byte(osRelease), 0o644))
	}

	for _, k := range kernels {
		require.NoError(t, os.MkdirAll(filepath.Join(modules, k), 0o755))
	}

	return path
}
