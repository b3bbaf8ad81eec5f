package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("fatal")
	require.False(t, ok)
}

// TestContextLogger ensures names and fields attached to a context reach the output.
func TestContextLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	ctx := ToContext(context.Background(), New(zapcore.DebugLevel, &buf))
	ctx = WithName(ctx, "finalizer")
	ctx = WithKV(ctx, "entry", "fedora.conf")

	InfoKV(ctx, "Published", "path", "/boot/efi/EFI/Linux/fedora.efi")

	out := buf.String()
	require.Contains(t, out, "finalizer")
	require.Contains(t, out, "Published")
	require.Contains(t, out, "fedora.conf")
	require.Contains(t, out, "/boot/efi/EFI/Linux/fedora.efi")
}

// TestFromContextFallback checks that a bare context yields the global logger.
func TestFromContextFallback(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}
