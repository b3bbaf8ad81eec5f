package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// TestPublishReplaces checks that the final file takes the swap content and the swap disappears.
func TestPublishReplaces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	final := filepath.Join(dir, "ostree-1.efi")
	swap := SwapPath(final)

	require.NoError(t, os.WriteFile(final, []byte("old uki"), 0o644))
	require.NoError(t, os.WriteFile(swap, []byte("new uki"), 0o644))

	published, err := NewPublisher().Publish(context.Background(), swap, final)
	require.NoError(t, err)

	sum := blake3.Sum256([]byte("new uki"))
	require.Equal(t, final, published.Path)
	require.Equal(t, int64(len("new uki")), published.Size)
	require.Equal(t, hex.EncodeToString(sum[:]), published.Digest)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "new uki", string(data))

	_, err = os.Stat(swap)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestPublishMissingSwap leaves the previous artifact untouched when there is nothing to publish.
func TestPublishMissingSwap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	final := filepath.Join(dir, "ostree-1.efi")
	require.NoError(t, os.WriteFile(final, []byte("old uki"), 0o644))

	_, err := NewPublisher().Publish(context.Background(), SwapPath(final), final)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Contains(t, err.Error(), SwapPath(final))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "old uki", string(data))
}

// TestPublishRenameFailure keeps the old artifact when the target cannot be replaced.
func TestPublishRenameFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	swap := filepath.Join(dir, "x.efi_swap")
	require.NoError(t, os.WriteFile(swap, []byte("new"), 0o644))

	// A non-empty directory cannot be replaced by a file.
	final := filepath.Join(dir, "x.efi")
	require.NoError(t, os.MkdirAll(filepath.Join(final, "keep"), 0o755))

	_, err := NewPublisher().Publish(context.Background(), swap, final)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.Contains(t, err.Error(), "rename")

	_, err = os.Stat(filepath.Join(final, "keep"))
	require.NoError(t, err)
}

// TestPublishDirSyncFailure reports the directory and the cause after the rename happened.
func TestPublishDirSyncFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	final := filepath.Join(dir, "x.efi")
	require.NoError(t, os.WriteFile(SwapPath(final), []byte("new"), 0o644))

	errDisk := errors.New("disk on fire")
	p := &Publisher{syncDir: func(string) error { return errDisk }}

	_, err := p.Publish(context.Background(), SwapPath(final), final)
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, errDisk)
	require.Contains(t, err.Error(), dir)
}

// TestFsyncDir exercises the real directory sync.
func TestFsyncDir(t *testing.T) {
	t.Parallel()

	require.NoError(t, fsyncDir(t.TempDir()))
	require.Error(t, fsyncDir(filepath.Join(t.TempDir(), "missing")))
}
