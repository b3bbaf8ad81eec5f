package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/oshokin/finalize-ostree-uki/internal/logger"
)

// SwapSuffix is appended to the final path to name the build output.
const SwapSuffix = "_swap"

// ErrPublishFailed wraps every publication error.
var ErrPublishFailed = errors.New("publish failed")

// Published describes a file that reached its final name.
type Published struct {
	// Path is the final location.
	Path string
	// Size is the file size in bytes.
	Size int64
	// Digest is the hex BLAKE3-256 of the content.
	Digest string
}

// Publisher performs the swap-and-rename protocol.
type Publisher struct {
	// syncDir flushes directory metadata; replaced in tests.
	syncDir func(dir string) error
}

// NewPublisher creates a publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		syncDir: fsyncDir,
	}
}

// SwapPath returns the build output location for finalPath.
func SwapPath(finalPath string) string {
	return finalPath + SwapSuffix
}

// Publish makes swapPath durable and renames it to finalPath.
// Nothing is rolled back on failure: finalPath keeps its previous content
// until the rename succeeds.
func (p *Publisher) Publish(ctx context.Context, swapPath, finalPath string) (*Published, error) {
	size, digest, err := syncAndDigest(swapPath)
	if err != nil {
		return nil, fmt.Errorf("%w: fsync %s: %w", ErrPublishFailed, swapPath, err)
	}

	if err = os.Rename(swapPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: rename %s to %s: %w", ErrPublishFailed, swapPath, finalPath, err)
	}

	if err = fsyncFile(finalPath); err != nil {
		return nil, fmt.Errorf("%w: fsync %s: %w", ErrPublishFailed, finalPath, err)
	}

	dir := filepath.Dir(finalPath)
	if err = p.syncDir(dir); err != nil {
		return nil, fmt.Errorf("%w: fsync directory %s: %w", ErrPublishFailed, dir, err)
	}

	logger.DebugKV(ctx, "Artifact is durable", "path", finalPath, "size", size)

	return &Published{
		Path:   finalPath,
		Size:   size,
		Digest: digest,
	}, nil
}

// syncAndDigest hashes the file and flushes it through the same descriptor.
func syncAndDigest(path string) (int64, string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, "", err
	}

	defer func() {
		_ = f.Close()
	}()

	hasher := blake3.New()

	size, err := io.Copy(hasher, f)
	if err != nil {
		return 0, "", err
	}

	if err = f.Sync(); err != nil {
		return 0, "", err
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// fsyncFile flushes a regular file.
func fsyncFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	return f.Sync()
}

// fsyncDir flushes the directory entry table so a rename survives power loss.
func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}

	defer func() {
		_ = unix.Close(fd)
	}()

	return unix.Fsync(fd)
}
