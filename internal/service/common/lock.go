//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/oshokin/finalize-ostree-uki/internal/logger"
)

// lockFileMode lets other users see who holds the lock.
const lockFileMode = 0o644

// ErrAlreadyRunning is returned when another process holds the run lock.
var ErrAlreadyRunning = errors.New("another finalize run is in progress")

// RunLock is an exclusive flock on a lock file.
// The file stays in place after Release.
type RunLock struct {
	// file keeps the locked descriptor open.
	file *os.File
}

// AcquireRunLock takes the lock without blocking and records the holder.
func AcquireRunLock(ctx context.Context, path string) (*RunLock, error) {
	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := describeHolder(file)
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: held by %s", ErrAlreadyRunning, holder)
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err = writeHolder(file); err != nil {
		_ = file.Close()
		return nil, err
	}

	logger.DebugKV(ctx, "Run lock acquired", "path", path)

	return &RunLock{
		file: file,
	}, nil
}

// Release drops the lock.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}

	l.file = nil

	return err
}

// writeHolder replaces the lock file content with "<pid> <user>@<host>".
func writeHolder(file *os.File) error {
	holder := strconv.Itoa(os.Getpid())
	if actor, err := DetectActor(); err == nil {
		holder += " " + actor.String()
	}

	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}

	if _, err := file.WriteAt([]byte(holder+"\n"), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

// describeHolder names the process recorded in the lock file, if still alive.
func describeHolder(file *os.File) string {
	data, err := io.ReadAll(io.NewSectionReader(file, 0, 1<<12))
	if err != nil {
		return "unknown process"
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "unknown process"
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return "unknown process"
	}

	description := "pid " + fields[0]
	if len(fields) > 1 {
		description += " (" + fields[1] + ")"
	}

	if process, err := ps.FindProcess(pid); err == nil && process != nil {
		description += " " + process.Executable()
	}

	return description
}
