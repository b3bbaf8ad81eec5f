package deployment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/finalize-ostree-uki/internal/logger"
)

const (
	// OstreeArgPrefix marks the kernel argument naming the deployment.
	OstreeArgPrefix = "ostree="

	// OSReleasePath is the os-release location inside a deployment.
	OSReleasePath = "usr/lib/os-release"

	// ModulesPath holds one directory per installed kernel.
	ModulesPath = "usr/lib/modules"
)

var (
	// ErrNotOstreeEntry is returned for command lines without an ostree= argument.
	ErrNotOstreeEntry = errors.New("entry is not booting an ostree deployment")
	// ErrDeploymentNotFound is returned when the deployment directory is gone.
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrMissingOsRelease is returned when the deployment has no os-release file.
	ErrMissingOsRelease = errors.New("deployment has no os-release")
	// ErrAmbiguousKernelVersion is returned unless exactly one kernel is installed.
	ErrAmbiguousKernelVersion = errors.New("deployment must contain exactly one kernel")
)

// Pair is one os-release assignment.
type Pair struct {
	Key   string
	Value string
}

// OSRelease keeps os-release assignments in file order.
type OSRelease []Pair

// Get returns the value for key.
func (r OSRelease) Get(key string) (string, bool) {
	for _, p := range r {
		if p.Key == key {
			return p.Value, true
		}
	}

	return "", false
}

// Set overwrites key in place or appends it.
func (r OSRelease) Set(key, value string) OSRelease {
	for i := range r {
		if r[i].Key == key {
			r[i].Value = value
			return r
		}
	}

	return append(r, Pair{Key: key, Value: value})
}

// Clone returns an independent copy.
func (r OSRelease) Clone() OSRelease {
	if r == nil {
		return nil
	}

	return append(OSRelease(nil), r...)
}

// Deployment is a resolved OSTree deployment.
type Deployment struct {
	// Path is the deployment path exactly as given by the ostree= argument.
	Path string
	// Root is Path joined with the resolver sysroot; it is what was read.
	Root string
	// OSRelease is the parsed usr/lib/os-release.
	OSRelease OSRelease
	// KernelUname is the name of the only directory under usr/lib/modules.
	KernelUname string
}

// Resolver looks deployments up on disk.
type Resolver struct {
	// sysroot is prepended to every deployment path.
	sysroot string
}

// NewResolver creates a resolver. An empty sysroot resolves paths as-is.
func NewResolver(sysroot string) *Resolver {
	return &Resolver{
		sysroot: sysroot,
	}
}

// OstreePath returns the value of the first ostree= argument in options.
func OstreePath(options string) (string, error) {
	for _, arg := range strings.Fields(options) {
		if path, ok := strings.CutPrefix(arg, OstreeArgPrefix); ok {
			return path, nil
		}
	}

	return "", ErrNotOstreeEntry
}

// Resolve finds the deployment referenced by the kernel command line.
func (r *Resolver) Resolve(ctx context.Context, options string) (*Deployment, error) {
	path, err := OstreePath(options)
	if err != nil {
		return nil, err
	}

	root := path
	if r.sysroot != "" {
		root = filepath.Join(r.sysroot, path)
	}

	if _, err = os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", root, ErrDeploymentNotFound)
		}

		return nil, fmt.Errorf("stat deployment %s: %w", root, err)
	}

	osRelease, err := readOSRelease(filepath.Join(root, OSReleasePath))
	if err != nil {
		return nil, err
	}

	uname, err := kernelUname(filepath.Join(root, ModulesPath))
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "Resolved deployment", "path", root, "uname", uname)

	return &Deployment{
		Path:        path,
		Root:        root,
		OSRelease:   osRelease,
		KernelUname: uname,
	}, nil
}

// readOSRelease loads an os-release file.
func readOSRelease(path string) (OSRelease, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrMissingOsRelease)
		}

		return nil, fmt.Errorf("open os-release: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return ParseOSRelease(f)
}

// ParseOSRelease splits KEY=VALUE lines on the first '='.
// Values are kept verbatim, quotes included. A line without '=' becomes a key
// with an empty value. Blank lines and comments are dropped.
func ParseOSRelease(r io.Reader) (OSRelease, error) {
	var release OSRelease

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, value, _ := strings.Cut(line, "=")
		release = release.Set(key, value)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read os-release: %w", err)
	}

	return release, nil
}

// kernelUname returns the single entry of the modules directory.
func kernelUname(modulesDir string) (string, error) {
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", modulesDir, ErrAmbiguousKernelVersion, err)
	}

	if len(entries) != 1 {
		return "", fmt.Errorf("%s: %w: found %d", modulesDir, ErrAmbiguousKernelVersion, len(entries))
	}

	return entries[0].Name(), nil
}
