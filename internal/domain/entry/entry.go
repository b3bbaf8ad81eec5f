package entry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/oshokin/finalize-ostree-uki/internal/logger"
)

// Entry keys with a meaning for the finalizer.
const (
	KeyTitle   = "title"
	KeyOptions = "options"
	KeyLinux   = "linux"
	KeyInitrd  = "initrd"
)

// ErrMissingRequiredField is wrapped by MissingFieldsError.
var ErrMissingRequiredField = errors.New("missing required entry key")

// MissingFieldsError names the required keys absent from an entry file.
type MissingFieldsError struct {
	// Source is the entry file path.
	Source string
	// Keys lists the missing keys in canonical order.
	Keys []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Source, ErrMissingRequiredField, strings.Join(e.Keys, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrMissingRequiredField
}

// BootEntry is one parsed entry file.
type BootEntry struct {
	// Source is the file the entry was read from.
	Source string
	// Title is the boot menu name.
	Title string
	// Options is the raw kernel command line.
	Options string
	// Linux is the kernel image path, boot root included.
	Linux string
	// Initrds lists every initrd path in file order, boot root included.
	Initrds []string
	// Extra holds keys the finalizer does not use.
	Extra map[string]string
}

// requiredKeys is the canonical order used in error messages.
//
//nolint:gochecknoglobals // Read-only list.
var requiredKeys = []string{KeyTitle, KeyOptions, KeyLinux, KeyInitrd}

// ParseFile reads and parses the entry file at path.
func ParseFile(ctx context.Context, path, bootRoot string) (*BootEntry, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return Parse(ctx, f, path, bootRoot)
}

// Parse reads entry lines from r. Source is used for diagnostics only.
// A repeated key other than initrd is reported and its first value wins.
func Parse(ctx context.Context, r io.Reader, source, bootRoot string) (*BootEntry, error) {
	entry := &BootEntry{
		Source: source,
		Extra:  make(map[string]string),
	}

	seen := make(map[string]struct{}, len(requiredKeys))
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		key, value, ok := splitLine(scanner.Text())
		if !ok {
			continue
		}

		if key == KeyInitrd {
			if value != "" {
				entry.Initrds = append(entry.Initrds, bootRoot+value)
			}

			continue
		}

		if _, dup := seen[key]; dup {
			logger.WarnKV(ctx, "Duplicated entry key, keeping the first value", "key", key, "entry", source)
			continue
		}

		seen[key] = struct{}{}

		switch key {
		case KeyTitle:
			entry.Title = value
		case KeyOptions:
			entry.Options = value
		case KeyLinux:
			if value != "" {
				entry.Linux = bootRoot + value
			}
		default:
			entry.Extra[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read entry %s: %w", source, err)
	}

	if missing := entry.missingKeys(); len(missing) > 0 {
		return nil, &MissingFieldsError{Source: source, Keys: missing}
	}

	return entry, nil
}

// Name returns the entry file name without its directory.
func (e *BootEntry) Name() string {
	return filepath.Base(e.Source)
}

// missingKeys lists the required keys that are absent or empty.
func (e *BootEntry) missingKeys() []string {
	var missing []string

	for _, key := range requiredKeys {
		var present bool

		switch key {
		case KeyTitle:
			present = e.Title != ""
		case KeyOptions:
			present = e.Options != ""
		case KeyLinux:
			present = e.Linux != ""
		case KeyInitrd:
			present = len(e.Initrds) > 0
		}

		if !present {
			missing = append(missing, key)
		}
	}

	return missing
}

// splitLine returns the key and the rest of a line.
// Blank lines and lines whose first token starts with '#' are skipped.
func splitLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	end := strings.IndexFunc(line, unicode.IsSpace)
	if end < 0 {
		return line, "", true
	}

	return line[:end], strings.TrimSpace(line[end:]), true
}
