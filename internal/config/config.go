package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Keys references the signing key material handed to ukify.
// The files are opaque inputs and are never opened by this tool.
type Keys struct {
	// SecureBootPrivateKey signs the resulting PE binary.
	SecureBootPrivateKey string `yaml:"secureboot_private_key"`
	// SecureBootCertificate is the certificate matching SecureBootPrivateKey.
	SecureBootCertificate string `yaml:"secureboot_certificate"`
	// PCRPrivateKey signs the expected PCR 11 values.
	PCRPrivateKey string `yaml:"pcr_private_key"`
	// PCRPublicKey is embedded into the UKI for TPM policy verification.
	PCRPublicKey string `yaml:"pcr_public_key"`
}

// Config holds everything a finalize run needs.
type Config struct {
	// Keys are the signing key paths.
	Keys Keys `yaml:"keys"`
	// Ukify is the path of the UKI builder executable.
	Ukify string `yaml:"ukify"`
	// OutputDir is where the .efi files are published.
	OutputDir string `yaml:"output_dir"`
	// EntriesDir holds the boot-loader entry files.
	EntriesDir string `yaml:"entries_dir"`
	// BootRoot is prepended to the linux and initrd paths of every entry.
	BootRoot string `yaml:"boot_root"`
	// Sysroot is prepended to deployment paths taken from ostree= tokens.
	Sysroot string `yaml:"sysroot"`
	// LockFile guards against two runs at once.
	LockFile string `yaml:"lock_file"`
	// BuildTimeout bounds a single ukify invocation.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// Verbose prints the composed config and builder output on success.
	Verbose bool `yaml:"verbose"`
}

const (
	// DefaultConfigFilename is the settings file read when --config is not given.
	DefaultConfigFilename = "/etc/finalize-ostree-uki/config.yaml"

	// DefaultUkify is where systemd installs ukify.
	DefaultUkify = "/usr/lib/systemd/ukify"

	// DefaultOutputDir is the systemd-boot UKI directory on the ESP.
	DefaultOutputDir = "/boot/efi/EFI/Linux"

	// DefaultEntriesDir is the Boot Loader Specification entries directory.
	DefaultEntriesDir = "/boot/loader/entries"

	// DefaultBootRoot is the mount point the entry paths are relative to.
	DefaultBootRoot = "/boot"

	// DefaultLockFile is the run lock location.
	DefaultLockFile = "/run/finalize-ostree-uki.lock"

	// DefaultBuildTimeout bounds one ukify run.
	DefaultBuildTimeout = 5 * time.Minute

	// DefaultFilePermissions is the mode used when saving settings.
	DefaultFilePermissions = 0o600
)

var (
	// ErrConfigIsNotSet is returned when a nil configuration is provided.
	ErrConfigIsNotSet = errors.New("configuration is not set")
	// ErrMissingKey is returned when a signing key path is empty.
	ErrMissingKey = errors.New("signing key path must be provided")
	// ErrMissingPath is returned when a required location is empty.
	ErrMissingPath = errors.New("path must be provided")
)

// Default returns the stock configuration of a Fedora-style sbctl setup.
func Default() *Config {
	return &Config{
		Keys: Keys{
			SecureBootPrivateKey:  "/var/lib/sbctl/keys/db/db.key",
			SecureBootCertificate: "/var/lib/sbctl/keys/db/db.pem",
			PCRPrivateKey:         "/etc/kernel/tpm2-pcr-initrd-rsa2048-private.pem",
			PCRPublicKey:          "/etc/kernel/tpm2-pcr-initrd-rsa2048-public.pem",
		},
		Ukify:        DefaultUkify,
		OutputDir:    DefaultOutputDir,
		EntriesDir:   DefaultEntriesDir,
		BootRoot:     DefaultBootRoot,
		LockFile:     DefaultLockFile,
		BuildTimeout: DefaultBuildTimeout,
	}
}

// Load reads the settings file at path on top of Default and validates the result.
// When allowMissing is set a nonexistent file yields the defaults.
func Load(path string, allowMissing bool) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	cfg := Default()

	contents, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case allowMissing && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return ErrConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills in defaults for optional ones.
func Validate(cfg *Config) error {
	if cfg == nil {
		return ErrConfigIsNotSet
	}

	required := []struct {
		name  string
		value string
		err   error
	}{
		{"keys.secureboot_private_key", cfg.Keys.SecureBootPrivateKey, ErrMissingKey},
		{"keys.secureboot_certificate", cfg.Keys.SecureBootCertificate, ErrMissingKey},
		{"keys.pcr_private_key", cfg.Keys.PCRPrivateKey, ErrMissingKey},
		{"keys.pcr_public_key", cfg.Keys.PCRPublicKey, ErrMissingKey},
		{"ukify", cfg.Ukify, ErrMissingPath},
		{"output_dir", cfg.OutputDir, ErrMissingPath},
		{"entries_dir", cfg.EntriesDir, ErrMissingPath},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%s: %w", field.name, field.err)
		}
	}

	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}

	return nil
}
