package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oshokin/finalize-ostree-uki/internal/config"
	"github.com/oshokin/finalize-ostree-uki/internal/logger"
	"github.com/oshokin/finalize-ostree-uki/internal/service/finalizer"
	"github.com/oshokin/finalize-ostree-uki/internal/version"
)

var errUnknownLogLevel = errors.New("unknown log level")

// flags holds the raw command-line values.
//
//nolint:gochecknoglobals // Required by Cobra CLI framework architecture.
var flags = struct {
	configPath string
	outputDir  string
	ukify      string
	entriesDir string
	bootRoot   string
	sysroot    string
	lockFile   string
	logLevel   string
	timeout    time.Duration
	verbose    bool
}{}

// rootCmd builds and publishes a UKI for every OSTree boot entry.
//
//nolint:gochecknoglobals // Required by Cobra CLI framework architecture.
var rootCmd = &cobra.Command{
	Use:   "finalize-ostree-uki",
	Short: "Build signed UKIs for OSTree boot entries.",
	Long: `Builds a signed Unified Kernel Image for every OSTree boot-loader entry.

Each entry in the entries directory is matched with its OSTree deployment,
a ukify configuration is composed with the deployment's os-release and kernel
version, ukify builds the image next to its final location and the result is
fsynced and renamed into the output directory.

A broken entry or a failed build is reported and skipped; the other entries
are still processed. Settings are read from the configuration file, and
flags override them.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Setup graceful shutdown handling.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		level, ok := logger.ParseLogLevel(flags.logLevel)
		if !ok {
			return fmt.Errorf("%w: %s", errUnknownLogLevel, flags.logLevel)
		}

		logger.SetLevel(level)
		defer logger.Sync()

		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}

		logger.DebugKV(ctx, "Starting", "version", version.Short())

		_, err = finalizer.Run(ctx, &finalizer.Options{Config: cfg})

		return err
	},
}

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf(context.Background(), "finalize-ostree-uki: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the settings file and applies the flags that were set.
// Only an explicitly requested settings file has to exist.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath, !fs.Changed("config"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	overrides := []struct {
		name   string
		target *string
		value  string
	}{
		{"output-dir", &cfg.OutputDir, flags.outputDir},
		{"ukify", &cfg.Ukify, flags.ukify},
		{"entries-dir", &cfg.EntriesDir, flags.entriesDir},
		{"boot-root", &cfg.BootRoot, flags.bootRoot},
		{"sysroot", &cfg.Sysroot, flags.sysroot},
		{"lock-file", &cfg.LockFile, flags.lockFile},
	}
	for _, o := range overrides {
		if fs.Changed(o.name) {
			*o.target = o.value
		}
	}

	if fs.Changed("timeout") {
		cfg.BuildTimeout = flags.timeout
	}

	if fs.Changed("verbose") {
		cfg.Verbose = flags.verbose
	}

	if err = config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flags.configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	f.StringVar(&flags.outputDir, "output-dir", config.DefaultOutputDir, "where to save the UKI binaries")
	f.StringVar(&flags.ukify, "ukify", config.DefaultUkify, "path of the ukify executable")
	f.StringVar(&flags.entriesDir, "entries-dir", config.DefaultEntriesDir, "boot-loader entries directory")
	f.StringVar(&flags.bootRoot, "boot-root", config.DefaultBootRoot, "prefix for the linux and initrd paths of entries")
	f.StringVar(&flags.sysroot, "sysroot", "", "prefix for ostree= deployment paths")
	f.StringVar(&flags.lockFile, "lock-file", config.DefaultLockFile, "run lock file, empty to disable")
	f.DurationVar(&flags.timeout, "timeout", config.DefaultBuildTimeout, "time limit for a single ukify build")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "print the ukify configuration and output")
}
