package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tbumi/glacier-upload/internal/config"
	"github.com/tbumi/glacier-upload/internal/progress"
	"github.com/tbumi/glacier-upload/pkg/vault"
	"github.com/tbumi/glacier-upload/pkg/vault/blobvault"
	"github.com/tbumi/glacier-upload/pkg/vault/httpvault"
)

// commonFlags are accepted by every command. Zero values leave the
// environment and the config file in charge.
type commonFlags struct {
	configPath string
	override   config.Config
}

func newFlagSet(name, usage string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&common.configPath, "config", "", "YAML configuration file (default $GLACIER_CONFIG)")
	fs.StringVar(&common.override.VaultURL, "vault-url", "", "Vault backend: http(s) endpoint or bucket URL (mem://, file://, s3://, gs://)")
	fs.BoolVarP(&common.override.Verbose, "verbose", "v", false, "Enable debug logging")
	fs.IntVar(&common.override.Retry.Attempts, "retry-attempts", 0, "Attempts per remote call (default 10)")
	fs.DurationVar(&common.override.Retry.Backoff, "retry-backoff", 0, "Initial retry backoff (default 1s)")
	fs.DurationVar(&common.override.Retry.MaxBackoff, "retry-max-backoff", 0, "Max retry backoff (default 30s)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s\n\nOptions:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and reports whether the command should go on. code
// is the exit code when it should not.
func parse(fs *pflag.FlagSet, args []string) (ok bool, code int) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, ExitSuccess
		}
		return false, ExitInvalidArgs
	}
	return true, ExitSuccess
}

// load resolves configuration: defaults, then the config file, then
// the environment, then flags.
func (c *commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	path := c.configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, &vault.ValidationError{Field: "config", Reason: err.Error()}
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, &vault.ValidationError{Field: "environment", Reason: err.Error()}
	}
	cfg = cfg.Merge(c.override)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// openVault connects to the backend named by cfg.VaultURL. http and https
// URLs speak the REST API; anything else is opened as a bucket.
func openVault(ctx context.Context, cfg config.Config, logger *slog.Logger) (vault.Client, func() error, error) {
	u, err := url.Parse(cfg.VaultURL)
	if err != nil {
		return nil, nil, &vault.ValidationError{Field: "vault_url", Reason: err.Error()}
	}
	switch u.Scheme {
	case "http", "https":
		opts := httpvault.DefaultOptions()
		opts.MaxIdleConnsPerHost = max(cfg.Workers, cfg.Retrieval.Workers) * 2
		opts.Logger = logger
		client, err := httpvault.NewClient(cfg.VaultURL, opts)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	default:
		svc, bucket, err := blobvault.Open(ctx, cfg.VaultURL, blobvault.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return svc, bucket.Close, nil
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[glacier] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func statusf(format string, args ...any) {
	fmt.Fprintf(stderr, "[glacier] "+format+"\n", args...)
}

// parseSize parses a size flag. A bare number is read as MiB, so
// "-p 16" means 16 MiB.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n << 20, nil
	}
	return progress.ParseBytes(s)
}

// sizeFlag applies a size flag to dst when it was given.
func sizeFlag(fs *pflag.FlagSet, name, val string, dst *int64) error {
	if !fs.Changed(name) {
		return nil
	}
	n, err := parseSize(val)
	if err != nil {
		return &vault.ValidationError{Field: name, Reason: err.Error()}
	}
	if n <= 0 {
		return &vault.ValidationError{Field: name, Reason: "must be positive"}
	}
	*dst = n
	return nil
}

// positional checks the number of positional arguments.
func positional(fs *pflag.FlagSet, names ...string) ([]string, bool) {
	args := fs.Args()
	if len(args) != len(names) {
		fmt.Fprintf(stderr, "Error: expected arguments %s\n", strings.Join(names, " "))
		fs.Usage()
		return nil, false
	}
	return args, true
}
