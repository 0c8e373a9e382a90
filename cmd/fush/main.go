package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/schaermu/fush/internal/activation"
	"github.com/schaermu/fush/internal/config"
	"github.com/schaermu/fush/internal/gitproto"
	"github.com/schaermu/fush/internal/relay"
	"github.com/schaermu/fush/internal/remote"
	"github.com/schaermu/fush/internal/secrets"
	"github.com/schaermu/fush/internal/sync"
	"github.com/schaermu/fush/internal/syncerr"
	"github.com/schaermu/fush/internal/webhook"
)

// socketName is the FileDescriptorName= expected from a fush.socket unit.
const socketName = "webhook"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	sourceURL   string
	targetURL   string
	headerFlags []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fush",
	Short: "Synchronize Git repositories over Smart HTTP",
	Long: `fush copies refs from a source Git repository to a target Git repository.

It fetches exactly the objects the target is missing from the source and relays
the pack to the target without unpacking it, so no local clone is needed.
It can run as a oneshot sync (via systemd timer) or as a long-running webhook
daemon that responds to GitHub push events.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		gitproto.Agent = "fush/" + version
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the target repository with the source once",
	Long: `Sync discovers the refs of both repositories, fetches the objects the target
lacks from the source and pushes them together with the ref updates.

Nothing is transferred when the target is already up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, false)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the ref updates a sync would perform",
	Long: `Plan discovers the refs of both repositories and prints the ref updates a sync
would send, without fetching or pushing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, true)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial sync and then listens for GitHub push events from the
source repository, running a sync for every accepted delivery.

The listener is taken from systemd socket activation when available, otherwise
serve.listen_addr is used.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fush %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/fush/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&sourceURL, "source", "", "source repository URL (overrides source.url)")
	rootCmd.PersistentFlags().StringVar(&targetURL, "target", "", "target repository URL (overrides target.url)")
	rootCmd.PersistentFlags().StringArrayVar(&headerFlags, "header", nil, "extra HTTP header as Name=Value, repeatable")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runTransfer(cmd *cobra.Command, dryRun bool) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := sync.NewEngine(http.DefaultClient, engineOptions(cfg, dryRun), logger)

	res, err := engine.Sync(ctx)
	if err != nil {
		logFailure(logger, err)
		return err
	}
	if dryRun {
		printPlan(cmd.OutOrStdout(), res)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return errors.New("serve.enabled must be true to run the webhook server")
	}

	engine := sync.NewEngine(http.DefaultClient, engineOptions(cfg, false), logger)
	server, err := webhook.NewServer(cfg.Serve, engine, logger)
	if err != nil {
		return err
	}

	ln, err := activation.Listener(socketName)
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	if ln != nil {
		logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}

	return server.Start(ctx, ln)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// Plans go to stdout, so logs go to stderr.
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file and applies flag overrides. Without an
// explicit --config a missing default file is tolerated as long as the
// flags name both repositories.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	var cfg *config.Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		logger.Info("loading configuration", "path", configPath)
		if cfg, err = config.Parse(data); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && cfgFile == "" && sourceURL != "" && targetURL != "":
		logger.Debug("no configuration file, using flags only", "path", configPath)
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.URL,
		"source_auth", cfg.Source.Auth.AuthMethod(),
		"target", cfg.Target.URL,
		"target_auth", cfg.Target.Auth.AuthMethod(),
		"refs", cfg.Sync.Refs,
		"prune", cfg.Sync.Prune)

	return cfg, nil
}

func applyOverrides(cfg *config.Config) error {
	if sourceURL != "" {
		cfg.Source.URL = sourceURL
	}
	if targetURL != "" {
		cfg.Target.URL = targetURL
	}
	headers, err := parseHeaders(headerFlags)
	if err != nil {
		return err
	}
	if len(headers) > 0 && cfg.Headers == nil {
		cfg.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}
	return nil
}

// parseHeaders turns Name=Value flags into a header map.
func parseHeaders(flags []string) (map[string]string, error) {
	headers := make(map[string]string, len(flags))
	for _, f := range flags {
		name, value, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --header %q, expected Name=Value", f)
		}
		headers[name] = value
	}
	return headers, nil
}

func engineOptions(cfg *config.Config, dryRun bool) sync.Options {
	opts := sync.Options{
		SourceURL:           cfg.Source.URL,
		TargetURL:           cfg.Target.URL,
		Headers:             cfg.Headers,
		Auth:                buildAuth(cfg),
		Patterns:            cfg.Sync.Refs,
		Prune:               cfg.Sync.Prune,
		ConcurrentDiscovery: cfg.Sync.ConcurrentDiscovery,
		DryRun:              dryRun,
		Timeout:             cfg.Sync.Timeout,
		FetchCapabilities:   cfg.Sync.FetchCapabilities,
		PushCapabilities:    cfg.Sync.PushCapabilities,
		Spool:               relay.SpoolOptions{MemoryLimit: cfg.Relay.MemoryLimit},
	}
	if cfg.Relay.SpoolDir != "" {
		opts.Spool.FS = osfs.New(cfg.Relay.SpoolDir)
	}
	return opts
}

// buildAuth maps the configured credentials onto URL prefixes. Secrets are
// resolved on first use, so a run that never reaches a remote never reads
// its secret.
func buildAuth(cfg *config.Config) remote.Auth {
	var aws secrets.Resolver
	if cfg.UsesAWS() {
		aws = secrets.NewAWSResolver(secrets.AWSOptions{
			Region:   cfg.AWS.Region,
			Endpoint: cfg.AWS.Endpoint,
		})
	}

	var creds []remote.Credential
	for _, r := range []config.RemoteConfig{cfg.Source, cfg.Target} {
		c := remote.Credential{
			Prefix:   strings.TrimSuffix(r.URL, "/"),
			Username: r.Auth.Username,
		}
		switch {
		case r.Auth.TokenSecret != "":
			c.Secret, c.Resolver, c.Token = r.Auth.TokenSecret, aws, true
		case r.Auth.TokenFile != "":
			c.Secret, c.Resolver, c.Token = r.Auth.TokenFile, secrets.FileResolver{}, true
		case r.Auth.PasswordFile != "":
			c.Secret, c.Resolver = r.Auth.PasswordFile, secrets.FileResolver{}
		case r.Auth.Username == "":
			continue
		}
		creds = append(creds, c)
	}
	return remote.NewStaticAuth(creds...)
}

func logFailure(logger *slog.Logger, err error) {
	attrs := []any{"kind", syncerr.KindOf(err), "error", err}
	var se *syncerr.Error
	if errors.As(err, &se) && se.State != "" {
		attrs = append(attrs, "state", se.State)
	}
	logger.Error("sync failed", attrs...)

	refs := syncerr.RefsOf(err)
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Error("ref rejected", "ref", name, "reason", refs[name])
	}
}

// printPlan writes one line per ref update in the form
// "<action> <ref> <old>..<new>".
func printPlan(w io.Writer, res *sync.Result) {
	if res.Plan.Empty() {
		_, _ = fmt.Fprintf(w, "up to date (%d refs)\n", len(res.Plan.Unchanged))
		return
	}
	for _, c := range res.Plan.Commands {
		action := "update"
		switch {
		case c.Old.IsZero():
			action = "create"
		case c.IsDelete():
			action = "delete"
		}
		_, _ = fmt.Fprintf(w, "%-6s %s %s..%s\n", action, c.Name, shortHash(c.Old.String()), shortHash(c.New.String()))
	}
	_, _ = fmt.Fprintf(w, "%d updates, %d new tips, %d unchanged\n",
		len(res.Plan.Commands), len(res.Plan.Wants), len(res.Plan.Unchanged))
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
