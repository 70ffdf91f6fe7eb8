// Almanac is a conversational calendar assistant.
//
// It exposes an HTTP API that turns natural-language chat into calendar
// operations, streaming progress to the caller, plus a CLI for one-shot
// questions. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	almanac serve              Start the API server
//	almanac init [dir]         Initialize a working directory with defaults
//	almanac ask <question>     Ask a single question (for testing)
//	almanac version            Print version and build information
//	almanac -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/almanac-ai/almanac/assistant"
	"github.com/almanac-ai/almanac/internal/agent"
	"github.com/almanac-ai/almanac/internal/api"
	"github.com/almanac-ai/almanac/internal/auth"
	"github.com/almanac-ai/almanac/internal/buildinfo"
	"github.com/almanac-ai/almanac/internal/calendar"
	"github.com/almanac-ai/almanac/internal/config"
	"github.com/almanac-ai/almanac/internal/contacts"
	"github.com/almanac-ai/almanac/internal/events"
	"github.com/almanac-ai/almanac/internal/invite"
	"github.com/almanac-ai/almanac/internal/llm"
	"github.com/almanac-ai/almanac/internal/mqtt"
	"github.com/almanac-ai/almanac/internal/persona"
	"github.com/almanac-ai/almanac/internal/store"
	"github.com/almanac-ai/almanac/internal/timerange"
	"github.com/almanac-ai/almanac/internal/tools"
	"github.com/almanac-ai/almanac/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the almanac command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: almanac ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Almanac - Conversational Calendar Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: almanac [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/almanac/config.yaml, /etc/almanac/config.yaml")
	return nil
}

// runAsk handles the "almanac ask <question>" subcommand. It boots a
// minimal loop (in-memory thread store, no server, no MQTT) and streams
// one request's answer to stdout. Useful for smoke tests and debugging
// without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	loop, _, err := buildLoop(cfg, nil, nil, logger)
	if err != nil {
		return err
	}

	set := loop.Submit(ctx, agent.Request{
		Question:   question,
		Credential: cfg.Auth.APIKey,
	})

	// Drain the side channels so the producer never waits on them.
	go func() {
		for range set.Status() {
		}
	}()
	go func() {
		for range set.GUI() {
		}
	}()
	go func() {
		for range set.ThreadID() {
		}
	}()
	go func() {
		for range set.Mutations() {
		}
	}()
	go func() {
		for range set.Range() {
		}
	}()

	for text := range set.Text() {
		fmt.Fprintln(stdout, text)
	}
	return nil
}

// runServe handles the "almanac serve" subcommand. It is the primary
// operating mode: loads config, opens the usage database, wires the
// orchestration loop and its collaborators, starts the API server and
// optional MQTT notifier, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Almanac", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Calendar.Provider,
		"model", cfg.Models.Default,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	bus := events.New()

	loop, threads, err := buildLoop(cfg, bus, usageStore, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Enabled {
		notifier := mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := notifier.Start(ctx); err != nil {
				logger.Error("mqtt notifier stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, threads, bus, usageStore, auth.NewStatic(cfg.Auth), logger)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildLoop wires the orchestration loop and its collaborators from
// configuration. bus and usageStore may be nil for CLI one-shots.
func buildLoop(cfg *config.Config, bus *events.Bus, usageStore *usage.Store, logger *slog.Logger) (*agent.Loop, *store.Memory, error) {
	completer := llm.NewClient(cfg.Models.BaseURL, cfg.Models.APIKey, logger)

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	var book *contacts.Book
	if cfg.Contacts.VCardPath != "" {
		book, err = contacts.Load(cfg.Contacts.VCardPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load contacts: %w", err)
		}
		logger.Info("contacts loaded", "path", cfg.Contacts.VCardPath, "entries", book.Len())
	}

	var mailer *invite.Mailer
	if cfg.SMTP.Host != "" {
		mailer = invite.NewMailer(cfg.SMTP, logger)
	}

	var assistantFS fs.FS = assistant.FS
	if cfg.Assistant.Dir != "" {
		assistantFS = os.DirFS(cfg.Assistant.Dir)
	}

	extractorModel := cfg.Models.Extractor
	if extractorModel == "" {
		extractorModel = cfg.Models.Default
	}

	dispatcher := tools.NewDispatcher(provider, book, mailer,
		cfg.Calendar.DefaultID, cfg.Calendar.DefaultTimeZone, logger)

	threads := store.NewMemory(0)
	loop := agent.New(agent.Options{
		Completer:   completer,
		Model:       cfg.Models.Default,
		Temperature: cfg.Models.Temperature,
		Persona:     persona.NewLoader(assistantFS),
		Extractor:   timerange.New(completer, extractorModel, logger),
		Dispatcher:  dispatcher,
		Threads:     threads,
		Auth:        auth.NewStatic(cfg.Auth),
		Bus:         bus,
		Usage:       usageStore,
		Logger:      logger,
	})
	return loop, threads, nil
}

// buildProvider selects the calendar backend from configuration.
func buildProvider(cfg *config.Config) (calendar.Provider, error) {
	switch cfg.Calendar.Provider {
	case "", "google":
		return calendar.NewGoogleProvider(cfg.Calendar.Google.BaseURL), nil
	case "caldav":
		return calendar.NewCalDAVProvider(cfg.Calendar.CalDAV)
	default:
		return nil, fmt.Errorf("unknown calendar provider: %q", cfg.Calendar.Provider)
	}
}

// newLogger builds the process logger. Level names include the custom
// trace level used for wire payload logging.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
