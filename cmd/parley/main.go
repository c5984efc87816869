// Parley is a multi-persona chat service. Each message is routed to a
// persona, answered by a language model that may call one built-in tool,
// and recorded in a per-session history.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve                 Start the API server
//	parley ask <message>         Send one message and print the reply
//	parley personas              List the loaded personas
//	parley init [dir]            Initialize a working directory with defaults
//	parley version               Print version and build information
//	parley -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/health"
	"github.com/nugget/parley/internal/persona"
)

// main only wires the OS environment into [run] so the whole lifecycle
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run holds no global state and can be
// called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, configPath, outputFmt, opts)
	case "personas":
		return runPersonas(stdout, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	fmt.Fprintln(w, "Parley - multi-persona chat service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                   Start the API server")
	fmt.Fprintln(w, "  ask [-persona id] [-session id] <msg>   Send one message and print the reply")
	fmt.Fprintln(w, "  personas                                List the loaded personas")
	fmt.Fprintln(w, "  init [dir]                              Initialize a working directory (default: .)")
	fmt.Fprintln(w, "  version                                 Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// askOptions holds the arguments of the ask subcommand.
type askOptions struct {
	persona string
	session string
	message string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{session: "cli"}
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-persona" && i+1 < len(args):
			opts.persona = args[i+1]
			i++
		case args[i] == "-session" && i+1 < len(args):
			opts.session = args[i+1]
			i++
		default:
			words = append(words, args[i])
		}
	}
	opts.message = strings.TrimSpace(strings.Join(words, " "))
	if opts.message == "" {
		return opts, fmt.Errorf("usage: parley ask [-persona id] [-session id] <message>")
	}
	return opts, nil
}

// runAsk sends a single message through the full pipeline and prints the
// reply. Sessions live only for the command, so -session matters only
// for the log lines.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, opts askOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs would interleave with the reply on stdout.
	logger := newLogger(io.Discard, cfg)

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	resp, err := app.loop.Run(ctx, &agent.Request{
		Message:   opts.message,
		SessionID: opts.session,
		Persona:   opts.persona,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintf(stdout, "[%s] %s\n", resp.PersonaID, resp.Reply)
	return nil
}

// runPersonas lists the personas the configuration would load.
func runPersonas(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg, err := persona.Load(cfg.PersonasDir, cfg.DefaultPersona)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reg.All())
	}
	def := reg.Default().ID
	for _, p := range reg.All() {
		marker := " "
		if p.ID == def {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %-12s %s\n", marker, p.ID, p.Description)
	}
	return nil
}

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives. Shutdown drains HTTP requests, then stops the
// background goroutines and marks the MQTT device offline.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.Commit(), "branch", buildinfo.GitBranch, "built", buildinfo.Built())
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Default,
		"router_model", cfg.Models.Router,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var wg sync.WaitGroup

	monitor := health.NewMonitor(health.DefaultBackoff(), logger.With("component", "health"))
	for name, c := range app.providers {
		if err := monitor.Watch(ctx, name, c.Ping); err != nil {
			return err
		}
	}

	if app.sweeper.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.sweeper.Run(ctx)
		}()
	}

	var publisher *events.Publisher
	if cfg.MQTT.Enabled() {
		instanceID, err := events.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = events.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
		app.loop.AddObserver(publisher)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "topic", publisher.TurnsTopic())
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, app.loop, app.router, logger)
	server.SetPersonas(app.personas)
	server.SetTools(app.tools)
	server.SetEventBus(app.bus)
	server.SetHealth(monitor)
	if app.usage != nil {
		server.SetUsageStore(app.usage)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			wg.Wait()
			monitor.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	cancel()
	wg.Wait()
	monitor.Wait()

	logger.Info("shutdown complete")
	return nil
}

// loadConfig finds and loads the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the configured level and
// format. Validate has already rejected unknown levels.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
