// Draftmill watches IMAP mailboxes and files AI-generated reply drafts.
//
// Each sync cycle fetches messages that arrived since the last
// checkpoint, filters out machine mail, asks a local model for a reply
// in the account owner's voice, and appends the result to the drafts
// folder threaded onto the original conversation. Nothing is ever
// sent; the human reviews every draft.
//
// Usage:
//
//	draftmill serve          Run the sync daemon
//	draftmill once           Run a single sync cycle and exit
//	draftmill version        Print version and build information
//	draftmill -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/draftmill/draftmill/internal/buildinfo"
	"github.com/draftmill/draftmill/internal/checkpoint"
	"github.com/draftmill/draftmill/internal/classify"
	"github.com/draftmill/draftmill/internal/compose"
	"github.com/draftmill/draftmill/internal/config"
	"github.com/draftmill/draftmill/internal/contacts"
	"github.com/draftmill/draftmill/internal/events"
	"github.com/draftmill/draftmill/internal/imappool"
	"github.com/draftmill/draftmill/internal/llm"
	"github.com/draftmill/draftmill/internal/mailbox"
	"github.com/draftmill/draftmill/internal/status"
	"github.com/draftmill/draftmill/internal/syncer"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests without os.Exit.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals interfere with calling run
// concurrently from tests, and the surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
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
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
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
		return runServe(ctx, stdout, configPath, false)
	case "once":
		return runServe(ctx, stdout, configPath, true)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Draftmill - AI reply drafts for your IMAP mailboxes")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: draftmill [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the sync daemon")
	fmt.Fprintln(w, "  once         Run a single sync cycle and exit")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./draftmill.yaml, ~/.config/draftmill/config.yaml, /etc/draftmill/config.yaml")
	return nil
}

// runServe handles "serve" and "once". The shutdown sequence:
//  1. SIGINT or SIGTERM cancels the context
//  2. The sync engine finishes or abandons its cycle
//  3. MQTT publishes offline, the status server drains
//  4. IMAP sessions log out via the pool
func runServe(ctx context.Context, stdout io.Writer, configPath string, once bool) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting draftmill", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure now that the desired level and format are known. The
	// initial text logger only covers the startup banner.
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"accounts", len(cfg.Accounts),
		"interval", cfg.Sync.Interval(),
		"model", cfg.AI.Model,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Checkpoint store ---
	// With a data directory, checkpoints survive restarts. Without one,
	// every start reseeds and only messages arriving after startup get
	// drafts.
	var marks checkpoint.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		dbPath := cfg.DataDir + "/draftmill.db"
		sqlite, err := checkpoint.NewSQLite(dbPath)
		if err != nil {
			return fmt.Errorf("open checkpoint database %s: %w", dbPath, err)
		}
		defer sqlite.Close()
		marks = sqlite
		logger.Info("checkpoint database opened", "path", dbPath)
	} else {
		marks = checkpoint.NewMemory()
		logger.Warn("no data_dir configured, checkpoints will not survive restarts")
	}

	// --- IMAP layer ---
	pool := imappool.New(imappool.DefaultConnectTimeout, logger)
	defer pool.CloseAll()

	reader := mailbox.NewReader(logger)
	composer := compose.NewComposer(reader, logger)
	store := syncer.NewIMAPStore(pool, reader, composer, logger)

	// --- AI clients ---
	ai := llm.NewClient(cfg.AI, logger)

	// --- Contact resolver ---
	// Optional CardDAV address book; known senders skip classification.
	var resolver classify.ContactResolver
	if cfg.CardDAV.Enabled {
		r, err := contacts.NewResolver(cfg.CardDAV, logger)
		if err != nil {
			return fmt.Errorf("carddav resolver: %w", err)
		}
		resolver = r
		logger.Info("carddav contacts enabled", "url", cfg.CardDAV.URL)
	}

	filter := classify.NewFilter(ai, resolver, logger)

	// --- MQTT events ---
	var publisher syncer.Publisher
	var mqttPub *events.Publisher
	if cfg.MQTT.Enabled {
		mqttPub = events.New(cfg.MQTT, logger)
		if err := mqttPub.Start(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		publisher = mqttPub
		logger.Info("mqtt events enabled", "broker", cfg.MQTT.BrokerURL, "prefix", cfg.MQTT.TopicPrefix)
	}

	engine := syncer.New(cfg, store, ai, filter, marks, publisher, logger)

	// --- Status server ---
	var statusSrv *status.Server
	if cfg.Status.Enabled {
		statusSrv = status.NewServer(cfg.Status.Address, engine, marks, logger)
		go func() {
			if err := statusSrv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if statusSrv != nil {
			_ = statusSrv.Shutdown(shutdownCtx)
		}
	}
	defer shutdown()

	if once {
		summary := engine.Cycle(ctx)
		fmt.Fprintf(stdout, "fetched %d, drafted %d, skipped %d, errors %d\n",
			summary.Fetched, summary.Drafted, summary.Skipped, summary.Errors)
		return nil
	}

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sync engine: %w", err)
	}

	logger.Info("draftmill stopped")
	return nil
}
