// Sfbridge relays chat questions to a hosted LLM and lets the model
// query Salesforce through a subprocess tool server.
//
// It exposes a small HTTP API (POST /chat, GET /, GET /keepalive) and
// a CLI for one-shot questions. Configuration is loaded from an
// optional YAML file (see [config.DefaultSearchPaths]) with the
// process environment layered on top; a .env file in the working
// directory is honored.
//
// Usage:
//
//	sfbridge serve             Start the API server
//	sfbridge ask <question>    Ask a single question (for testing)
//	sfbridge init              Write an example config.yaml
//	sfbridge version           Print version and build information
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

	"github.com/joho/godotenv"

	"github.com/sfbridge/sfbridge/examples"
	"github.com/sfbridge/sfbridge/internal/agent"
	"github.com/sfbridge/sfbridge/internal/api"
	"github.com/sfbridge/sfbridge/internal/buildinfo"
	"github.com/sfbridge/sfbridge/internal/cache"
	"github.com/sfbridge/sfbridge/internal/config"
	"github.com/sfbridge/sfbridge/internal/llm"
	"github.com/sfbridge/sfbridge/internal/mcp"
	"github.com/sfbridge/sfbridge/internal/tools"
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

// run is the real entry point. All OS-level dependencies are injected:
// ctx controls process lifetime, stdout/stderr receive output, args is
// os.Args[1:]. Arguments are parsed by hand — the flag package relies
// on package-level globals, which makes run() impossible to call
// concurrently from tests, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
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

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: sfbridge ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "init":
		return runInit(stdout)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `sfbridge — Salesforce chat relay

Usage:
  sfbridge [flags] <command>

Commands:
  serve              Start the API server
  ask <question>     Ask a single question (for testing)
  init               Write an example config.yaml to the current directory
  version            Print version and build information

Flags:
  -config <path>     Config file (default: search %v)
`, config.DefaultSearchPaths())
	return nil
}

func runVersion(stdout io.Writer) error {
	fmt.Fprintln(stdout, buildinfo.String())
	return nil
}

// runInit writes the embedded example config to ./config.yaml. It
// refuses to overwrite an existing file.
func runInit(stdout io.Writer) error {
	const path = "config.yaml"

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}

	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "wrote %s, edit it and run: sfbridge serve\n", path)
	return nil
}

// loadConfig loads .env, finds and parses the config file, and builds
// the logger. Shared by serve and ask.
func loadConfig(stderr io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	// A missing .env is the normal case, not an error.
	_ = godotenv.Load()

	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if path != "" {
		logger.Info("loaded config", "path", path)
	}
	return cfg, logger, nil
}

// service bundles the constructed subsystems for one process.
type service struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *mcp.Client
	registry *tools.Registry
	loop     *agent.Loop
	cache    cache.Cache
	cacheKey string // "memory" or "redis"
}

// buildService wires transport, tool client, registry, chat client,
// cache, and the agent loop from config. Tool server failures degrade
// the service (no tools) rather than aborting startup; a missing API
// key degrades to basic echo mode.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) *service {
	svc := &service{
		cfg:      cfg,
		logger:   logger,
		registry: tools.NewRegistry(),
	}

	if cfg.ToolServer.Command != "" {
		transport := mcp.NewStdioTransport(mcp.StdioConfig{
			Command:     cfg.ToolServer.Command,
			Args:        cfg.ToolServer.Args,
			Env:         cfg.Salesforce.ChildEnv(),
			CallTimeout: time.Duration(cfg.ToolServer.CallTimeoutSec) * time.Second,
			Logger:      logger,
		})
		svc.client = mcp.NewClient(transport, logger)

		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := svc.client.Initialize(initCtx); err != nil {
			logger.Error("tool server initialization failed, continuing without tools",
				"error", err,
			)
		} else if n, err := mcp.BridgeTools(initCtx, svc.client, svc.registry, logger); err != nil {
			logger.Error("tool discovery failed, continuing without tools", "error", err)
		} else {
			logger.Info("tool server ready", "tools", n)
		}
	} else {
		logger.Warn("no tool server configured")
	}

	var chatClient llm.Client
	if cfg.Anthropic.APIKey != "" {
		chatClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	} else {
		logger.Warn("no API key configured, running in basic mode")
	}

	svc.loop = agent.NewLoop(
		logger,
		chatClient,
		svc.registry,
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
		cfg.Agent.MaxIterations,
		cfg.Agent.SystemPrompt,
	)

	if cfg.Cache.Enabled {
		if cfg.Cache.RedisURL != "" {
			rc, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL(), logger)
			if err != nil {
				logger.Error("redis unavailable, falling back to in-memory cache",
					"error", err,
				)
			} else {
				svc.cache = rc
				svc.cacheKey = "redis"
			}
		}
		if svc.cache == nil {
			svc.cache = cache.NewMemory(cfg.Cache.TTL(), cfg.Cache.SweepInterval(), logger)
			svc.cacheKey = "memory"
		}
	}

	return svc
}

// stop tears down subsystems. Outstanding tool calls are left to their
// timeout timers since the process is exiting anyway.
func (s *service) stop() {
	if s.cache != nil {
		s.cache.Stop()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
}

func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(stderr, configPath)
	if err != nil {
		return err
	}

	logger.Info("starting sfbridge", "build", buildinfo.String())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := buildService(ctx, cfg, logger)
	defer svc.stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc.loop, logger)
	if svc.cache != nil {
		server.SetCache(svc.cache, svc.cacheKey)
	}
	if svc.client != nil {
		server.SetToolStatus(svc.registry, svc.client.Running)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, question string) error {
	cfg, logger, err := loadConfig(stderr, configPath)
	if err != nil {
		return err
	}

	svc := buildService(ctx, cfg, logger)
	defer svc.stop()

	result, err := svc.loop.Run(ctx, question)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]string{
		"response": result.Response,
		"mode":     result.Mode,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}
