package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/thinkloop/internal/config"
	"github.com/floegence/thinkloop/internal/loop"
	"github.com/floegence/thinkloop/internal/orchestrator"
	"github.com/floegence/thinkloop/internal/provider"
	"github.com/floegence/thinkloop/internal/registry"
	"github.com/floegence/thinkloop/internal/sysmon"
	"github.com/floegence/thinkloop/internal/toolcall"
	"github.com/floegence/thinkloop/internal/transcript"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "tools":
		toolsCmd(os.Args[2:])
	case "version":
		fmt.Printf("thinkloop %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `thinkloop

Usage:
  thinkloop run [flags]
  thinkloop tools [flags]
  thinkloop version

Commands:
  run         Run one thinking session and print the structured answer.
  tools       Print the filtered tool snapshot the model would see.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerID := fs.String("provider", "", "Provider id from config (default: the provider owning the default model)")
	model := fs.String("model", "", "Model name (default: the configured default model)")
	message := fs.String("message", "", "User message to reason about")
	historyPath := fs.String("history", "", "Optional JSON file with prior conversation turns")
	conversationID := fs.String("conversation", "", "Conversation id (default: a fresh uuid)")
	temperature := fs.Float64("temperature", -1, "Sampling temperature (negative: provider default)")
	topP := fs.Float64("top-p", -1, "Sampling top_p (negative: provider default)")
	maxOutputTokens := fs.Int("max-output-tokens", 0, "Max output tokens per turn (0: default)")
	blocked := fs.String("blocked-servers", "", "Comma-separated server ids to block, in addition to the manifest")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall session timeout")
	_ = fs.Parse(args)

	if strings.TrimSpace(*message) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, log := loadConfig(*cfgPath)

	prov, modelName := selectModel(cfg, *providerID, *model)
	apiKey := prov.APIKey()
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "missing api key: set %s\n", prov.KeyEnvName())
		os.Exit(1)
	}
	adapter, err := provider.New(prov.Type, prov.BaseURL, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider %s: %v\n", prov.ID, err)
		os.Exit(1)
	}

	engine, filters, store := buildEngine(cfg, *cfgPath, log)
	if store != nil {
		defer func() { _ = store.Close() }()
	}
	if err := engine.RegisterProvider(prov.ID, adapter); err != nil {
		fmt.Fprintf(os.Stderr, "register provider: %v\n", err)
		os.Exit(1)
	}
	for _, id := range splitList(*blocked) {
		filters.BlockedServers = append(filters.BlockedServers, id)
	}

	var history []provider.Message
	if strings.TrimSpace(*historyPath) != "" {
		b, err := os.ReadFile(filepath.Clean(*historyPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read history: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(b, &history); err != nil {
			fmt.Fprintf(os.Stderr, "parse history: %v\n", err)
			os.Exit(1)
		}
	}

	sampling := provider.SamplingParams{MaxOutputTokens: *maxOutputTokens}
	if *temperature >= 0 {
		t := *temperature
		sampling.Temperature = &t
	}
	if *topP >= 0 {
		p := *topP
		sampling.TopP = &p
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	resp, err := engine.RunThinkingSession(ctx, orchestrator.Params{
		ConversationID: *conversationID,
		UserMessage:    *message,
		History:        history,
		Provider:       prov.ID,
		Model:          modelName,
		Sampling:       sampling,
		Filters:        filters,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func toolsCmd(args []string) {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, log := loadConfig(*cfgPath)
	engine, filters, store := buildEngine(cfg, *cfgPath, log)
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshot, err := engine.DiscoverTools(ctx, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tool discovery: %v\n", err)
		os.Exit(1)
	}
	for _, tool := range snapshot.Tools() {
		fmt.Printf("%-32s %-32s %s\n", tool.Canonical(), tool.DisplayName, tool.Description)
	}
}

func loadConfig(path string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return cfg, log
}

func selectModel(cfg *config.Config, providerID, model string) (config.Provider, string) {
	providerID = strings.TrimSpace(providerID)
	model = strings.TrimSpace(model)

	if providerID == "" {
		prov, defaultModel, err := cfg.DefaultProviderModel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		if model == "" {
			model = defaultModel
		}
		return prov, model
	}

	prov, ok := cfg.FindProvider(providerID)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", providerID)
		os.Exit(1)
	}
	if model == "" {
		for _, m := range prov.Models {
			if m.IsDefault {
				model = m.ModelName
			}
		}
		if model == "" && len(prov.Models) > 0 {
			model = prov.Models[0].ModelName
		}
	}
	if model == "" {
		fmt.Fprintf(os.Stderr, "provider %s has no models configured\n", providerID)
		os.Exit(1)
	}
	return prov, model
}

// buildEngine wires the tool servers and default filters from the config
// and the optional manifest.
func buildEngine(cfg *config.Config, cfgPath string, log *slog.Logger) (*orchestrator.Engine, registry.Filters, *transcript.Store) {
	var store *transcript.Store
	if cfg.Transcript.Enabled {
		path := strings.TrimSpace(cfg.Transcript.Path)
		if path == "" {
			path = filepath.Join(filepath.Dir(filepath.Clean(cfgPath)), "transcript.sqlite")
		}
		var err error
		store, err = transcript.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open transcript store: %v\n", err)
			os.Exit(1)
		}
	}

	engine := orchestrator.NewEngine(log, orchestrator.Options{
		Loop: loop.Config{
			MaxSteps:            cfg.Loop.MaxSteps,
			StagnationThreshold: cfg.Loop.StagnationThreshold,
			Parallelism:         cfg.Loop.Parallelism,
		},
		Retry: loop.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BackoffBase: time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
			BackoffCap:  time.Duration(cfg.Retry.BackoffCapMs) * time.Millisecond,
		},
		Store: store,
	})

	var filters registry.Filters
	added := false
	if path := strings.TrimSpace(cfg.ToolServersManifest); path != "" {
		manifest, err := config.LoadManifest(filepath.Clean(path))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load tool-server manifest: %v\n", err)
			os.Exit(1)
		}
		filters.BlockedServers = append(filters.BlockedServers, manifest.BlockedServers...)
		filters.AllowedTools = manifest.AllowedTools
		for _, srv := range manifest.Servers {
			client := builtinClient(srv.ID, log)
			if client == nil {
				fmt.Fprintf(os.Stderr, "no builtin server %q\n", srv.ID)
				os.Exit(1)
			}
			opts := toolcall.ServerOptions{Timeout: srv.Timeout(), ContextAware: srv.ContextAware}
			if err := engine.AddToolServer(srv.ID, srv.Category, client, opts); err != nil {
				fmt.Fprintf(os.Stderr, "add tool server %s: %v\n", srv.ID, err)
				os.Exit(1)
			}
			if srv.ID == sysmon.ServerID {
				added = true
			}
		}
	}
	if !added {
		if err := engine.AddToolServer(sysmon.ServerID, "", sysmon.NewServer(log), toolcall.ServerOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "add sysmon server: %v\n", err)
			os.Exit(1)
		}
	}
	return engine, filters, store
}

func builtinClient(id string, log *slog.Logger) toolcall.ServerClient {
	if strings.TrimSpace(id) == sysmon.ServerID {
		return sysmon.NewServer(log)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
