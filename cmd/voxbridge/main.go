// Command voxbridge is the realtime middle tier: a WebSocket relay that sits
// between untrusted voice clients and an upstream realtime model deployment,
// enforcing the server-side session configuration and running retrieval tools
// on the model's behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/prompt"
	"github.com/MrWong99/voxbridge/internal/rtmt"
	"github.com/MrWong99/voxbridge/internal/server"
	"github.com/MrWong99/voxbridge/internal/tools"
	"github.com/MrWong99/voxbridge/internal/tools/rag"
	"github.com/MrWong99/voxbridge/pkg/docstore/postgres"
	"github.com/MrWong99/voxbridge/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/voxbridge/pkg/provider/embeddings/ollama"
	azureembed "github.com/MrWong99/voxbridge/pkg/provider/embeddings/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"upstream", cfg.Upstream.Endpoint,
		"deployment", cfg.Upstream.Deployment,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxbridge",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Azure credential ──────────────────────────────────────────────────────
	// One credential chain serves both the realtime upstream and the
	// embeddings deployment when no API keys are configured.
	var cred azcore.TokenCredential
	if cfg.Upstream.APIKey == "" || (retrievalConfigured(cfg) && cfg.Embeddings.Provider == "azure" && cfg.Embeddings.APIKey == "") {
		cred, err = newCredential(cfg.Upstream.TenantID)
		if err != nil {
			slog.Error("failed to build Azure credential", "err", err)
			return 1
		}
	}

	// ── Retrieval: document store, embeddings, tools ──────────────────────────
	reg := tools.NewRegistry()
	var checkers []health.Checker

	if retrievalConfigured(cfg) {
		store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect to document store", "err", err)
			return 1
		}
		defer store.Close()
		checkers = append(checkers, health.Checker{Name: "postgres", Check: store.Ping})

		embedder, err := newEmbeddings(cfg, cred)
		if err != nil {
			slog.Error("failed to build embeddings provider", "err", err)
			return 1
		}
		slog.Info("embeddings provider ready",
			"provider", cfg.Embeddings.Provider,
			"model", embedder.ModelID(),
			"dimensions", embedder.Dimensions(),
		)

		if err := reg.Register("search", rag.SearchTool(embedder, store)); err != nil {
			slog.Error("failed to register tool", "tool", "search", "err", err)
			return 1
		}
		if err := reg.Register("report_grounding", rag.GroundingTool(store)); err != nil {
			slog.Error("failed to register tool", "tool", "report_grounding", "err", err)
			return 1
		}
		slog.Info("retrieval tools registered", "tools", reg.Len())
	}

	// ── System message ────────────────────────────────────────────────────────
	systemMessage := cfg.Session.SystemMessage
	if cfg.Session.PromptSource != "" {
		systemMessage, err = prompt.Load(ctx, cfg.Session.PromptSource)
		if err != nil {
			slog.Error("failed to load prompt", "source", cfg.Session.PromptSource, "err", err)
			return 1
		}
		slog.Info("prompt loaded", "source", cfg.Session.PromptSource, "bytes", len(systemMessage))
	}

	// ── Middle tier ───────────────────────────────────────────────────────────
	mtOpts := []rtmt.Option{
		rtmt.WithSystemMessage(systemMessage),
	}
	if cfg.Upstream.APIKey != "" {
		mtOpts = append(mtOpts, rtmt.WithAPIKey(cfg.Upstream.APIKey))
	} else {
		tp, err := rtmt.NewBearerTokenProvider(ctx, cred, rtmt.CredentialScope)
		if err != nil {
			slog.Error("failed to acquire upstream credential", "err", err)
			return 1
		}
		mtOpts = append(mtOpts, rtmt.WithTokenProvider(tp))
		slog.Info("upstream bearer credential warmed")
	}
	if cfg.Session.Model != "" {
		mtOpts = append(mtOpts, rtmt.WithModel(cfg.Session.Model))
	}
	if cfg.Session.Voice != "" {
		mtOpts = append(mtOpts, rtmt.WithVoice(cfg.Session.Voice))
	}
	if cfg.Session.Temperature != nil {
		mtOpts = append(mtOpts, rtmt.WithTemperature(*cfg.Session.Temperature))
	}
	if cfg.Session.MaxTokens != nil {
		mtOpts = append(mtOpts, rtmt.WithMaxTokens(*cfg.Session.MaxTokens))
	}
	if cfg.Session.DisableAudio != nil {
		mtOpts = append(mtOpts, rtmt.WithDisableAudio(*cfg.Session.DisableAudio))
	}

	mt, err := rtmt.New(cfg.Upstream.Endpoint, cfg.Upstream.Deployment, reg, mtOpts...)
	if err != nil {
		slog.Error("failed to initialise middle tier", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithHealthCheckers(checkers...),
	}
	if cfg.Server.StaticDir != "" {
		srvOpts = append(srvOpts, server.WithStaticDir(cfg.Server.StaticDir))
	}
	if cfg.Server.TLS != nil {
		srvOpts = append(srvOpts, server.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}

	srv, err := server.New(cfg.Server.ListenAddr, mt, srvOpts...)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// retrievalConfigured reports whether the config enables the knowledge-base
// tools. Validation already guarantees the store and embeddings halves are
// configured together.
func retrievalConfigured(cfg *config.Config) bool {
	return cfg.Store.PostgresDSN != ""
}

// newCredential builds the Azure credential chain used when no API key is
// configured. A tenant ID selects the Azure Developer CLI credential, which
// matches local development against a specific tenant; otherwise the default
// chain covers managed identity, workload identity, and the CLI.
func newCredential(tenantID string) (azcore.TokenCredential, error) {
	if tenantID != "" {
		cred, err := azidentity.NewAzureDeveloperCLICredential(&azidentity.AzureDeveloperCLICredentialOptions{
			TenantID: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("azd credential for tenant %q: %w", tenantID, err)
		}
		return cred, nil
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("default credential: %w", err)
	}
	return cred, nil
}

// newEmbeddings builds the configured embeddings provider.
func newEmbeddings(cfg *config.Config, cred azcore.TokenCredential) (embeddings.Provider, error) {
	switch cfg.Embeddings.Provider {
	case "ollama":
		return ollamaembed.New(cfg.Embeddings.Endpoint, cfg.Embeddings.Deployment,
			ollamaembed.WithDimensions(cfg.Store.EmbeddingDimensions))

	default: // azure
		opts := []azureembed.Option{
			azureembed.WithDimensions(cfg.Store.EmbeddingDimensions),
		}
		if cfg.Embeddings.APIVersion != "" {
			opts = append(opts, azureembed.WithAPIVersion(cfg.Embeddings.APIVersion))
		}
		if cfg.Embeddings.APIKey == "" {
			opts = append(opts, azureembed.WithTokenCredential(cred))
		}
		return azureembed.New(cfg.Embeddings.Endpoint, cfg.Embeddings.Deployment, cfg.Embeddings.APIKey, opts...)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
