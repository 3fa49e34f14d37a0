package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultListenAddr is used when server.listen_addr is empty.
const defaultListenAddr = ":8765"

// defaultEmbeddingDimensions matches text-embedding-3-small.
const defaultEmbeddingDimensions = 1536

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, applies defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	// Secrets are usually referenced as ${ENV_VAR} rather than written into
	// the file. Unknown variables expand to the empty string.
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "azure"
	}
	if cfg.Store.EmbeddingDimensions == 0 {
		cfg.Store.EmbeddingDimensions = defaultEmbeddingDimensions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream — a middle tier without an upstream cannot serve anything.
	if cfg.Upstream.Endpoint == "" {
		errs = append(errs, errors.New("upstream.endpoint is required"))
	}
	if cfg.Upstream.Deployment == "" {
		errs = append(errs, errors.New("upstream.deployment is required"))
	}
	if cfg.Upstream.APIKey == "" && cfg.Upstream.TenantID != "" {
		slog.Info("upstream.api_key is empty; using Azure Developer CLI credential", "tenant_id", cfg.Upstream.TenantID)
	}

	// Retrieval — both halves or neither.
	switch cfg.Embeddings.Provider {
	case "azure", "ollama":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q is invalid; valid values: azure, ollama", cfg.Embeddings.Provider))
	}
	haveEmbeddings := cfg.Embeddings.Deployment != ""
	if cfg.Embeddings.Provider == "azure" {
		// Ollama defaults its endpoint; Azure has no sensible default.
		haveEmbeddings = haveEmbeddings && cfg.Embeddings.Endpoint != ""
	}
	haveStore := cfg.Store.PostgresDSN != ""
	if haveEmbeddings != haveStore {
		errs = append(errs, errors.New("retrieval requires both embeddings.{endpoint,deployment} and store.postgres_dsn; configure both or neither"))
	}
	if !haveStore {
		slog.Warn("store.postgres_dsn is empty; retrieval tools are disabled and the model answers without a knowledge base")
	}
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must be positive", cfg.Store.EmbeddingDimensions))
	}

	// Session
	if cfg.Session.SystemMessage != "" && cfg.Session.PromptSource != "" {
		slog.Warn("both session.system_message and session.prompt_source are set; prompt_source wins")
	}
	if cfg.Session.Temperature != nil {
		if t := *cfg.Session.Temperature; t < 0 || t > 2 {
			errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", t))
		}
	}
	if cfg.Session.MaxTokens != nil && *cfg.Session.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("session.max_tokens %d must be positive", *cfg.Session.MaxTokens))
	}

	return errors.Join(errs...)
}
