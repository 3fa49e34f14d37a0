package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
)

const minimalYAML = `
upstream:
  endpoint: https://example.openai.azure.com
  deployment: gpt-4o-realtime-preview
  api_key: k
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := load(t, minimalYAML)
	if cfg.Server.ListenAddr != ":8765" {
		t.Errorf("ListenAddr = %q; want :8765", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q; want info", cfg.Server.LogLevel)
	}
	if cfg.Store.EmbeddingDimensions != 1536 {
		t.Errorf("EmbeddingDimensions = %d; want 1536", cfg.Store.EmbeddingDimensions)
	}
	if cfg.Embeddings.Provider != "azure" {
		t.Errorf("Embeddings.Provider = %q; want azure", cfg.Embeddings.Provider)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg := load(t, `
server:
  listen_addr: ":9000"
  log_level: debug
  static_dir: ./web
upstream:
  endpoint: https://example.openai.azure.com
  deployment: gpt-4o-realtime-preview
  api_key: k
embeddings:
  endpoint: https://example.openai.azure.com
  deployment: text-embedding-3-small
  api_key: ek
store:
  postgres_dsn: postgres://localhost/voxbridge
  embedding_dimensions: 3072
session:
  voice: echo
  system_message: Be brief.
  temperature: 0.7
  max_tokens: 800
  disable_audio: false
`)

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.StaticDir != "./web" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.EmbeddingDimensions != 3072 {
		t.Errorf("EmbeddingDimensions = %d; want 3072", cfg.Store.EmbeddingDimensions)
	}
	if cfg.Session.Voice != "echo" || cfg.Session.SystemMessage != "Be brief." {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.Temperature == nil || *cfg.Session.Temperature != 0.7 {
		t.Errorf("Temperature = %v; want 0.7", cfg.Session.Temperature)
	}
	if cfg.Session.MaxTokens == nil || *cfg.Session.MaxTokens != 800 {
		t.Errorf("MaxTokens = %v; want 800", cfg.Session.MaxTokens)
	}
	if cfg.Session.DisableAudio == nil || *cfg.Session.DisableAudio {
		t.Errorf("DisableAudio = %v; want false", cfg.Session.DisableAudio)
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("VOXBRIDGE_TEST_KEY", "from-env")

	cfg := load(t, `
upstream:
  endpoint: https://example.openai.azure.com
  deployment: gpt-4o-realtime-preview
  api_key: ${VOXBRIDGE_TEST_KEY}
`)
	if cfg.Upstream.APIKey != "from-env" {
		t.Errorf("APIKey = %q; want from-env", cfg.Upstream.APIKey)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
upstrem:
  endpoint: typo
`))
	if err == nil {
		t.Fatal("unknown top-level field should be rejected")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: verbose
upstream:
  endpoint: ""
  deployment: ""
`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "upstream.endpoint", "upstream.deployment"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_RetrievalNeedsBothHalves(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
store:
  postgres_dsn: postgres://localhost/voxbridge
`))
	if err == nil || !strings.Contains(err.Error(), "retrieval") {
		t.Errorf("err = %v; want a retrieval pairing error", err)
	}

	_, err = config.LoadFromReader(strings.NewReader(minimalYAML + `
embeddings:
  endpoint: https://example.openai.azure.com
  deployment: text-embedding-3-small
`))
	if err == nil || !strings.Contains(err.Error(), "retrieval") {
		t.Errorf("err = %v; want a retrieval pairing error", err)
	}
}

func TestValidate_OllamaNeedsNoEndpoint(t *testing.T) {
	t.Parallel()

	cfg := load(t, minimalYAML+`
embeddings:
  provider: ollama
  deployment: nomic-embed-text
store:
  postgres_dsn: postgres://localhost/voxbridge
  embedding_dimensions: 768
`)
	if cfg.Embeddings.Provider != "ollama" {
		t.Errorf("Provider = %q; want ollama", cfg.Embeddings.Provider)
	}
}

func TestValidate_RangeChecks(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
session:
  temperature: 3.5
  max_tokens: -1
`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"temperature", "max_tokens"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_TLSNeedsBothFiles(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
server:
  tls:
    cert_file: /etc/tls.crt
`))
	if err == nil || !strings.Contains(err.Error(), "tls") {
		t.Errorf("err = %v; want a TLS error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/voxbridge.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
