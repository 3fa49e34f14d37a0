// Package openai provides an embeddings provider backed by an Azure OpenAI
// embeddings deployment.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxbridge/pkg/provider/embeddings"
)

// DefaultAPIVersion is the Azure OpenAI API version used when none is
// configured.
const DefaultAPIVersion = "2024-06-01"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using an Azure OpenAI embeddings
// deployment. The deployment name doubles as the model identifier on every
// request.
type Provider struct {
	client     oai.Client
	deployment string
	dimensions int
}

// config holds optional configuration for the provider.
type config struct {
	apiVersion string
	dimensions int
	credential azcore.TokenCredential
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIVersion overrides the Azure OpenAI API version.
func WithAPIVersion(v string) Option {
	return func(c *config) { c.apiVersion = v }
}

// WithDimensions pins the embedding dimensionality reported by Dimensions.
// When unset it is inferred from the deployment name.
func WithDimensions(d int) Option {
	return func(c *config) { c.dimensions = d }
}

// WithTokenCredential authenticates with an Azure credential instead of an
// API key. When set, the apiKey argument to New may be empty.
func WithTokenCredential(cred azcore.TokenCredential) Option {
	return func(c *config) { c.credential = cred }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an Azure OpenAI embeddings Provider for the given endpoint
// and deployment. Authentication uses apiKey unless WithTokenCredential is
// supplied.
func New(endpoint, deployment, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("openai embeddings: endpoint must not be empty")
	}
	if deployment == "" {
		return nil, fmt.Errorf("openai embeddings: deployment must not be empty")
	}

	cfg := &config{apiVersion: DefaultAPIVersion}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.credential == nil {
		return nil, fmt.Errorf("openai embeddings: an API key or token credential is required")
	}

	reqOpts := []option.RequestOption{
		azure.WithEndpoint(endpoint, cfg.apiVersion),
	}
	if cfg.credential != nil {
		reqOpts = append(reqOpts, azure.WithTokenCredential(cfg.credential))
	} else {
		reqOpts = append(reqOpts, azure.WithAPIKey(apiKey))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	dims := cfg.dimensions
	if dims <= 0 {
		dims = modelDimensions(deployment)
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		deployment: deployment,
		dimensions: dims,
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.deployment,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.deployment,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.deployment
}

// modelDimensions returns the embedding dimensions for known OpenAI models.
// Azure deployment names usually contain the model name.
func modelDimensions(deployment string) int {
	lower := strings.ToLower(deployment)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536 // sensible default for unknown deployments
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
