package rtmt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// CredentialScope is the OAuth scope requested for upstream bearer tokens.
const CredentialScope = "https://cognitiveservices.azure.com/.default"

// tokenRefreshMargin is how long before expiry a cached token is refreshed.
const tokenRefreshMargin = 2 * time.Minute

// TokenProvider returns a bearer token for the upstream handshake.
type TokenProvider func(ctx context.Context) (string, error)

// NewBearerTokenProvider wraps an Azure credential in a caching
// [TokenProvider]. The constructor fetches an initial token so the first
// session does not pay the acquisition latency; afterwards the cached token
// is reused until shortly before it expires.
func NewBearerTokenProvider(ctx context.Context, cred azcore.TokenCredential, scope string) (TokenProvider, error) {
	if scope == "" {
		scope = CredentialScope
	}
	p := &bearerProvider{cred: cred, scope: scope}
	if _, err := p.token(ctx); err != nil {
		return nil, fmt.Errorf("rtmt: warm credential: %w", err)
	}
	return p.token, nil
}

type bearerProvider struct {
	cred  azcore.TokenCredential
	scope string

	mu     sync.Mutex
	cached azcore.AccessToken
}

func (p *bearerProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Token != "" && time.Until(p.cached.ExpiresOn) > tokenRefreshMargin {
		return p.cached.Token, nil
	}

	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		return "", fmt.Errorf("rtmt: acquire bearer token: %w", err)
	}
	p.cached = tok
	return tok.Token, nil
}
