package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IDTokenVerifier checks id_tokens returned alongside user tokens. The
// provider document is fetched on first use and cached.
type IDTokenVerifier struct {
	issuer   string
	clientID string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func NewIDTokenVerifier(issuer, clientID string) *IDTokenVerifier {
	return &IDTokenVerifier{issuer: issuer, clientID: clientID}
}

func (v *IDTokenVerifier) get(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}
	provider, err := oidc.NewProvider(ctx, v.issuer)
	if err != nil {
		return nil, fmt.Errorf("[auth IDTokenVerifier] failed to create OIDC provider: %w", err)
	}
	v.verifier = provider.Verifier(&oidc.Config{ClientID: v.clientID})
	return v.verifier, nil
}

// Verify validates the signature and claims of rawIDToken and returns its subject.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (string, error) {
	verifier, err := v.get(ctx)
	if err != nil {
		return "", err
	}
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("[auth IDTokenVerifier] verify: %w", err)
	}
	return idToken.Subject, nil
}
