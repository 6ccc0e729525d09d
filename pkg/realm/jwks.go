package realm

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"
)

// KeySetFetcher retrieves the current signing key set for a realm definition
type KeySetFetcher interface {
	Fetch(ctx context.Context, def *Definition) (map[string]*rsa.PublicKey, error)
}

// jwks represents the JSON Web Key Set document
type jwks struct {
	Keys []jwk `json:"keys"`
}

// jwk represents a single JSON Web Key
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// OIDCFetcher resolves the realm issuer's OIDC discovery document and
// downloads its JWKS. When the definition carries a token URL, the JWKS
// request is authenticated with client credentials.
type OIDCFetcher struct {
	httpClient *http.Client
}

// NewOIDCFetcher creates a key-set fetcher with the given HTTP client
func NewOIDCFetcher(httpClient *http.Client) *OIDCFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OIDCFetcher{httpClient: httpClient}
}

// Fetch performs OIDC discovery for the realm issuer and returns its key set
func (f *OIDCFetcher) Fetch(ctx context.Context, def *Definition) (map[string]*rsa.PublicKey, error) {
	discoveryCtx := oidc.ClientContext(ctx, f.httpClient)
	provider, err := oidc.NewProvider(discoveryCtx, def.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("OIDC discovery for issuer %s failed: %w", def.IssuerURL, err)
	}

	var discovery struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&discovery); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if discovery.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document for issuer %s has no jwks_uri", def.IssuerURL)
	}

	client := f.httpClient
	if def.TokenURL != "" && def.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     def.ClientID,
			ClientSecret: def.ClientSecret,
			TokenURL:     def.TokenURL,
		}
		client = cc.Client(oidc.ClientContext(ctx, f.httpClient))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discovery.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	return parseKeySet(body)
}

// parseKeySet decodes a JWKS document into kid -> RSA public key.
// Non-RSA and encryption-use keys are skipped.
func parseKeySet(data []byte) (map[string]*rsa.PublicKey, error) {
	var keySet jwks
	if err := json.Unmarshal(data, &keySet); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range keySet.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		if key.Use != "" && key.Use != "sig" {
			continue
		}

		pub, err := jwkToRSA(key)
		if err != nil {
			return nil, fmt.Errorf("invalid JWK %q: %w", key.Kid, err)
		}
		keys[key.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS contains no usable RSA signing keys")
	}

	return keys, nil
}

// jwkToRSA converts a JWK's base64url modulus/exponent into an rsa.PublicKey
func jwkToRSA(key jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 || e.Int64() > math.MaxInt32 {
		return nil, fmt.Errorf("exponent out of range")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
