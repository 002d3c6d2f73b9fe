package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

var errUnknownKey = errors.New("unknown signing key")

const maxJWKSBody = 1 << 20

type keySet map[string]crypto.PublicKey

// JWKSClient resolves token signing keys from the identity provider's JWKS
// endpoint. The fetched set is cached for the configured TTL; when the
// provider is unreachable the last good set keeps serving.
type JWKSClient struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	minRefresh time.Duration

	sets *ttlcache.Cache[string, keySet]

	mu        sync.Mutex
	last      keySet
	lastFetch time.Time
}

// NewJWKSClient returns a client for the JWKS document at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("jwks"),
		now:        time.Now,
		minRefresh: 5 * time.Minute,
		sets: ttlcache.New(
			ttlcache.WithTTL[string, keySet](ttl),
			ttlcache.WithDisableTouchOnHit[string, keySet](),
		),
	}
}

// GetKey returns the public key published under kid. An unknown kid
// triggers a refetch, throttled to one per minRefresh so forged kids cannot
// hammer the provider.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if item := c.sets.Get(c.url); item != nil {
		if key, ok := item.Value()[kid]; ok {
			return key, nil
		}
	}

	set, err := c.refresh(ctx)
	if err != nil {
		if key, ok := c.staleKey(kid); ok {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}
	key, ok := set[kid]
	if !ok {
		return nil, fmt.Errorf("jwks: %w %q", errUnknownKey, kid)
	}
	return key, nil
}

// HealthCheck succeeds once any signing key is known.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	if c.sets.Get(c.url) != nil {
		return nil
	}
	set, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return errors.New("jwks: provider published no usable keys")
	}
	return nil
}

func (c *JWKSClient) staleKey(kid string) (crypto.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.last[kid]
	return key, ok
}

func (c *JWKSClient) refresh(ctx context.Context) (keySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.last) > 0 && c.now().Sub(c.lastFetch) < c.minRefresh {
		return c.last, nil
	}

	set, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.last = set
	c.lastFetch = c.now()
	c.sets.Set(c.url, set, ttlcache.DefaultTTL)
	c.logger.Debug("jwks refreshed", zap.Int("keys", len(set)))
	return set, nil
}

func (c *JWKSClient) fetch(ctx context.Context) (keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: parse error: %w", err)
	}

	set := make(keySet, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" || jwk.Use == "enc" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		set[jwk.Kid] = key
	}
	return set, nil
}

// jsonWebKey holds the RFC 7517 members needed for RSA and EC verification
// keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() || e.Int64() < 2 {
			return nil, errors.New("invalid exponent")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := curveByName(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(member, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", name)
	}
}
