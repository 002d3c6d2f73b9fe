package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "stagetrack-test-1"
	testIssuer   = "https://auth.test.stagetrack.dev"
	testAudience = "stagetrack-test"
)

// TestClaims describes the caller a test token is minted for.
type TestClaims struct {
	SubjectID      string
	OrganizationID string
	Email          string
	Roles          []string
	Extra          map[string]any
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and
// publishes the matching key on a JWKS endpoint.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Now())
}

// GenerateExpiredToken mints a token that expired an hour ago, well past
// the verifier's clock skew allowance.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, time.Now().Add(-2*time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt time.Time) string {
	mc := jwt.MapClaims{
		"iss":             testIssuer,
		"aud":             testAudience,
		"iat":             jwt.NewNumericDate(issuedAt),
		"exp":             jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		"sub":             claims.SubjectID,
		"organization_id": claims.OrganizationID,
		"email":           claims.Email,
	}
	if len(claims.Roles) > 0 {
		mc["roles"] = claims.Roles
	}
	maps.Copy(mc, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

// JWKSURL is where the verifier fetches signing keys.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer is the iss claim the verifier must accept.
func (ti *tokenIssuer) Issuer() string { return testIssuer }

// Audience is the aud claim the verifier must accept.
func (ti *tokenIssuer) Audience() string { return testAudience }
