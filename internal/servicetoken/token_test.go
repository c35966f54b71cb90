package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestVerifierAcceptsValidToken(t *testing.T) {
	key, publicPath := writeRSAKeyPair(t, "svc")
	verifier := newTestVerifier(t, publicPath)

	claims, err := verifier.Verify(sign(t, key, "internal-active", validClaims("account", "chat", "chat.admin")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "account" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if !claims.HasScope("chat.admin") {
		t.Fatalf("expected admin scope")
	}
}

func TestVerifierRejects(t *testing.T) {
	key, publicPath := writeRSAKeyPair(t, "reject")
	verifier := newTestVerifier(t, publicPath)

	future := validClaims("account", "chat", "")
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))

	cases := map[string]string{
		"wrong audience":  sign(t, key, "internal-active", validClaims("account", "ingest", "")),
		"unknown issuer":  sign(t, key, "internal-active", validClaims("stranger", "chat", "")),
		"unknown kid":     sign(t, key, "kid-2", validClaims("account", "chat", "")),
		"missing kid":     sign(t, key, "", validClaims("account", "chat", "")),
		"future iat":      sign(t, key, "internal-active", future),
		"empty token":     "",
		"garbage payload": "not-a-jwt",
	}
	for name, token := range cases {
		if _, err := verifier.Verify(token); err == nil {
			t.Fatalf("%s: expected verification to fail", name)
		}
	}
}

func TestVerifyRequestChecksScope(t *testing.T) {
	key, publicPath := writeRSAKeyPair(t, "scope")
	verifier := newTestVerifier(t, publicPath)

	req := httptest.NewRequest("POST", "/internal/users/1/disconnect", nil)
	if _, err := verifier.VerifyRequest(req, "chat.admin"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected missing bearer to be unauthorized, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+sign(t, key, "internal-active", validClaims("account", "chat", "chat.read")))
	if _, err := verifier.VerifyRequest(req, "chat.admin"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected missing scope to be unauthorized, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+sign(t, key, "internal-active", validClaims("account", "chat", "chat.read chat.admin")))
	if _, err := verifier.VerifyRequest(req, "chat.admin"); err != nil {
		t.Fatalf("expected scoped token to pass: %v", err)
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	parsed, err := ParseVerifyPublicKeys("k1=/a.pem,k2=/b.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("unexpected parsed size: %d", len(parsed))
	}
	if _, err := ParseVerifyPublicKeys("k1"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	token, ok := BearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
}

func newTestVerifier(t *testing.T, publicPath string) *Verifier {
	t.Helper()
	verifier, err := NewVerifierWithOptions(VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "chat",
		AllowedIssuers: []string{"account"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func validClaims(issuer, audience, scope string) Claims {
	now := time.Now().UTC()
	return Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-1",
		},
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func writeRSAKeyPair(t *testing.T, prefix string) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPath := filepath.Join(t.TempDir(), prefix+"-public.pem")
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o600); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return key, publicPath
}
