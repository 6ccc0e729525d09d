package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/gatehouse/pkg/realm"
)

const (
	testIssuer   = "https://idp.example.com/realms/acme"
	testClientID = "gatehouse"
)

type signer struct {
	kid string
	key *rsa.PrivateKey
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return &signer{kid: kid, key: key}
}

func (s *signer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	raw, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return raw
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "ext-subject-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "alice@example.com",
		"name":  "Alice Example",
	}
}

func snapshotWith(signers ...*signer) *realm.Config {
	keys := make(map[string]*rsa.PublicKey, len(signers))
	for _, s := range signers {
		keys[s.kid] = &s.key.PublicKey
	}
	return &realm.Config{
		TenantID:  "acme",
		IssuerURL: testIssuer,
		ClientID:  testClientID,
		Status:    realm.StatusActive,
		Keys:      keys,
		FetchedAt: time.Now(),
	}
}

type fakeRefresher struct {
	cfg   *realm.Config
	err   error
	calls int
}

func (f *fakeRefresher) ForceRefresh(ctx context.Context, tenantID string) (*realm.Config, error) {
	f.calls++
	return f.cfg, f.err
}

func TestValidator_ValidToken(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, time.Minute)

	claims, err := v.Validate(context.Background(), s.sign(t, baseClaims()), snapshotWith(s))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if claims.Subject != "ext-subject-1" {
		t.Errorf("Expected subject ext-subject-1, got %s", claims.Subject)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("Expected issuer %s, got %s", testIssuer, claims.Issuer)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("Expected email alice@example.com, got %s", claims.Email)
	}
	if claims.DisplayName != "Alice Example" {
		t.Errorf("Expected display name, got %s", claims.DisplayName)
	}
}

func TestValidator_EmbeddedRolesAreDiscarded(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, time.Minute)

	c := baseClaims()
	c["roles"] = []string{"superadmin"}
	c["permissions"] = []string{"*:*"}

	claims, err := v.Validate(context.Background(), s.sign(t, c), snapshotWith(s))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	// The output type has no role/permission surface at all; identity only.
	if claims.Subject == "" {
		t.Error("Expected subject to survive")
	}
}

func TestValidator_ExpiredToken(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, 0)

	c := baseClaims()
	c["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := v.Validate(context.Background(), s.sign(t, c), snapshotWith(s))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError for expired token, got %v", err)
	}
}

func TestValidator_WrongIssuer(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, time.Minute)

	c := baseClaims()
	c["iss"] = "https://evil.example.com"

	_, err := v.Validate(context.Background(), s.sign(t, c), snapshotWith(s))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError for wrong issuer, got %v", err)
	}
}

func TestValidator_WrongAudience(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, time.Minute)

	c := baseClaims()
	c["aud"] = "some-other-client"

	_, err := v.Validate(context.Background(), s.sign(t, c), snapshotWith(s))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError for wrong audience, got %v", err)
	}
}

func TestValidator_WrongSignature(t *testing.T) {
	legit := newSigner(t, "kid-1")
	forger := newSigner(t, "kid-1") // same kid, different key
	v := NewValidator(nil, time.Minute)

	_, err := v.Validate(context.Background(), forger.sign(t, baseClaims()), snapshotWith(legit))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError for forged signature, got %v", err)
	}
}

func TestValidator_MissingSubject(t *testing.T) {
	s := newSigner(t, "kid-1")
	v := NewValidator(nil, time.Minute)

	c := baseClaims()
	delete(c, "sub")

	_, err := v.Validate(context.Background(), s.sign(t, c), snapshotWith(s))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError for missing subject, got %v", err)
	}
}

func TestValidator_UnknownKid(t *testing.T) {
	known := newSigner(t, "kid-1")
	rotated := newSigner(t, "kid-2")
	v := NewValidator(nil, time.Minute)

	_, err := v.Validate(context.Background(), rotated.sign(t, baseClaims()), snapshotWith(known))
	var unknownKey *UnknownKeyError
	if !errors.As(err, &unknownKey) {
		t.Fatalf("Expected UnknownKeyError, got %v", err)
	}
	if unknownKey.Kid != "kid-2" {
		t.Errorf("Expected kid-2 in error, got %s", unknownKey.Kid)
	}
}

func TestValidateWithRefresh_KeyRotation(t *testing.T) {
	old := newSigner(t, "kid-1")
	rotated := newSigner(t, "kid-2")

	refresher := &fakeRefresher{cfg: snapshotWith(old, rotated)}
	v := NewValidator(refresher, time.Minute)

	claims, err := v.ValidateWithRefresh(context.Background(), rotated.sign(t, baseClaims()), snapshotWith(old))
	if err != nil {
		t.Fatalf("ValidateWithRefresh failed: %v", err)
	}
	if claims.Subject != "ext-subject-1" {
		t.Errorf("Unexpected subject: %s", claims.Subject)
	}
	if refresher.calls != 1 {
		t.Errorf("Expected exactly 1 forced refresh, got %d", refresher.calls)
	}
}

func TestValidateWithRefresh_TrulyUnknownKey(t *testing.T) {
	known := newSigner(t, "kid-1")
	rogue := newSigner(t, "kid-rogue")

	// Refresh returns the same key set: the rogue key isn't known upstream either.
	refresher := &fakeRefresher{cfg: snapshotWith(known)}
	v := NewValidator(refresher, time.Minute)

	_, err := v.ValidateWithRefresh(context.Background(), rogue.sign(t, baseClaims()), snapshotWith(known))
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected InvalidError after one failed refresh, got %v", err)
	}
	if refresher.calls != 1 {
		t.Errorf("Expected exactly 1 forced refresh (no looping), got %d", refresher.calls)
	}
}

func TestValidateWithRefresh_ValidTokenNeverRefreshes(t *testing.T) {
	s := newSigner(t, "kid-1")
	refresher := &fakeRefresher{cfg: snapshotWith(s)}
	v := NewValidator(refresher, time.Minute)

	if _, err := v.ValidateWithRefresh(context.Background(), s.sign(t, baseClaims()), snapshotWith(s)); err != nil {
		t.Fatalf("ValidateWithRefresh failed: %v", err)
	}
	if refresher.calls != 0 {
		t.Errorf("Expected no refresh for a valid token, got %d", refresher.calls)
	}
}
