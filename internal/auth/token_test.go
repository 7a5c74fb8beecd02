package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestCodec(t *testing.T, secret string, clock *testClock, opts ...CodecOption) *TokenCodec {
	t.Helper()
	opts = append(opts, WithCodecClock(clock.Now))
	codec, err := NewTokenCodec(secret, opts...)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return codec
}

func TestTokenRoundTrip(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, "test-secret", clock)

	token, exp, err := codec.Issue(Claims{"sub": "alice", "scope": "ui"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := clock.now.Add(DefaultTokenTTL); !exp.Equal(want) {
		t.Fatalf("expiry = %v, want %v", exp, want)
	}

	claims, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.Subject() != "alice" {
		t.Fatalf("subject = %q", claims.Subject())
	}
	if claims["scope"] != "ui" {
		t.Fatalf("caller claim lost: %v", claims)
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Fatalf("expected jti claim")
	}
}

func TestClaimsSubjectVerbatim(t *testing.T) {
	if got := (Claims{"sub": " alice "}).Subject(); got != " alice " {
		t.Fatalf("subject = %q, want verbatim", got)
	}
	if got := (Claims{"sub": 42}).Subject(); got != "" {
		t.Fatalf("non-string subject = %q", got)
	}
}

func TestTokenExpiryBoundary(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, "test-secret", clock)

	token, exp, err := codec.Issue(Claims{"sub": "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.now = exp
	if _, err := codec.Decode(token); err != nil {
		t.Fatalf("token should be valid at exp: %v", err)
	}

	clock.now = exp.Add(time.Second)
	if _, err := codec.Decode(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenNegativeTTLIsExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, "test-secret", clock)

	token, _, err := codec.Issue(Claims{"sub": "alice"}, -time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := codec.Decode(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenRejectsForeignSignature(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ours := newTestCodec(t, "secret-a", clock)
	theirs := newTestCodec(t, "secret-b", clock)

	forged, _, err := theirs.Issue(Claims{"sub": "mallory"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ours.Decode(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	genuine, _, err := ours.Issue(Claims{"sub": "alice"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	g := strings.Split(genuine, ".")
	f := strings.Split(forged, ".")
	spliced := g[0] + "." + f[1] + "." + g[2]
	if _, err := ours.Decode(spliced); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for spliced payload, got %v", err)
	}
}

func TestTokenRejectsOtherAlgorithms(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	hs256 := newTestCodec(t, "shared", clock)
	hs512 := newTestCodec(t, "shared", clock, WithAlgorithm("HS512"))
	if hs512.Algorithm() != "HS512" {
		t.Fatalf("unexpected algorithm %s", hs512.Algorithm())
	}

	token, _, err := hs512.Issue(Claims{"sub": "alice"}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := hs256.Decode(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice",
		"exp": clock.now.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := hs256.Decode(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}
}

func TestTokenRequiresExp(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, "test-secret", clock)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Decode(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenGarbage(t *testing.T) {
	clock := &testClock{now: time.Now()}
	codec := newTestCodec(t, "test-secret", clock)
	for _, token := range []string{"", "   ", "abc", "a.b.c"} {
		if _, err := codec.Decode(token); !IsTokenError(err) {
			t.Fatalf("Decode(%q) = %v, want token error", token, err)
		}
	}
}

func TestNewTokenCodecValidation(t *testing.T) {
	if _, err := NewTokenCodec(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty secret, got %v", err)
	}
	if _, err := NewTokenCodec("x", WithAlgorithm("RS256")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for RS256, got %v", err)
	}
}
