package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"signflow/signature"
)

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestTokenService_IssueAndVerify(t *testing.T) {
	svc := NewTokenService("test-secret").WithClock(fixedClock(issuedAt))

	token, err := svc.Issue(signature.Actor{UserID: "user-1", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}

	actor, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: unexpected error: %v", err)
	}
	if actor.UserID != "user-1" || actor.Email != "alice@example.com" {
		t.Fatalf("verify: unexpected actor %+v", actor)
	}
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService("test-secret").WithClock(fixedClock(issuedAt))
	token, err := svc.Issue(signature.Actor{UserID: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	t.Run("expired", func(t *testing.T) {
		later := NewTokenService("test-secret").WithClock(fixedClock(issuedAt.Add(DefaultTTL + time.Minute)))
		if _, err := later.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenService("other-secret").WithClock(fixedClock(issuedAt))
		if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			UserID:           "user-1",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour))},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := svc.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestTokenService_RequiresSecretAndUser(t *testing.T) {
	if _, err := NewTokenService("").Issue(signature.Actor{UserID: "u"}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewTokenService("s").Issue(signature.Actor{Email: "a@example.com"}); err == nil {
		t.Fatal("expected an error for a missing user id")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"bearer":           {"Bearer abc.def", "abc.def", true},
		"case insensitive": {"bearer abc", "abc", true},
		"basic":            {"Basic dXNlcg==", "", false},
		"empty token":      {"Bearer   ", "", false},
		"missing":          {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := BearerToken(tc.header)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("BearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
			}
		})
	}
}
