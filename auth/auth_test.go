package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/silarsis/serverless-game-sub003/storage"
)

func TestHashPasswordFormat(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash should start with $argon2id$, got: %q", hash)
	}
	if parts := strings.Split(hash, "$"); len(parts) != 6 {
		t.Errorf("hash should have 6 parts, got %d: %q", len(parts), hash)
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "correct horse battery staple"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		want     bool
	}{
		{"correct password", password, hash, true},
		{"wrong password", "incorrect", hash, false},
		{"empty password", "", hash, false},
		{"empty hash", password, "", false},
		{"wrong algorithm", password, "$argon2i$v=19$m=65536,t=1,p=4$abc$def", false},
		{"too few parts", password, "$argon2id$v=19", false},
		{"bad base64 salt", password, "$argon2id$v=19$m=65536,t=1,p=4$!!!$def", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.password, tt.hash); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestVerifier(t *testing.T) (*JWTVerifier, *storage.Storage) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenMem(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Error(err)
		}
	})
	return NewJWTVerifier([]byte("test-secret"), store), store
}

func TestVerifyToken(t *testing.T) {
	v, store := newTestVerifier(t)
	ctx := context.Background()

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAccount(ctx, &storage.Account{
		Username:     "bob",
		PasswordHash: hash,
		Admin:        true,
	}); err != nil {
		t.Fatal(err)
	}

	token, err := v.IssueToken("bob", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := v.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.Account != "bob" || !identity.Admin {
		t.Errorf("Verify() = %+v, want bob with admin", identity)
	}

	// Cache hit returns the same identity.
	again, err := v.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if again.Account != "bob" {
		t.Errorf("cached Verify() = %+v", again)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v, store := newTestVerifier(t)
	ctx := context.Background()

	if _, err := v.Verify(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(garbage) = %v, want ErrInvalidToken", err)
	}

	// Valid signature, but no such account.
	token, err := v.IssueToken("ghost", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(unknown account) = %v, want ErrInvalidToken", err)
	}

	// Wrong secret.
	other := NewJWTVerifier([]byte("other-secret"), store)
	forged, err := other.IssueToken("bob", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(ctx, forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(forged) = %v, want ErrInvalidToken", err)
	}
}

func TestLogin(t *testing.T) {
	v, store := newTestVerifier(t)
	ctx := context.Background()

	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAccount(ctx, &storage.Account{
		Username:     "bob",
		PasswordHash: hash,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Login(ctx, "bob", "wrong", time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Login(wrong password) = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Login(ctx, "nobody", "hunter2", time.Hour); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Login(unknown account) = %v, want ErrInvalidToken", err)
	}

	token, err := v.Login(ctx, "bob", "hunter2", time.Hour)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	identity, err := v.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if identity.Account != "bob" || identity.Admin {
		t.Errorf("Verify(login token) = %+v", identity)
	}
}
