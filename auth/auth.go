// Package auth verifies who is behind a channel before any command reaches
// the router. The gateway trusts nothing in the command stream itself; the
// caller identity is established once here, at connect time.
package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-pkgz/expirable-cache/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	sgame "github.com/silarsis/serverless-game-sub003"
	"github.com/silarsis/serverless-game-sub003/storage"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is a verified caller: the account name and whether it carries the
// admin flag. The flag is read from the account database, never from token
// claims, so revoking admin takes effect on the next connect.
type Identity struct {
	Account string
	Admin   bool
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

const identityTTL = 5 * time.Minute

// JWTVerifier accepts HS256 tokens signed with a shared secret. The token
// subject is the account name; the account must exist. Verified identities
// are cached briefly since reconnect storms hit the same accounts.
type JWTVerifier struct {
	secret []byte
	store  *storage.Storage
	cache  cache.Cache[string, *Identity]
}

func NewJWTVerifier(secret []byte, store *storage.Storage) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		store:  store,
		cache:  cache.NewCache[string, *Identity]().WithTTL(identityTTL).WithMaxKeys(1024),
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if identity, found := v.cache.Get(token); found {
		return identity, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		return nil, errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	if claims.Subject == "" {
		return nil, errors.Wrapf(ErrInvalidToken, "token has no subject")
	}

	account, err := v.store.GetAccount(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrInvalidToken, "no account %q", claims.Subject)
	} else if err != nil {
		return nil, sgame.WithStack(err)
	}

	identity := &Identity{Account: account.Username, Admin: account.Admin}
	v.cache.Set(token, identity, 0)
	return identity, nil
}

// IssueToken mints a token for an account, for the login endpoint and tests.
func (v *JWTVerifier) IssueToken(account string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   account,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(v.secret)
	return signed, sgame.WithStack(err)
}

// Login checks username/password against the account database and mints a
// token on success.
func (v *JWTVerifier) Login(ctx context.Context, username string, password string, ttl time.Duration) (string, error) {
	account, err := v.store.GetAccount(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrInvalidToken, "no account %q", username)
	} else if err != nil {
		return "", sgame.WithStack(err)
	}
	if !VerifyPassword(password, account.PasswordHash) {
		return "", errors.Wrapf(ErrInvalidToken, "bad password for %q", username)
	}
	return v.IssueToken(username, ttl)
}
