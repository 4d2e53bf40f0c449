// Package identity turns a bearer token on an incoming RPC request into
// the caller id the Permission Gate (§4.3) evaluates against. It is
// deliberately thin: one HS256-signed claim (`sub`), no session store, no
// refresh flow -- the Gate, not this package, is where authorization
// policy lives.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

type ctxKey int

const callerIDKey ctxKey = 0

// Signer mints and verifies bearer tokens carrying a caller id.
type Signer struct {
	secret []byte
}

// NewSigner constructs a Signer from a shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign mints a bearer token asserting callerID, valid for ttl seconds from
// now; a ttl of zero or less mints a token with no expiry.
func (s *Signer) Sign(callerID string, ttl int64) (string, error) {
	claims := jwt.MapClaims{"sub": callerID}
	if ttl > 0 {
		claims["exp"] = time.Now().Unix() + ttl
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates token and extracts the caller id it asserts.
func (s *Signer) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.Wrap(err, "invalid token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub claim")
	}
	return sub, nil
}

// FromContext returns the caller id attached by Middleware, or "" if none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(callerIDKey).(string)
	return id
}

// WithCallerID attaches callerID to ctx, used by in-process server calls
// that skip the HTTP layer entirely and carry the sentinel server identity
// (see authz.ServerCallerID) directly.
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

// Middleware resolves a caller's identity once per request from its
// Authorization: Bearer <token> header, before the dispatcher ever sees
// the call. A missing or invalid token fails the request outright rather
// than falling through to the gate with an empty identity.
func Middleware(signer *Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			callerID, err := signer.Verify(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
		})
	}
}
