package middleware

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idot-digital/usersync/internal/httputil"
)

const (
	SessionCookie = "__session"
	subjectKey    = contextKey("session-subject")
)

var ErrNoSession = errors.New("no session token provided")

// staticAsset matches paths that never carry a session: framework internals
// and anything ending in a file extension.
var staticAsset = regexp.MustCompile(`^/(_next(/.*)?|(.*/)?[^/]+\.\w+)$`)

// RouteMatcher decides which request paths require an authenticated session.
type RouteMatcher struct {
	protected []*regexp.Regexp
}

func NewRouteMatcher(patterns []string) (*RouteMatcher, error) {
	m := &RouteMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid protected route %q: %w", p, err)
		}
		m.protected = append(m.protected, re)
	}
	return m, nil
}

func (m *RouteMatcher) RequiresSession(path string) bool {
	if staticAsset.MatchString(path) {
		return false
	}
	for _, re := range m.protected {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// SessionVerifier validates provider-issued RS256 session tokens.
type SessionVerifier struct {
	key    *rsa.PublicKey
	issuer string
	leeway time.Duration
}

// NewSessionVerifier parses a PEM encoded RSA public key. issuer may be empty.
func NewSessionVerifier(publicKeyPEM, issuer string, leeway time.Duration) (*SessionVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse session public key: %w", err)
	}
	return &SessionVerifier{key: key, issuer: issuer, leeway: leeway}, nil
}

// Verify returns the session subject (the external identity id).
func (v *SessionVerifier) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("session token has no subject")
	}
	return claims.Subject, nil
}

// Session gates the paths selected by matcher behind a valid session token.
// A nil verifier rejects every gated request.
func Session(next http.Handler, matcher *RouteMatcher, verifier *SessionVerifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !matcher.RequiresSession(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if verifier == nil {
			httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized - session verification is not configured")
			return
		}

		token, err := sessionToken(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized - No token provided")
			return
		}
		subject, err := verifier.Verify(token)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized - Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSessionSubject(r.Context(), subject)))
	})
}

// WithSessionSubject stores an authenticated identity id on ctx.
func WithSessionSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SessionSubject returns the authenticated identity id, or "".
func SessionSubject(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey).(string); ok {
		return sub
	}
	return ""
}

func sessionToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return token, nil
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", ErrNoSession
}
