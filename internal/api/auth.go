package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskboard/pkg/actor"
	"taskboard/pkg/store"
)

// Claims is the token payload. Browser and IPAddress, when present, bind the
// token to the client that logged in.
type Claims struct {
	Username  string `json:"username"`
	Browser   string `json:"browser,omitempty"`
	IPAddress string `json:"ipaddress,omitempty"`
	jwt.RegisteredClaims
}

// ActorLookup resolves the principal named by a token.
type ActorLookup interface {
	GetActor(ctx context.Context, name string) (*actor.Actor, error)
}

var errUnauthenticated = errors.New("unauthenticated")

// Authenticator issues and verifies HS256 session tokens.
type Authenticator struct {
	secret []byte
	actors ActorLookup
	ttl    time.Duration
	now    func() time.Time
	lookup time.Duration // bounds the actor lookup of Verify
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret []byte, actors ActorLookup, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: secret, actors: actors, ttl: ttl, now: time.Now, lookup: 5 * time.Second}
}

// WithLookupTimeout sets how long Verify waits for the actor lookup.
func (a *Authenticator) WithLookupTimeout(d time.Duration) *Authenticator {
	if d > 0 {
		a.lookup = d
	}
	return a
}

// Issue signs a token for username. Empty browser and ip leave the token
// unbound.
func (a *Authenticator) Issue(username, browser, ip string) (string, error) {
	now := a.now()
	claims := Claims{
		Username:  username,
		Browser:   browser,
		IPAddress: ip,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func tokenFrom(r *http.Request) string {
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Verify returns the principal of the request or an error wrapping
// errUnauthenticated. Other errors mean the actor lookup itself failed.
func (a *Authenticator) Verify(r *http.Request) (string, error) {
	raw := tokenFrom(r)
	if raw == "" {
		return "", fmt.Errorf("%w: no token", errUnauthenticated)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnauthenticated, err)
	}
	if claims.Username == "" {
		return "", fmt.Errorf("%w: token has no username", errUnauthenticated)
	}
	if claims.Browser != "" && claims.Browser != r.UserAgent() {
		return "", fmt.Errorf("%w: token bound to another browser", errUnauthenticated)
	}
	if claims.IPAddress != "" && claims.IPAddress != clientIP(r) {
		return "", fmt.Errorf("%w: token bound to another address", errUnauthenticated)
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.lookup)
	defer cancel()
	act, err := a.actors.GetActor(ctx, claims.Username)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown user %s", errUnauthenticated, claims.Username)
	}
	if err != nil {
		return "", fmt.Errorf("lookup actor %s: %w", claims.Username, err)
	}
	if !act.Active {
		return "", fmt.Errorf("%w: user %s is disabled", errUnauthenticated, claims.Username)
	}
	return act.Name, nil
}

// Require rejects unauthenticated requests and stores the principal in the
// request context for next.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Verify(r)
		if errors.Is(err, errUnauthenticated) {
			writeError(w, 401, "unauthorized")
			return
		}
		if err != nil {
			log.Printf("api: %s %s [%s]: %v", r.Method, r.URL.Path, RequestIDFrom(r.Context()), err)
			writeError(w, 500, "storage unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

type principalKey struct{}

// WithPrincipal returns ctx carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the authenticated principal stored in ctx.
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}
