package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Key is a named API credential. Hash is the bcrypt hash of the raw key.
type Key struct {
	Name   string
	Hash   string
	Scopes []string
}

// Auth provides authentication and scope-checking middleware.
type Auth struct {
	keys []Key

	// verified maps sha256(raw key) to its index in keys so bcrypt runs once
	// per distinct key.
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int
}

// NewAuth creates a new Auth middleware accepting keys.
func NewAuth(keys []Key) *Auth {
	return &Auth{keys: keys, verified: map[[sha256.Size]byte]int{}}
}

// Authenticate validates the Bearer token (or X-API-Key header) and sets the
// key's name and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}

		key, ok := a.match(rawKey)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid API key", nil)
			return
		}

		ctx := SetKeyName(r.Context(), key.Name)
		ctx = setScopes(ctx, key.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) match(rawKey string) (Key, bool) {
	sum := sha256.Sum256([]byte(rawKey))

	a.mu.RLock()
	i, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return a.keys[i], true
	}

	for i, key := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(rawKey)) == nil {
			a.mu.Lock()
			a.verified[sum] = i
			a.mu.Unlock()
			return key, true
		}
	}
	return Key{}, false
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, s := range getScopes(r) {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(w, http.StatusForbidden,
				response.CodeForbidden, "Insufficient permissions", nil)
		})
	}
}

func extractToken(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
