// Package auth binds inbound requests to tenants. API keys are
// declared per tenant in the gateway config; a valid key overrides the
// request body's tenant field. With no keys configured the gateway
// runs open and trusts the body field.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/llm-gateway/internal/apierr"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	requestIDKey contextKey = "request_id"
)

const hashPrefix = "sha256:"

// KeyRing maps sha256 key digests to tenant ids.
type KeyRing struct {
	keys map[string]string
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]string)}
}

// Add registers a key for a tenant. Values carrying the "sha256:"
// prefix are treated as digests; plaintext keys are hashed on load so
// only digests stay resident.
func (k *KeyRing) Add(tenantID, key string) {
	if key == "" {
		return
	}
	digest := strings.TrimPrefix(key, hashPrefix)
	if !strings.HasPrefix(key, hashPrefix) {
		digest = HashKey(key)
	}
	k.keys[strings.ToLower(digest)] = tenantID
}

func (k *KeyRing) Empty() bool {
	return len(k.keys) == 0
}

// Lookup resolves a presented key to its tenant.
func (k *KeyRing) Lookup(key string) (string, bool) {
	tenant, ok := k.keys[HashKey(key)]
	return tenant, ok
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Middleware tags every request with a request id and, when keys are
// configured, requires a valid bearer key and binds its tenant.
func (k *KeyRing) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := uuid.New().String()
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		if k.Empty() {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			apierr.WriteJSON(w, &apierr.Error{
				Kind: apierr.KindValidation, Code: "unauthorized",
				Message: "missing or invalid Authorization header",
				Status:  http.StatusUnauthorized,
			})
			return
		}
		tenant, ok := k.Lookup(strings.TrimPrefix(header, "Bearer "))
		if !ok {
			apierr.WriteJSON(w, &apierr.Error{
				Kind: apierr.KindValidation, Code: "unauthorized",
				Message: "invalid API key",
				Status:  http.StatusUnauthorized,
			})
			return
		}

		ctx = context.WithValue(ctx, tenantIDKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
