package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relaygate/llm-gateway/internal/apierr"
)

// AdminMiddleware guards the introspection API with an HS256 JWT when
// a secret is configured. An empty secret leaves the API open.
func AdminMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeAdminUnauthorized(w, "missing bearer token")
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeAdminUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAdminUnauthorized(w http.ResponseWriter, msg string) {
	apierr.WriteJSON(w, &apierr.Error{
		Kind: apierr.KindValidation, Code: "unauthorized",
		Message: msg,
		Status:  http.StatusUnauthorized,
	})
}
