package access

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core/logger"
)

// AdminJwtBuilder is a helper builder for the admin JWT middleware.
type AdminJwtBuilder struct {
	// Secret is the HS256 signing secret shared with the admin UI. This is mandatory.
	Secret string
	// TTL is the token lifetime used by IssueAdminToken.
	TTL time.Duration
}

// IssueAdminToken signs a new admin token for the given subject.
func (b *AdminJwtBuilder) IssueAdminToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.TTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(b.Secret))
}

// NewAdminJwtMiddleware returns a middleware handler to validate
// JWT bearer tokens issued for the admin UI.
//
// Tokens are accepted as "Authorization: Bearer" header or as
// "Devicehub-JWT"-cookie. A valid token yields an authorization with the
// "admin" role. This middleware does not reject requests without a token;
// the route handlers decide whether admin access is required.
func NewAdminJwtMiddleware(b *AdminJwtBuilder) mux.MiddlewareFunc {
	if len(b.Secret) == 0 {
		panic("admin JWT secret is missing")
	}

	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(b.Secret), nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				}
			} else if cookie, _ := r.Cookie("Devicehub-JWT"); cookie != nil {
				tokenString = cookie.Value
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyLookup)
			if err != nil || !token.Valid {
				// could be an application bearer token, let the next
				// middleware have a look at it
				h.ServeHTTP(w, r)
				return
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), claims.Subject)
			auth = &Authorization{
				Roles:     []string{"admin"},
				Selectors: map[string]string{"subject": claims.Subject},
			}
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
