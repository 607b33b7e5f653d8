package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasRole(t *testing.T) {
	auth := &Authorization{Roles: []string{"application"}}
	assert.True(t, auth.HasRole("application"))
	assert.False(t, auth.HasRole("admin"))

	var nilAuth *Authorization
	assert.False(t, nilAuth.HasRole("admin"))
}

func TestScopes(t *testing.T) {
	auth := &Authorization{Selectors: map[string]string{"scopes": "read, write"}}
	assert.True(t, auth.HasScope("read"))
	assert.True(t, auth.HasScope("write"))
	assert.False(t, auth.HasScope("delete"))

	wildcard := &Authorization{Selectors: map[string]string{"scopes": "*"}}
	assert.True(t, wildcard.HasScope("anything"))

	empty := &Authorization{}
	assert.False(t, empty.HasScope("read"))
}

func TestContextRoundTrip(t *testing.T) {
	auth := &Authorization{Roles: []string{"admin"}}
	ctx := auth.ContextWithAuthorization(context.Background())
	assert.Equal(t, auth, AuthorizationFromContext(ctx))
	assert.Nil(t, AuthorizationFromContext(context.Background()))
}

func TestAuthorizationCache(t *testing.T) {
	cache := NewAuthorizationCache()
	assert.Nil(t, cache.Read("secret"))

	auth := &Authorization{Roles: []string{"application"}}
	cache.Write("secret", auth)
	assert.Equal(t, auth, cache.Read("secret"))

	cache.Invalidate("secret")
	assert.Nil(t, cache.Read("secret"))
}

func TestAdminJwtMiddleware(t *testing.T) {
	builder := &AdminJwtBuilder{Secret: "test-secret", TTL: time.Hour}
	token, err := builder.IssueAdminToken("admin")
	require.NoError(t, err)

	middleware := NewAdminJwtMiddleware(builder)
	var seen *Authorization
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AuthorizationFromContext(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), request)
	require.NotNil(t, seen)
	assert.True(t, seen.HasRole("admin"))

	// a non-JWT bearer token passes through unauthorized
	seen = nil
	request = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	request.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	assert.Nil(t, seen)

	// an expired token does not authorize
	expiredBuilder := &AdminJwtBuilder{Secret: "test-secret", TTL: -time.Hour}
	expired, err := expiredBuilder.IssueAdminToken("admin")
	require.NoError(t, err)
	seen = nil
	request = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	request.Header.Set("Authorization", "Bearer "+expired)
	handler.ServeHTTP(httptest.NewRecorder(), request)
	assert.Nil(t, seen)
}
