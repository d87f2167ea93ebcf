package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/access"
)

func newTestAuthenticator(secret string) *Authenticator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuthenticator(secret, logger)
}

func protected(t *testing.T, auth *Authenticator, seen *access.Identity) http.Handler {
	t.Helper()
	return auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := access.IdentityFrom(r.Context())
		require.True(t, ok)
		*seen = id
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	auth := newTestAuthenticator("test-secret-123")
	token, err := auth.IssueToken(access.Identity{
		UserID:      "42",
		Role:        "client",
		Permissions: []string{access.PermFilesReadAll},
	}, time.Hour)
	require.NoError(t, err)

	var seen access.Identity
	req := httptest.NewRequest("GET", "/api/files", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	protected(t, auth, &seen).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", seen.UserID)
	assert.Equal(t, "client", seen.Role)
	assert.True(t, seen.Has(access.PermFilesReadAll))
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	auth := newTestAuthenticator("test-secret-123")
	other := newTestAuthenticator("wrong-secret")

	wrongKey, err := other.IssueToken(access.Identity{UserID: "42"}, time.Hour)
	require.NoError(t, err)
	expired, err := auth.IssueToken(access.Identity{UserID: "42"}, -time.Minute)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "42"}).SignedString([]byte("test-secret-123"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           "42",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret-123"))
	require.NoError(t, err)

	tests := map[string]string{
		"missing header":    "",
		"wrong scheme":      "Basic dXNlcjpwYXNz",
		"garbage":           "Bearer invalid-jwt-here",
		"wrong secret":      "Bearer " + wrongKey,
		"expired":           "Bearer " + expired,
		"no expiry":         "Bearer " + noExp,
		"unexpected method": "Bearer " + wrongAlg,
	}

	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be reached")
			}))
			req := httptest.NewRequest("GET", "/api/files", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestParseToken_SubjectFallback(t *testing.T) {
	auth := newTestAuthenticator("s")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("s"))
	require.NoError(t, err)

	claims, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := newTestLogger()
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/files", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
