package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

func adminTestRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", AdminAuth(cfg), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString("admin_subject")})
	})
	return r
}

func adminTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret-0123456789-0123456789"
	cfg.JWT.ExpireHour = 1
	return cfg
}

func TestAdminAuth_ValidToken(t *testing.T) {
	cfg := adminTestConfig()
	token, err := IssueAdminToken(cfg, "admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	adminTestRouter(cfg).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"subject":"admin"`)
}

func TestAdminAuth_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	rec := httptest.NewRecorder()
	adminTestRouter(adminTestConfig()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth_WrongSecret(t *testing.T) {
	issuerCfg := adminTestConfig()
	token, err := IssueAdminToken(issuerCfg, "admin")
	require.NoError(t, err)

	verifierCfg := adminTestConfig()
	verifierCfg.JWT.Secret = "another-secret-entirely-0123456789"

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	adminTestRouter(verifierCfg).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuth_MalformedToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	adminTestRouter(adminTestConfig()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
