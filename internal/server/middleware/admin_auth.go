package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Wei-Shaw/claude-relay/internal/config"
)

// AdminClaims 管理端 JWT 载荷。
type AdminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// IssueAdminToken 签发管理端 JWT。
func IssueAdminToken(cfg *config.Config, subject string) (string, error) {
	expire := time.Duration(cfg.JWT.ExpireHour) * time.Hour
	if expire <= 0 {
		expire = 24 * time.Hour
	}
	claims := AdminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expire)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWT.Secret))
}

// AdminAuth 管理端 JWT 校验。
func AdminAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abortWithError(c, http.StatusUnauthorized, "authentication_error", "missing admin token")
			return
		}
		raw := strings.TrimSpace(authz[len("bearer "):])

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(cfg.JWT.Secret), nil
		})
		if err != nil || !token.Valid {
			abortWithError(c, http.StatusUnauthorized, "authentication_error", "invalid admin token")
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}
