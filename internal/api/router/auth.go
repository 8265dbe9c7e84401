package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/m-martinez/occams/internal/api/handler"
)

// AuthMiddleware validates an HS256 bearer token and stores its subject as
// the request user. Browsers cannot set headers on a WebSocket handshake,
// so the token may also arrive as the access_token query parameter.
func AuthMiddleware(secret, issuer string, logger *slog.Logger) gin.HandlerFunc {
	key := []byte(secret)
	keyfunc := func(t *jwt.Token) (any, error) {
		return key, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return func(c *gin.Context) {
		tokenStr := bearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization token",
			})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, keyfunc, opts...)
		if err != nil || !token.Valid {
			if err == nil {
				err = errors.New("token not valid")
			}
			logger.Warn("Rejected token", slog.String("path", c.Request.URL.Path), slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "token has no subject",
			})
			return
		}

		c.Set(handler.UserKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("access_token")
}
