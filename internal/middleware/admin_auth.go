package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"yieldo-indexer/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AdminAuth guards operator endpoints with a bearer JWT signed by the
// configured admin secret.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(config.AppConfig.Admin.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			logrus.WithError(err).WithField("path", c.Request.URL.Path).Warn("rejected admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if subject, _ := claims.GetSubject(); subject != "" {
				c.Set("admin_subject", subject)
			}
		}
		c.Next()
	}
}
