package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextCustomerID is the authenticated customer id set on the request.
	ContextCustomerID = "customer_id"
	// ContextIsAdmin marks requests carrying the admin role.
	ContextIsAdmin = "is_admin"
)

// AuthMiddleware verifies the bearer token minted by the account service and
// exposes its claims to handlers. Token issuance lives outside this service;
// only verification happens here.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid authorization header"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		if userID, ok := claims["user_id"].(float64); ok {
			c.Set(ContextCustomerID, int(userID))
		}
		if role, ok := claims["role"].(string); ok && role == "admin" {
			c.Set(ContextIsAdmin, true)
		}

		c.Next()
	}
}
