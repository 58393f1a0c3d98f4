// Package middleware holds gin middleware shared by HTTP services.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ventushub/notifications/internal/platform/requestctx"
)

const (
	contextKeyUserID = "user_id"
	contextKeyRole   = "role"

	defaultIssuer = "ventushub"
)

// Claims is the bearer token payload accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// GenerateJWT signs an HS256 token for userID valid for ttl.
func GenerateJWT(secret, userID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    defaultIssuer,
		},
		UserID: userID,
		Role:   role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// JWTAuth validates the bearer token and stores caller identity in both the
// gin context and the request context.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token is malformed"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token is invalid"})
			return
		}

		userID := strings.TrimSpace(claims.UserID)
		if userID == "" {
			userID = strings.TrimSpace(claims.Subject)
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
			return
		}
		SetIdentity(c, userID, claims.Role)
		c.Next()
	}
}

// SetIdentity records caller identity on the gin and request contexts.
func SetIdentity(c *gin.Context, userID, role string) {
	c.Set(contextKeyUserID, userID)
	c.Set(contextKeyRole, role)
	ctx := requestctx.WithUserID(c.Request.Context(), userID)
	ctx = requestctx.WithRole(ctx, role)
	c.Request = c.Request.WithContext(ctx)
}

// RequireOperator rejects callers without an operator or service role.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requestctx.IsOperator(c.Request.Context()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator role is required"})
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id set by JWTAuth.
func GetUserID(c *gin.Context) string {
	value, _ := c.Get(contextKeyUserID)
	if userID, ok := value.(string); ok {
		return userID
	}
	return ""
}
