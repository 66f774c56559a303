package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKeyUserAddress JWT校验后写入请求上下文的用户地址键
const ContextKeyUserAddress = "user_address"

// AuthMiddleware JWT鉴权中间件，subject为用户链上地址
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			ErrorResponse(c, http.StatusUnauthorized, "缺少认证凭证")
			c.Abort()
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			ErrorResponse(c, http.StatusUnauthorized, "认证凭证无效")
			c.Abort()
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			ErrorResponse(c, http.StatusUnauthorized, "认证凭证无效")
			c.Abort()
			return
		}

		c.Set(ContextKeyUserAddress, subject)
		c.Next()
	}
}

// UserAddress 从请求上下文取出鉴权后的用户地址
func UserAddress(c *gin.Context) string {
	return c.GetString(ContextKeyUserAddress)
}
