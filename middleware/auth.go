package middleware

import (
	"net/http"
	"strings"

	"github.com/BerniceZTT/crm_pipeline/models"
	"github.com/BerniceZTT/crm_pipeline/utils"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 认证中间件
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从请求头获取token
		authHeader := c.GetHeader("Authorization")
		requestPath := c.Request.URL.Path
		requestMethod := c.Request.Method

		utils.Logger.Info().
			Str("path", requestPath).
			Str("method", requestMethod).
			Str("authorization", getShortAuthHeader(authHeader)).
			Msg("验证请求")

		// 检查Authorization头
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			utils.Logger.Info().Msg("缺少Authorization头或格式错误")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "未授权访问",
				"code":    "MISSING_TOKEN",
			})
			return
		}

		// 提取token
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "未授权访问",
				"code":    "MISSING_TOKEN",
			})
			return
		}

		// 解析token
		claims, err := utils.ParseToken(token)
		if err != nil {
			utils.Logger.Error().Err(err).Msg("Token验证失败")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "无效的token: " + err.Error(),
				"code":    "INVALID_TOKEN",
			})
			return
		}

		// 检查必要字段
		if claims["id"] == nil || claims["role"] == nil || claims["username"] == nil {
			utils.Logger.Warn().Interface("claims", claims).Msg("Token负载缺少必要字段")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Token缺少必要字段",
				"code":    "INVALID_TOKEN",
			})
			return
		}

		// 将用户信息存储到上下文
		c.Set("user", claims)

		c.Next()
	}
}

// PermissionMiddleware 权限检查中间件
func PermissionMiddleware(resource string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 获取用户信息
		user, err := utils.GetUser(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "用户未认证",
				"code":    "UNAUTHENTICATED",
			})
			return
		}

		// 检查角色权限
		role := models.UserRole(user.Role)
		if !utils.HasPermission(role, resource, action) {
			utils.Logger.Warn().
				Str("username", user.Username).
				Str("role", user.Role).
				Str("resource", resource).
				Str("action", action).
				Msg("权限不足")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "权限不足",
				"code":    "FORBIDDEN",
			})
			return
		}

		c.Next()
	}
}

// getShortAuthHeader 截断Authorization头用于日志
func getShortAuthHeader(authHeader string) string {
	if len(authHeader) > 15 {
		return authHeader[:15] + "..."
	}
	return authHeader
}
