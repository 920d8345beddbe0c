package utils

import (
	"fmt"

	"github.com/BerniceZTT/crm_pipeline/config"
	"github.com/BerniceZTT/crm_pipeline/models"

	"github.com/dgrijalva/jwt-go"
)

var jwtSecret = []byte(config.LoadConfig().JWTKey)

// ParseToken 解析和验证JWT令牌
// 令牌由平台认证服务签发，本模块只做校验
func ParseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 验证签名方法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	// 验证token并提取claims
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("无效的token")
}

// HasPermission 检查用户是否有权限
func HasPermission(role models.UserRole, resource string, action string) bool {
	// 超级管理员拥有所有权限
	if role == models.UserRoleSUPER_ADMIN {
		return true
	}

	// 定义各角色权限
	permissions := map[models.UserRole]map[string][]string{
		models.UserRoleFACTORY_SALES: {
			"pipelines": {"read", "create", "update"},
		},
		models.UserRoleAGENT: {
			"pipelines": {"read"},
		},
	}

	// 检查特定角色的权限
	if resourceActions, exists := permissions[role]; exists {
		if actions, hasResource := resourceActions[resource]; hasResource {
			for _, a := range actions {
				if a == action {
					return true
				}
			}
		}
	}

	return false
}
