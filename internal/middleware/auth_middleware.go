package middleware

import (
	"strings"

	"upliftcs/internal/models"
	"upliftcs/internal/services"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

// 上下文中保存的键
const (
	ContextUser           = "user"
	ContextUserID         = "user_id"
	ContextOrganizationID = "organization_id"
	ContextRole           = "role"
	ContextClaims         = "claims"
)

// AuthMiddleware 认证与角色中间件
type AuthMiddleware struct {
	userService *services.UserService
	jwtManager  *jwt.JWTManager
}

func NewAuthMiddleware(userService *services.UserService, jwtManager *jwt.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// RequireLogin 校验 Bearer 访问令牌，并确认用户仍然可用
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authentication required")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(c, "invalid authorization header")
			return
		}
		tokenString := strings.TrimSpace(authHeader[7:])

		// 只接受访问令牌，刷新令牌不能直接调用接口
		claims, err := m.jwtManager.VerifyAccessToken(tokenString)
		if err != nil {
			if jwt.IsExpired(err) {
				response.Unauthorized(c, "token expired")
				return
			}
			response.Unauthorized(c, "invalid or expired token")
			return
		}

		user, err := m.userService.Get(claims.OrganizationID, claims.UserID)
		if err != nil {
			response.Unauthorized(c, "user not found")
			return
		}
		if !user.IsActive {
			response.Unauthorized(c, "account is deactivated")
			return
		}

		// 角色以数据库为准，令牌签发后被降级的用户立即生效
		claims.Role = user.Role

		c.Set(ContextUser, user)
		c.Set(ContextUserID, user.ID)
		c.Set(ContextOrganizationID, user.OrganizationID)
		c.Set(ContextRole, user.Role)
		c.Set(ContextClaims, claims)

		c.Next()
	}
}

// RequireAdmin 要求组织管理员
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return m.RequireRoles(models.RoleAdmin)
}

// RequireRoles 要求角色属于给定集合
func (m *AuthMiddleware) RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextRole)
		if role == "" {
			response.Unauthorized(c, "authentication required")
			return
		}
		if !allowed[role] {
			response.Forbidden(c, "insufficient permissions")
			return
		}
		c.Next()
	}
}

// CurrentUser 取出 RequireLogin 保存的用户
func CurrentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(ContextUser); ok {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}
