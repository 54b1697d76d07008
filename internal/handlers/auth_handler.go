package handlers

import (
	"upliftcs/internal/models"
	"upliftcs/internal/services"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService *services.AuthService
	audit       *auditlog.Logger
}

func NewAuthHandler(authService *services.AuthService, audit *auditlog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		audit:       audit,
	}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type RegisterRequest struct {
	Email            string `json:"email" binding:"required,email"`
	Password         string `json:"password" binding:"required,min=8"`
	Name             string `json:"name" binding:"required,max=100"`
	OrganizationName string `json:"organization_name" binding:"required,max=200"`
	PlanTier         string `json:"plan_tier" binding:"omitempty,oneof=starter growth enterprise"`
}

// LoginResponse 登录/注册返回的令牌和身份信息
type LoginResponse struct {
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	TokenType    string               `json:"token_type"`
	ExpiresAt    int64                `json:"expires_at"`
	User         UserInfo             `json:"user"`
	Organization *models.Organization `json:"organization,omitempty"`
}

type UserInfo struct {
	ID             uint   `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	OrganizationID uint   `json:"organization_id"`
}

func loginResponse(result *services.AuthResult) LoginResponse {
	return LoginResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		TokenType:    result.Tokens.TokenType,
		ExpiresAt:    result.Tokens.ExpiresAt.Unix(),
		User: UserInfo{
			ID:             result.User.ID,
			Email:          result.User.Email,
			Name:           result.User.Name,
			Role:           result.User.Role,
			OrganizationID: result.User.OrganizationID,
		},
		Organization: result.Organization,
	}
}

// Register 注册组织和首个管理员
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Register(services.RegisterInput{
		Email:            req.Email,
		Password:         req.Password,
		Name:             req.Name,
		OrganizationName: req.OrganizationName,
		PlanTier:         req.PlanTier,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Created(c, "registration successful", loginResponse(result))
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Login(req.Email, req.Password)
	if err != nil {
		response.FromError(c, err)
		return
	}

	if h.audit != nil {
		h.audit.Track(c.Request.Context(), auditlog.Event{
			OrganizationID: result.User.OrganizationID,
			UserID:         result.User.ID,
			User:           result.User.Email,
			Action:         auditlog.ActionLogin,
			Description:    "User logged in",
			IPAddress:      c.ClientIP(),
		})
	}

	response.Success(c, loginResponse(result))
}

// RefreshToken 用刷新令牌换新的访问令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	token, expiresAt, err := h.authService.Refresh(req.RefreshToken)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt.Unix(),
	})
}

// Me 当前用户完整信息
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsOf(c)

	user, err := h.authService.Me(claims.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, user)
}

// Logout 令牌无状态，只记录审计日志
func (h *AuthHandler) Logout(c *gin.Context) {
	track(h.audit, c, auditlog.ActionLogout, "User logged out", "", nil)
	response.SuccessWithMessage(c, "logged out", nil)
}

// ChangePassword 修改当前用户密码
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required,min=8"`
	}
	if !bindJSON(c, &req) {
		return
	}

	if err := h.authService.ChangePassword(claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPasswordChanged, "Password changed", claims.Email, nil)
	response.SuccessWithMessage(c, "password updated", nil)
}
