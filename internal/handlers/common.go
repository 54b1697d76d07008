package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"upliftcs/internal/middleware"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// bindJSON 绑定请求体，校验失败时直接返回400
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.BadRequest(c, validationMessage(err))
		return false
	}
	return true
}

// validationMessage 只返回第一个字段错误
func validationMessage(err error) string {
	var validationErr validator.ValidationErrors
	if !errors.As(err, &validationErr) {
		return "invalid request body"
	}
	for _, fieldErr := range validationErr {
		field := toSnake(fieldErr.Field())
		switch fieldErr.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", field)
		case "email":
			return fmt.Sprintf("%s must be a valid email address", field)
		case "oneof":
			return fmt.Sprintf("%s must be one of %s", field, strings.ReplaceAll(fieldErr.Param(), " ", ", "))
		case "min":
			return fmt.Sprintf("%s must be at least %s", field, fieldErr.Param())
		case "max":
			return fmt.Sprintf("%s must be at most %s", field, fieldErr.Param())
		case "gte":
			return fmt.Sprintf("%s must be greater than or equal to %s", field, fieldErr.Param())
		case "lte":
			return fmt.Sprintf("%s must be less than or equal to %s", field, fieldErr.Param())
		default:
			return fmt.Sprintf("%s is invalid", field)
		}
	}
	return "invalid request body"
}

func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseID 解析路径中的ID参数
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// queryUint 可选的数字查询参数，缺省或非法时返回0
func queryUint(c *gin.Context, name string) uint {
	v, err := strconv.ParseUint(c.Query(name), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}

func claimsOf(c *gin.Context) *jwt.JWTClaims {
	return c.MustGet(middleware.ContextClaims).(*jwt.JWTClaims)
}

// track 记录当前用户的审计日志，审计失败不影响请求
func track(audit *auditlog.Logger, c *gin.Context, action, description, target string, metadata map[string]interface{}) {
	if audit == nil {
		return
	}
	event := auditlog.Event{
		Action:      action,
		Description: description,
		Target:      target,
		Metadata:    metadata,
		IPAddress:   c.ClientIP(),
	}
	if v, ok := c.Get(middleware.ContextClaims); ok {
		if claims, ok := v.(*jwt.JWTClaims); ok {
			event.OrganizationID = claims.OrganizationID
			event.UserID = claims.UserID
			event.User = claims.Email
		}
	}
	audit.Track(c.Request.Context(), event)
}
