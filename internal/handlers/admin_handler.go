package handlers

import (
	"fmt"
	"time"

	"upliftcs/internal/services"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/pagination"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

// AdminHandler 组织管理员接口：成员、组织、套餐、审计
type AdminHandler struct {
	userService  *services.UserService
	orgService   *services.OrganizationService
	auditService *services.AuditService
	audit        *auditlog.Logger
}

func NewAdminHandler(userService *services.UserService, orgService *services.OrganizationService, auditService *services.AuditService, audit *auditlog.Logger) *AdminHandler {
	return &AdminHandler{
		userService:  userService,
		orgService:   orgService,
		auditService: auditService,
		audit:        audit,
	}
}

// ========== 成员 ==========

// ListUsers 成员列表
func (h *AdminHandler) ListUsers(c *gin.Context) {
	claims := claimsOf(c)
	params := pagination.ParsePageParams(c)

	filter := services.UserFilter{
		Role:    c.Query("role"),
		Keyword: c.Query("search"),
	}
	switch c.Query("is_active") {
	case "true":
		active := true
		filter.IsActive = &active
	case "false":
		active := false
		filter.IsActive = &active
	}

	users, total, err := h.userService.List(claims.OrganizationID, filter, params.Page, params.PageSize)
	if err != nil {
		response.ServerError(c, "failed to list users")
		return
	}
	response.SuccessWithPage(c, users, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// GetUser 成员详情
func (h *AdminHandler) GetUser(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	user, err := h.userService.Get(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, user)
}

// InviteUser 邀请成员，返回一次性临时密码
func (h *AdminHandler) InviteUser(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Email string `json:"email" binding:"required,email"`
		Name  string `json:"name" binding:"required,max=100"`
		Role  string `json:"role" binding:"omitempty,oneof=admin user viewer"`
	}
	if !bindJSON(c, &req) {
		return
	}

	user, tempPassword, err := h.userService.Invite(claims.OrganizationID, services.InviteInput{
		Email: req.Email,
		Name:  req.Name,
		Role:  req.Role,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionUserInvited, "Invited "+user.Email, user.Email, map[string]interface{}{"role": user.Role})
	response.Created(c, "user invited", gin.H{
		"user":               user,
		"temporary_password": tempPassword,
	})
}

// UpdateUser 修改成员姓名、角色、状态
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Name     *string `json:"name" binding:"omitempty,max=100"`
		Role     *string `json:"role"`
		IsActive *bool   `json:"is_active"`
	}
	if !bindJSON(c, &req) {
		return
	}

	before, err := h.userService.Get(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	previousRole := before.Role

	user, err := h.userService.Update(claims.OrganizationID, claims.UserID, id, services.UpdateUserInput{
		Name:     req.Name,
		Role:     req.Role,
		IsActive: req.IsActive,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	if req.Role != nil && *req.Role != previousRole {
		track(h.audit, c, auditlog.ActionRoleChanged,
			fmt.Sprintf("Changed role of %s from %s to %s", user.Email, previousRole, user.Role),
			user.Email, map[string]interface{}{"from": previousRole, "to": user.Role})
	} else {
		track(h.audit, c, auditlog.ActionUserUpdated, "Updated "+user.Email, user.Email, nil)
	}
	response.SuccessWithMessage(c, "user updated", user)
}

// DeactivateUser 停用成员，数据保留
func (h *AdminHandler) DeactivateUser(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.userService.Deactivate(claims.OrganizationID, claims.UserID, id); err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionUserDeactivated, fmt.Sprintf("Deactivated user %d", id), fmt.Sprint(id), nil)
	response.SuccessWithMessage(c, "user deactivated", nil)
}

// ActivateUser 重新启用成员
func (h *AdminHandler) ActivateUser(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	user, err := h.userService.Activate(claims.OrganizationID, claims.UserID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionUserActivated, "Activated "+user.Email, user.Email, nil)
	response.SuccessWithMessage(c, "user activated", user)
}

// BulkDeactivate 批量停用，每个ID单独执行，返回一次汇总
func (h *AdminHandler) BulkDeactivate(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		UserIDs []uint `json:"user_ids" binding:"required,min=1,max=100"`
	}
	if !bindJSON(c, &req) {
		return
	}

	result := h.userService.BulkDeactivate(claims.OrganizationID, claims.UserID, req.UserIDs)

	track(h.audit, c, auditlog.ActionBulkDeactivate,
		fmt.Sprintf("Bulk deactivated %d of %d users", len(result.Succeeded), result.Requested),
		"", map[string]interface{}{"succeeded": result.Succeeded, "failed": len(result.Failed)})
	response.Success(c, result)
}

// ========== 组织与套餐 ==========

// GetOrganization 组织信息及用量
func (h *AdminHandler) GetOrganization(c *gin.Context) {
	claims := claimsOf(c)

	stats, err := h.orgService.Stats(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, stats)
}

// UpdateOrganization 修改组织名称、账单邮箱
func (h *AdminHandler) UpdateOrganization(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Name         *string `json:"name" binding:"omitempty,min=1,max=200"`
		BillingEmail *string `json:"billing_email" binding:"omitempty,email"`
	}
	if !bindJSON(c, &req) {
		return
	}

	org, err := h.orgService.Update(claims.OrganizationID, services.UpdateOrganizationInput{
		Name:         req.Name,
		BillingEmail: req.BillingEmail,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionOrganizationUpdated, "Updated organization settings", org.Name, nil)
	response.SuccessWithMessage(c, "organization updated", org)
}

// ChangePlan 切换套餐并按套餐表重算限额
func (h *AdminHandler) ChangePlan(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		PlanTier string `json:"plan_tier" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.orgService.ChangePlan(claims.OrganizationID, req.PlanTier)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlanChanged,
		fmt.Sprintf("Changed plan from %s to %s", result.PreviousTier, result.Organization.PlanTier),
		result.Organization.Name, map[string]interface{}{"from": result.PreviousTier, "to": result.Organization.PlanTier})
	response.SuccessWithMessage(c, "plan updated", result)
}

// Plans 可选套餐
func (h *AdminHandler) Plans(c *gin.Context) {
	response.Success(c, h.orgService.Plans())
}

// Stats 管理后台统计
func (h *AdminHandler) Stats(c *gin.Context) {
	claims := claimsOf(c)

	userStats, err := h.userService.Stats(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to load user stats")
		return
	}
	orgStats, err := h.orgService.Stats(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	recentUsers, err := h.userService.RecentUsers(claims.OrganizationID, 5)
	if err != nil {
		response.ServerError(c, "failed to load recent users")
		return
	}
	recentLogins, err := h.userService.RecentLogins(claims.OrganizationID, 5)
	if err != nil {
		response.ServerError(c, "failed to load recent logins")
		return
	}

	response.Success(c, gin.H{
		"users":         userStats,
		"organization":  orgStats,
		"recent_users":  recentUsers,
		"recent_logins": recentLogins,
	})
}

// ========== 审计日志 ==========

// ListAuditLogs 审计日志（分页）
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	claims := claimsOf(c)
	params := pagination.ParsePageParams(c)

	filter := services.AuditFilter{
		Action:   c.Query("action"),
		Severity: c.Query("severity"),
		UserID:   queryUint(c, "user_id"),
		User:     c.Query("user"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			response.BadRequest(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}

	logs, total, err := h.auditService.List(claims.OrganizationID, filter, params.Page, params.PageSize)
	if err != nil {
		response.ServerError(c, "failed to list audit logs")
		return
	}
	response.SuccessWithPage(c, logs, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// CreateAuditLog 客户端审计日志的投递入口，组织和来源IP以服务端为准
func (h *AdminHandler) CreateAuditLog(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		ID          string                 `json:"id" binding:"omitempty,max=64"`
		Timestamp   time.Time              `json:"timestamp"`
		User        string                 `json:"user" binding:"omitempty,max=120"`
		Action      string                 `json:"action" binding:"required,max=100"`
		Description string                 `json:"description" binding:"max=1000"`
		Target      string                 `json:"target" binding:"max=255"`
		Metadata    map[string]interface{} `json:"metadata"`
		Severity    string                 `json:"severity" binding:"omitempty,oneof=info warning critical"`
	}
	if !bindJSON(c, &req) {
		return
	}

	entry := auditlog.Entry{
		ID:             req.ID,
		Timestamp:      req.Timestamp,
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		User:           req.User,
		Action:         req.Action,
		Description:    req.Description,
		Target:         req.Target,
		Metadata:       req.Metadata,
		Severity:       req.Severity,
		IPAddress:      c.ClientIP(),
	}
	if entry.User == "" {
		entry.User = claims.Email
	}

	record, err := h.auditService.Append(c.Request.Context(), entry)
	if err != nil {
		response.ServerError(c, "failed to store audit log")
		return
	}
	response.Created(c, "audit log stored", record)
}
