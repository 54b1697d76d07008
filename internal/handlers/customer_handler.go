package handlers

import (
	"time"

	"upliftcs/internal/services"
	"upliftcs/pkg/pagination"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

type CustomerHandler struct {
	customerService *services.CustomerService
	engine          *services.PlaybookEngine
}

func NewCustomerHandler(customerService *services.CustomerService, engine *services.PlaybookEngine) *CustomerHandler {
	return &CustomerHandler{
		customerService: customerService,
		engine:          engine,
	}
}

// List 客户列表，可按 risk_level 过滤
func (h *CustomerHandler) List(c *gin.Context) {
	claims := claimsOf(c)
	params := pagination.ParsePageParams(c)

	customers, total, err := h.customerService.List(claims.OrganizationID, c.Query("risk_level"), params.Page, params.PageSize)
	if err != nil {
		response.ServerError(c, "failed to list customers")
		return
	}
	response.SuccessWithPage(c, customers, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 客户详情，包含最近活动和待办动作
func (h *CustomerHandler) Get(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	detail, err := h.customerService.Detail(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, detail)
}

// Create 新建客户，计算初始健康分
func (h *CustomerHandler) Create(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		ExternalID          string     `json:"external_id" binding:"required,max=100"`
		Name                string     `json:"name" binding:"required,max=200"`
		Email               string     `json:"email" binding:"omitempty,email"`
		Company             string     `json:"company" binding:"max=200"`
		PlanType            string     `json:"plan_type" binding:"max=50"`
		MRR                 float64    `json:"mrr" binding:"gte=0"`
		NextRenewalDate     *time.Time `json:"next_renewal_date"`
		OnboardingCompleted bool       `json:"onboarding_completed"`
		FeatureAdoptionRate float64    `json:"feature_adoption_rate" binding:"gte=0,lte=100"`
		TimeToValueDays     *int       `json:"time_to_value_days"`
	}
	if !bindJSON(c, &req) {
		return
	}

	customer, err := h.customerService.Create(claims.OrganizationID, services.CreateCustomerInput{
		ExternalID:          req.ExternalID,
		Name:                req.Name,
		Email:               req.Email,
		Company:             req.Company,
		PlanType:            req.PlanType,
		MRR:                 req.MRR,
		NextRenewalDate:     req.NextRenewalDate,
		OnboardingCompleted: req.OnboardingCompleted,
		FeatureAdoptionRate: req.FeatureAdoptionRate,
		TimeToValueDays:     req.TimeToValueDays,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, "customer created", customer)
}

// Update 修改客户信息
func (h *CustomerHandler) Update(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Name                *string    `json:"name" binding:"omitempty,min=1,max=200"`
		Email               *string    `json:"email" binding:"omitempty,email"`
		Company             *string    `json:"company" binding:"omitempty,max=200"`
		PlanType            *string    `json:"plan_type" binding:"omitempty,max=50"`
		MRR                 *float64   `json:"mrr" binding:"omitempty,gte=0"`
		NextRenewalDate     *time.Time `json:"next_renewal_date"`
		LastContactDate     *time.Time `json:"last_contact_date"`
		OnboardingCompleted *bool      `json:"onboarding_completed"`
		FeatureAdoptionRate *float64   `json:"feature_adoption_rate" binding:"omitempty,gte=0,lte=100"`
		TimeToValueDays     *int       `json:"time_to_value_days"`
	}
	if !bindJSON(c, &req) {
		return
	}

	customer, err := h.customerService.Update(claims.OrganizationID, id, services.UpdateCustomerInput{
		Name:                req.Name,
		Email:               req.Email,
		Company:             req.Company,
		PlanType:            req.PlanType,
		MRR:                 req.MRR,
		NextRenewalDate:     req.NextRenewalDate,
		LastContactDate:     req.LastContactDate,
		OnboardingCompleted: req.OnboardingCompleted,
		FeatureAdoptionRate: req.FeatureAdoptionRate,
		TimeToValueDays:     req.TimeToValueDays,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "customer updated", customer)
}

// AddActivity 记录活动
func (h *CustomerHandler) AddActivity(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		ActivityType string                 `json:"activity_type" binding:"required,max=50"`
		ActivityData map[string]interface{} `json:"activity_data"`
	}
	if !bindJSON(c, &req) {
		return
	}

	activity, err := h.customerService.AddActivity(claims.OrganizationID, id, req.ActivityType, req.ActivityData)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, "activity recorded", activity)
}

// ========== 健康分 ==========

// Health 当前健康分明细
func (h *CustomerHandler) Health(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	report, err := h.customerService.Health(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, report)
}

// RecomputeHealth 重新计算健康分和洞察
func (h *CustomerHandler) RecomputeHealth(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	report, err := h.customerService.RecomputeHealth(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "health score recalculated", report)
}

// ========== CSM动作 ==========

// ListActions 客户的动作列表
func (h *CustomerHandler) ListActions(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	actions, err := h.customerService.ListActions(claims.OrganizationID, id, c.Query("status"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, actions)
}

// CreateAction 为客户创建动作
func (h *CustomerHandler) CreateAction(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		ActionType    string     `json:"action_type" binding:"required,max=50"`
		Title         string     `json:"title" binding:"required,max=200"`
		Description   string     `json:"description" binding:"max=2000"`
		Priority      string     `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
		ScheduledDate *time.Time `json:"scheduled_date"`
		AIGenerated   bool       `json:"ai_generated"`
	}
	if !bindJSON(c, &req) {
		return
	}

	action, err := h.customerService.CreateAction(claims.OrganizationID, id, services.CreateActionInput{
		ActionType:    req.ActionType,
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		ScheduledDate: req.ScheduledDate,
		AIGenerated:   req.AIGenerated,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, "action created", action)
}

// UpdateAction 更新动作状态和结果
func (h *CustomerHandler) UpdateAction(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "action_id")
	if !ok {
		return
	}

	var req struct {
		ActionStatus     *string `json:"action_status"`
		Outcome          *string `json:"outcome" binding:"omitempty,max=2000"`
		CustomerResponse *string `json:"customer_response" binding:"omitempty,max=2000"`
		Priority         *string `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	}
	if !bindJSON(c, &req) {
		return
	}

	action, err := h.customerService.UpdateAction(claims.OrganizationID, id, services.UpdateActionInput{
		ActionStatus:     req.ActionStatus,
		Outcome:          req.Outcome,
		CustomerResponse: req.CustomerResponse,
		Priority:         req.Priority,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "action updated", action)
}

// ActiveExecutions 客户正在运行的剧本
func (h *CustomerHandler) ActiveExecutions(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if _, err := h.customerService.Get(claims.OrganizationID, id); err != nil {
		response.FromError(c, err)
		return
	}
	executions, err := h.engine.ActiveExecutions(claims.OrganizationID, id)
	if err != nil {
		response.ServerError(c, "failed to load executions")
		return
	}
	response.Success(c, executions)
}

// Dashboard 客户总览
func (h *CustomerHandler) Dashboard(c *gin.Context) {
	claims := claimsOf(c)

	summary, err := h.customerService.DashboardSummary(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to load dashboard")
		return
	}
	response.Success(c, summary)
}
