package handlers

import (
	"fmt"

	"upliftcs/internal/services"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

// BillingHandler 套餐与订阅。只保存 Stripe 标识，不处理扣款
type BillingHandler struct {
	orgService *services.OrganizationService
	audit      *auditlog.Logger
}

func NewBillingHandler(orgService *services.OrganizationService, audit *auditlog.Logger) *BillingHandler {
	return &BillingHandler{orgService: orgService, audit: audit}
}

type planRequest struct {
	PlanTier string `json:"plan_tier" binding:"required,oneof=starter growth enterprise"`
}

// Plans 套餐列表及当前套餐
func (h *BillingHandler) Plans(c *gin.Context) {
	claims := claimsOf(c)

	org, err := h.orgService.Get(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"plans":        h.orgService.Plans(),
		"current_plan": org.PlanTier,
	})
}

// Subscription 订阅状态、试用与用量
func (h *BillingHandler) Subscription(c *gin.Context) {
	claims := claimsOf(c)

	stats, err := h.orgService.Stats(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, stats)
}

// Usage 用量报告
func (h *BillingHandler) Usage(c *gin.Context) {
	claims := claimsOf(c)

	report, err := h.orgService.Usage(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, report)
}

// Upgrade 升级套餐
func (h *BillingHandler) Upgrade(c *gin.Context) {
	h.changePlan(c, h.orgService.Upgrade, "upgraded")
}

// Downgrade 降级套餐
func (h *BillingHandler) Downgrade(c *gin.Context) {
	h.changePlan(c, h.orgService.Downgrade, "downgraded")
}

func (h *BillingHandler) changePlan(c *gin.Context, change func(uint, string) (*services.PlanChangeResult, error), verb string) {
	claims := claimsOf(c)

	var req planRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := change(claims.OrganizationID, req.PlanTier)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlanChanged,
		fmt.Sprintf("Plan %s from %s to %s", verb, result.PreviousTier, result.Organization.PlanTier),
		result.Organization.Name, map[string]interface{}{"from": result.PreviousTier, "to": result.Organization.PlanTier})
	response.SuccessWithMessage(c, "successfully "+verb+" to "+result.PlanDetails.Name, result)
}

// Cancel 取消订阅
func (h *BillingHandler) Cancel(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Immediate bool   `json:"immediate"`
		Reason    string `json:"reason" binding:"max=500"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	org, err := h.orgService.Cancel(claims.OrganizationID, req.Immediate)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionSubscriptionCancelled, "Subscription cancelled", org.Name,
		map[string]interface{}{"immediate": req.Immediate, "reason": req.Reason})
	message := "subscription will be cancelled at the end of the billing period"
	if req.Immediate {
		message = "subscription cancelled immediately"
	}
	response.SuccessWithMessage(c, message, org)
}

// Reactivate 恢复已取消的订阅
func (h *BillingHandler) Reactivate(c *gin.Context) {
	claims := claimsOf(c)

	org, err := h.orgService.Reactivate(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionSubscriptionReactivated, "Subscription reactivated", org.Name, nil)
	response.SuccessWithMessage(c, "subscription reactivated", org)
}

// ExtendTrial 延长试用期
func (h *BillingHandler) ExtendTrial(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Days int `json:"days" binding:"gte=0"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	org, err := h.orgService.ExtendTrial(claims.OrganizationID, req.Days)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionTrialExtended, "Trial extended", org.Name,
		map[string]interface{}{"trial_ends_at": org.TrialEndsAt})
	response.SuccessWithMessage(c, "trial extended", org)
}

// Activate 支付完成后激活订阅
func (h *BillingHandler) Activate(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		StripeCustomerID     string `json:"stripe_customer_id" binding:"required,max=100"`
		StripeSubscriptionID string `json:"stripe_subscription_id" binding:"required,max=100"`
	}
	if !bindJSON(c, &req) {
		return
	}

	org, err := h.orgService.ActivateSubscription(claims.OrganizationID, req.StripeCustomerID, req.StripeSubscriptionID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionSubscriptionActivated, "Subscription activated", org.Name, nil)
	response.SuccessWithMessage(c, "subscription activated", org)
}

// Limits 新增客户、成员是否可行
func (h *BillingHandler) Limits(c *gin.Context) {
	claims := claimsOf(c)

	canCustomer, customerReason, err := h.orgService.CanAddCustomer(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	canUser, userReason, err := h.orgService.CanAddUser(claims.OrganizationID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"can_add_customer": gin.H{"allowed": canCustomer, "reason": customerReason},
		"can_add_user":     gin.H{"allowed": canUser, "reason": userReason},
	})
}
