package handlers

import (
	"upliftcs/internal/services"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

type IntegrationHandler struct {
	integrationService *services.IntegrationService
	audit              *auditlog.Logger
}

func NewIntegrationHandler(integrationService *services.IntegrationService, audit *auditlog.Logger) *IntegrationHandler {
	return &IntegrationHandler{
		integrationService: integrationService,
		audit:              audit,
	}
}

// Platforms 支持的平台
func (h *IntegrationHandler) Platforms(c *gin.Context) {
	response.Success(c, h.integrationService.SupportedPlatforms())
}

// Status 组织的集成总览
func (h *IntegrationHandler) Status(c *gin.Context) {
	claims := claimsOf(c)

	status, err := h.integrationService.Status(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to load integrations")
		return
	}
	response.Success(c, status)
}

// Add 添加或更新集成配置
func (h *IntegrationHandler) Add(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Platform   string `json:"platform" binding:"required"`
		APIKey     string `json:"api_key" binding:"max=500"`
		APISecret  string `json:"api_secret" binding:"max=500"`
		BaseURL    string `json:"base_url" binding:"omitempty,url"`
		WebhookURL string `json:"webhook_url" binding:"omitempty,url"`
		Enabled    *bool  `json:"enabled"`
	}
	if !bindJSON(c, &req) {
		return
	}

	integration, err := h.integrationService.Add(claims.OrganizationID, claims.UserID, services.AddIntegrationInput{
		Platform:   req.Platform,
		APIKey:     req.APIKey,
		APISecret:  req.APISecret,
		BaseURL:    req.BaseURL,
		WebhookURL: req.WebhookURL,
		Enabled:    req.Enabled,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionIntegrationAdded, "Configured "+integration.Platform+" integration", integration.Platform, nil)
	response.Created(c, "integration configured", gin.H{
		"platform":      integration.Platform,
		"status":        integration.Status,
		"webhook_token": integration.WebhookToken,
	})
}

// Remove 删除集成
func (h *IntegrationHandler) Remove(c *gin.Context) {
	claims := claimsOf(c)
	platform := c.Param("platform")

	if err := h.integrationService.Remove(claims.OrganizationID, platform); err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionIntegrationRemoved, "Removed "+platform+" integration", platform, nil)
	response.SuccessWithMessage(c, "integration removed", nil)
}

// Test 连通性测试
func (h *IntegrationHandler) Test(c *gin.Context) {
	claims := claimsOf(c)

	result, err := h.integrationService.Test(claims.OrganizationID, c.Param("platform"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// Health 集成健康状态
func (h *IntegrationHandler) Health(c *gin.Context) {
	claims := claimsOf(c)

	health, err := h.integrationService.Health(claims.OrganizationID, c.Param("platform"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, health)
}

// Notify 通过 slack 发送通知
func (h *IntegrationHandler) Notify(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Platform string `json:"platform"`
		Message  string `json:"message" binding:"required,max=4000"`
		Channel  string `json:"channel" binding:"max=100"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.Platform == "" {
		req.Platform = "slack"
	}

	result, err := h.integrationService.Notify(claims.OrganizationID, req.Platform, req.Message, req.Channel)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, result)
}

// Webhook 入站 webhook，通过 URL 中的 token 识别集成，无需登录
func (h *IntegrationHandler) Webhook(c *gin.Context) {
	var payload map[string]interface{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, "webhook body must be a JSON object")
			return
		}
	}

	receipt, err := h.integrationService.HandleWebhook(c.Param("token"), payload, len(c.Request.Header))
	if err != nil {
		response.FromError(c, err)
		return
	}

	if h.audit != nil {
		h.audit.Track(c.Request.Context(), auditlog.Event{
			OrganizationID: receipt.Integration.OrganizationID,
			User:           "webhook:" + receipt.WebhookData.Platform,
			Action:         auditlog.ActionWebhookReceived,
			Description:    "Received " + receipt.WebhookData.EventType + " webhook from " + receipt.WebhookData.Platform,
			Target:         receipt.WebhookData.Platform,
			Metadata:       map[string]interface{}{"event_type": receipt.WebhookData.EventType},
			IPAddress:      c.ClientIP(),
		})
	}
	response.Success(c, receipt)
}
