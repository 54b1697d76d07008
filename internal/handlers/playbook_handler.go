package handlers

import (
	"fmt"

	"upliftcs/internal/services"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/pagination"
	"upliftcs/pkg/response"

	"github.com/gin-gonic/gin"
)

type PlaybookHandler struct {
	playbookService *services.PlaybookService
	engine          *services.PlaybookEngine
	audit           *auditlog.Logger
}

func NewPlaybookHandler(playbookService *services.PlaybookService, engine *services.PlaybookEngine, audit *auditlog.Logger) *PlaybookHandler {
	return &PlaybookHandler{
		playbookService: playbookService,
		engine:          engine,
		audit:           audit,
	}
}

type stepRequest struct {
	StepOrder   int                    `json:"step_order" binding:"gte=0"`
	StepType    string                 `json:"step_type" binding:"required,oneof=email task wait condition"`
	Title       string                 `json:"title" binding:"required,max=200"`
	Description string                 `json:"description" binding:"max=2000"`
	DelayHours  int                    `json:"delay_hours" binding:"gte=0"`
	Config      map[string]interface{} `json:"config"`
	Conditions  map[string]interface{} `json:"conditions"`
}

func toStepInputs(steps []stepRequest) []services.StepInput {
	inputs := make([]services.StepInput, 0, len(steps))
	for _, s := range steps {
		inputs = append(inputs, services.StepInput{
			StepOrder:   s.StepOrder,
			StepType:    s.StepType,
			Title:       s.Title,
			Description: s.Description,
			DelayHours:  s.DelayHours,
			Config:      s.Config,
			Conditions:  s.Conditions,
		})
	}
	return inputs
}

// List 剧本列表（按优先级）及执行效果
func (h *PlaybookHandler) List(c *gin.Context) {
	claims := claimsOf(c)

	playbooks, err := h.playbookService.List(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to list playbooks")
		return
	}
	response.Success(c, playbooks)
}

// Get 剧本详情
func (h *PlaybookHandler) Get(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	detail, err := h.playbookService.Detail(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, detail)
}

// Create 创建剧本
func (h *PlaybookHandler) Create(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		Name              string                 `json:"name" binding:"required,max=200"`
		Description       string                 `json:"description" binding:"max=2000"`
		Category          string                 `json:"category" binding:"required,max=50"`
		TriggerConditions map[string]interface{} `json:"trigger_conditions" binding:"required"`
		IsActive          *bool                  `json:"is_active"`
		Priority          *int                   `json:"priority" binding:"omitempty,min=1,max=10"`
		Steps             []stepRequest          `json:"steps" binding:"dive"`
	}
	if !bindJSON(c, &req) {
		return
	}

	playbook, err := h.playbookService.Create(claims.OrganizationID, claims.UserID, services.CreatePlaybookInput{
		Name:              req.Name,
		Description:       req.Description,
		Category:          req.Category,
		TriggerConditions: req.TriggerConditions,
		IsActive:          req.IsActive,
		Priority:          req.Priority,
		Steps:             toStepInputs(req.Steps),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlaybookCreated, "Created playbook "+playbook.Name, playbook.Name,
		map[string]interface{}{"playbook_id": playbook.ID, "steps": len(playbook.Steps)})
	response.Created(c, "playbook created", playbook)
}

// Update 修改剧本，传入 steps 时整体替换
func (h *PlaybookHandler) Update(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Name              *string                `json:"name" binding:"omitempty,min=1,max=200"`
		Description       *string                `json:"description" binding:"omitempty,max=2000"`
		IsActive          *bool                  `json:"is_active"`
		Priority          *int                   `json:"priority" binding:"omitempty,min=1,max=10"`
		TriggerConditions map[string]interface{} `json:"trigger_conditions"`
		Steps             *[]stepRequest         `json:"steps" binding:"omitempty,dive"`
	}
	if !bindJSON(c, &req) {
		return
	}

	in := services.UpdatePlaybookInput{
		Name:              req.Name,
		Description:       req.Description,
		IsActive:          req.IsActive,
		Priority:          req.Priority,
		TriggerConditions: req.TriggerConditions,
	}
	if req.Steps != nil {
		steps := toStepInputs(*req.Steps)
		in.Steps = &steps
	}

	playbook, err := h.playbookService.Update(claims.OrganizationID, id, in)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlaybookUpdated, "Updated playbook "+playbook.Name, playbook.Name,
		map[string]interface{}{"playbook_id": playbook.ID})
	response.SuccessWithMessage(c, "playbook updated", playbook)
}

// Delete 删除剧本，有运行中的执行时拒绝
func (h *PlaybookHandler) Delete(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	playbook, err := h.playbookService.Get(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if err := h.playbookService.Delete(claims.OrganizationID, id); err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlaybookDeleted, "Deleted playbook "+playbook.Name, playbook.Name,
		map[string]interface{}{"playbook_id": id})
	response.SuccessWithMessage(c, "playbook deleted", nil)
}

// InitializeDefaults 创建默认剧本模板
func (h *PlaybookHandler) InitializeDefaults(c *gin.Context) {
	claims := claimsOf(c)

	created, err := h.playbookService.InitializeDefaults(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to initialize default playbooks")
		return
	}
	response.SuccessWithMessage(c, fmt.Sprintf("initialized %d default playbooks", created), gin.H{"created": created})
}

// ========== 触发与执行 ==========

// Trigger 手动为客户启动剧本
func (h *PlaybookHandler) Trigger(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		CustomerIDs []uint `json:"customer_ids" binding:"required,min=1,max=500"`
	}
	if !bindJSON(c, &req) {
		return
	}

	executions, err := h.engine.TriggerManual(claims.OrganizationID, id, req.CustomerIDs)
	if err != nil {
		response.FromError(c, err)
		return
	}

	track(h.audit, c, auditlog.ActionPlaybookTriggered,
		fmt.Sprintf("Triggered playbook %d for %d customers", id, len(executions)), fmt.Sprint(id),
		map[string]interface{}{"requested": len(req.CustomerIDs), "started": len(executions)})
	response.SuccessWithMessage(c, fmt.Sprintf("triggered %d executions", len(executions)), gin.H{
		"executions": executions,
		"skipped":    len(req.CustomerIDs) - len(executions),
	})
}

// Evaluate 按触发条件评估客户，customer_ids 为空时评估全部
func (h *PlaybookHandler) Evaluate(c *gin.Context) {
	claims := claimsOf(c)

	var req struct {
		CustomerIDs []uint `json:"customer_ids"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	result, err := h.engine.EvaluateCustomers(claims.OrganizationID, req.CustomerIDs)
	if err != nil {
		response.ServerError(c, "failed to evaluate triggers")
		return
	}
	response.Success(c, result)
}

// ExecutePending 立即执行本组织到期的步骤
func (h *PlaybookHandler) ExecutePending(c *gin.Context) {
	claims := claimsOf(c)

	processed, err := h.engine.ExecutePending(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to execute pending steps")
		return
	}
	response.Success(c, gin.H{"processed": processed})
}

// ListExecutions 执行记录
func (h *PlaybookHandler) ListExecutions(c *gin.Context) {
	claims := claimsOf(c)
	params := pagination.ParsePageParams(c)

	filter := services.ExecutionFilter{
		Status:     c.Query("status"),
		CustomerID: queryUint(c, "customer_id"),
		PlaybookID: queryUint(c, "playbook_id"),
	}
	if c.Param("id") != "" {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		filter.PlaybookID = id
	}

	executions, total, err := h.playbookService.ListExecutions(claims.OrganizationID, filter, params.Page, params.PageSize)
	if err != nil {
		response.ServerError(c, "failed to list executions")
		return
	}
	response.SuccessWithPage(c, executions, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// GetExecution 执行详情
func (h *PlaybookHandler) GetExecution(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	execution, err := h.playbookService.GetExecution(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, execution)
}

// PauseExecution 暂停执行
func (h *PlaybookHandler) PauseExecution(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	execution, err := h.engine.Pause(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "execution paused", execution)
}

// ResumeExecution 恢复执行
func (h *PlaybookHandler) ResumeExecution(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	execution, err := h.engine.Resume(claims.OrganizationID, id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessWithMessage(c, "execution resumed", execution)
}

// ========== 效果 ==========

// Performance 单个剧本的执行效果
func (h *PlaybookHandler) Performance(c *gin.Context) {
	claims := claimsOf(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if _, err := h.playbookService.Get(claims.OrganizationID, id); err != nil {
		response.FromError(c, err)
		return
	}
	perf, err := h.playbookService.Performance(claims.OrganizationID, id)
	if err != nil {
		response.ServerError(c, "failed to load performance")
		return
	}
	response.Success(c, perf)
}

// OverallPerformance 组织整体效果
func (h *PlaybookHandler) OverallPerformance(c *gin.Context) {
	claims := claimsOf(c)

	perf, err := h.playbookService.OverallPerformance(claims.OrganizationID)
	if err != nil {
		response.ServerError(c, "failed to load performance")
		return
	}
	response.Success(c, perf)
}
