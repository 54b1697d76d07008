package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 执行事件类型
const (
	EventExecutionStarted   = "execution.started"
	EventStepCompleted      = "execution.step_completed"
	EventStepFailed         = "execution.step_failed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionPaused    = "execution.paused"
	EventExecutionResumed   = "execution.resumed"
)

// ExecutionEvent 推送给前端的执行事件
type ExecutionEvent struct {
	Type           string    `json:"type"`
	OrganizationID uint      `json:"organization_id"`
	ExecutionID    uint      `json:"execution_id"`
	PlaybookID     uint      `json:"playbook_id"`
	CustomerID     uint      `json:"customer_id"`
	Status         string    `json:"status"`
	CurrentStep    int       `json:"current_step"`
	StepType       string    `json:"step_type,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventPublisher 执行事件发布，由 websocket hub 实现
type EventPublisher interface {
	Publish(event ExecutionEvent)
}

// StepRecorder 步骤结果观测，由 metrics 实现
type StepRecorder interface {
	RecordStep(stepType string, success bool)
}

// TriggeredExecution 触发评估产生的执行
type TriggeredExecution struct {
	CustomerID   uint   `json:"customer_id"`
	CustomerName string `json:"customer_name"`
	PlaybookID   uint   `json:"playbook_id"`
	PlaybookName string `json:"playbook_name"`
	ExecutionID  uint   `json:"execution_id"`
}

// EvaluationResult 一次触发评估的汇总
type EvaluationResult struct {
	Evaluated int                  `json:"evaluated"`
	Triggered []TriggeredExecution `json:"triggered_executions"`
}

// PlaybookEngine 剧本触发与执行
type PlaybookEngine struct {
	db         *gorm.DB
	conditions *ConditionEvaluator
	events     EventPublisher
	recorder   StepRecorder
	now        func() time.Time
}

func NewPlaybookEngine(db *gorm.DB) *PlaybookEngine {
	e := &PlaybookEngine{db: db, now: time.Now}
	e.conditions = NewConditionEvaluator(func() time.Time { return e.now() })
	return e
}

// WithEvents 设置事件发布
func (e *PlaybookEngine) WithEvents(p EventPublisher) *PlaybookEngine {
	e.events = p
	return e
}

// WithRecorder 设置步骤观测
func (e *PlaybookEngine) WithRecorder(r StepRecorder) *PlaybookEngine {
	e.recorder = r
	return e
}

// ========== 触发 ==========

// EvaluateTriggers 返回满足条件且尚未对该客户运行的活跃剧本
func (e *PlaybookEngine) EvaluateTriggers(customer *models.Customer) ([]models.Playbook, error) {
	var playbooks []models.Playbook
	err := e.db.Where("organization_id = ? AND is_active = ?", customer.OrganizationID, true).
		Order("priority DESC").Order("id ASC").
		Find(&playbooks).Error
	if err != nil {
		return nil, err
	}

	triggered := make([]models.Playbook, 0)
	for _, pb := range playbooks {
		if !e.conditions.Matches(customer, pb.TriggerConditions) {
			continue
		}
		running, err := e.isRunning(e.db, customer.ID, pb.ID)
		if err != nil {
			return nil, err
		}
		if !running {
			triggered = append(triggered, pb)
		}
	}
	return triggered, nil
}

func (e *PlaybookEngine) isRunning(db *gorm.DB, customerID, playbookID uint) (bool, error) {
	var count int64
	err := db.Model(&models.PlaybookExecution{}).
		Where("customer_id = ? AND playbook_id = ? AND status = ?", customerID, playbookID, models.ExecutionActive).
		Count(&count).Error
	return count > 0, err
}

// EvaluateCustomers 评估组织内客户并启动命中的剧本，customerIDs 为空时评估全部
func (e *PlaybookEngine) EvaluateCustomers(orgID uint, customerIDs []uint) (*EvaluationResult, error) {
	var customers []models.Customer
	query := e.db.Where("organization_id = ?", orgID)
	if len(customerIDs) > 0 {
		query = query.Where("id IN ?", customerIDs)
	}
	if err := query.Order("id ASC").Find(&customers).Error; err != nil {
		return nil, err
	}

	result := &EvaluationResult{Evaluated: len(customers), Triggered: []TriggeredExecution{}}
	for i := range customers {
		customer := &customers[i]
		playbooks, err := e.EvaluateTriggers(customer)
		if err != nil {
			return nil, err
		}
		for j := range playbooks {
			execution, err := e.Start(customer, &playbooks[j])
			if err != nil {
				logger.GetLogger().WithError(err).WithFields(logrus.Fields{
					"customer_id": customer.ID,
					"playbook_id": playbooks[j].ID,
				}).Warn("启动剧本失败")
				continue
			}
			result.Triggered = append(result.Triggered, TriggeredExecution{
				CustomerID:   customer.ID,
				CustomerName: customer.Name,
				PlaybookID:   playbooks[j].ID,
				PlaybookName: playbooks[j].Name,
				ExecutionID:  execution.ID,
			})
		}
	}
	return result, nil
}

// EvaluateAllOrganizations 定时任务入口，评估所有启用组织
func (e *PlaybookEngine) EvaluateAllOrganizations() (int, error) {
	var orgIDs []uint
	if err := e.db.Model(&models.Organization{}).Where("is_active = ?", true).Pluck("id", &orgIDs).Error; err != nil {
		return 0, err
	}
	total := 0
	for _, orgID := range orgIDs {
		result, err := e.EvaluateCustomers(orgID, nil)
		if err != nil {
			return total, fmt.Errorf("评估组织 %d 失败: %w", orgID, err)
		}
		total += len(result.Triggered)
	}
	return total, nil
}

// TriggerManual 手动为指定客户启动剧本，跳过不存在或已在运行的客户
func (e *PlaybookEngine) TriggerManual(orgID, playbookID uint, customerIDs []uint) ([]models.PlaybookExecution, error) {
	playbook, err := findPlaybook(e.db, orgID, playbookID)
	if err != nil {
		return nil, err
	}
	if !playbook.IsActive {
		return nil, ErrPlaybookInactive
	}

	executions := []models.PlaybookExecution{}
	for _, id := range customerIDs {
		customer, err := findCustomer(e.db, orgID, id)
		if err != nil {
			continue
		}
		execution, err := e.Start(customer, playbook)
		if err != nil {
			if errors.Is(err, ErrPlaybookAlreadyRunning) {
				continue
			}
			return executions, err
		}
		executions = append(executions, *execution)
	}
	return executions, nil
}

// ========== 执行 ==========

// Start 创建执行并安排第一个步骤
func (e *PlaybookEngine) Start(customer *models.Customer, playbook *models.Playbook) (*models.PlaybookExecution, error) {
	var execution *models.PlaybookExecution
	err := e.db.Transaction(func(tx *gorm.DB) error {
		running, err := e.isRunning(tx, customer.ID, playbook.ID)
		if err != nil {
			return err
		}
		if running {
			return ErrPlaybookAlreadyRunning
		}

		execution = &models.PlaybookExecution{
			OrgScoped:   models.OrgScoped{OrganizationID: customer.OrganizationID},
			PlaybookID:  playbook.ID,
			CustomerID:  customer.ID,
			Status:      models.ExecutionActive,
			CurrentStep: 0,
			StartedDate: e.now(),
		}
		if err := tx.Create(execution).Error; err != nil {
			return err
		}
		steps, err := loadSteps(tx, playbook.ID)
		if err != nil {
			return err
		}
		if err := e.scheduleNext(tx, execution, steps); err != nil {
			return err
		}
		return refreshPlaybookStats(tx, execution.OrganizationID, playbook.ID)
	})
	if err != nil {
		if errors.Is(err, ErrPlaybookAlreadyRunning) {
			return nil, err
		}
		return nil, fmt.Errorf("启动剧本执行失败: %w", err)
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"execution_id": execution.ID,
		"playbook_id":  playbook.ID,
		"customer_id":  customer.ID,
	}).Info("剧本执行已启动")
	e.publish(EventExecutionStarted, execution, "", "")
	return execution, nil
}

func loadSteps(db *gorm.DB, playbookID uint) ([]models.PlaybookStep, error) {
	var steps []models.PlaybookStep
	if err := db.Where("playbook_id = ?", playbookID).Find(&steps).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

// scheduleNext 所有步骤完成则结束执行，否则按延迟安排下一步
func (e *PlaybookEngine) scheduleNext(tx *gorm.DB, execution *models.PlaybookExecution, steps []models.PlaybookStep) error {
	now := e.now()
	if execution.CurrentStep >= len(steps) {
		execution.Status = models.ExecutionCompleted
		execution.CompletedDate = &now
		execution.NextStepDate = nil
		execution.Success = boolPtr(true)
		execution.Results = executionResults(execution.CurrentStep, len(steps))
		return tx.Save(execution).Error
	}

	next := now.Add(time.Duration(steps[execution.CurrentStep].DelayHours) * time.Hour)
	execution.NextStepDate = &next
	return tx.Save(execution).Error
}

func executionResults(completed, total int) datatypes.JSON {
	raw, _ := json.Marshal(map[string]int{"completed_steps": completed, "total_steps": total})
	return datatypes.JSON(raw)
}

// ExecutePending 执行所有到期步骤，orgID 为 0 时处理全部组织，返回处理的执行数
func (e *PlaybookEngine) ExecutePending(orgID uint) (int, error) {
	var due []models.PlaybookExecution
	query := e.db.Where("status = ? AND next_step_date <= ?", models.ExecutionActive, e.now())
	if orgID != 0 {
		query = query.Where("organization_id = ?", orgID)
	}
	if err := query.Order("next_step_date ASC").Find(&due).Error; err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		if err := e.executeCurrentStep(&due[i]); err != nil {
			logger.GetLogger().WithError(err).WithField("execution_id", due[i].ID).Error("执行剧本步骤失败")
			continue
		}
		processed++
	}
	return processed, nil
}

// stepOutcome 单个步骤的执行结果
type stepOutcome struct {
	success bool
	output  map[string]interface{}
	err     string
}

// executeCurrentStep 执行当前步骤并推进或结束执行
func (e *PlaybookEngine) executeCurrentStep(execution *models.PlaybookExecution) error {
	var (
		step    models.PlaybookStep
		outcome stepOutcome
		ran     bool
	)

	err := e.db.Transaction(func(tx *gorm.DB) error {
		steps, err := loadSteps(tx, execution.PlaybookID)
		if err != nil {
			return err
		}
		if execution.CurrentStep >= len(steps) {
			return e.scheduleNext(tx, execution, steps)
		}
		var customer models.Customer
		if err := tx.First(&customer, execution.CustomerID).Error; err != nil {
			return fmt.Errorf("加载客户失败: %w", err)
		}

		step = steps[execution.CurrentStep]
		started := e.now()
		record := &models.StepExecution{
			ExecutionID: execution.ID,
			StepID:      step.ID,
			Status:      models.StepStatusRunning,
			StartedDate: &started,
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}

		outcome = e.runStep(tx, execution, &customer, &step)
		ran = true

		finished := e.now()
		record.CompletedDate = &finished
		record.Success = boolPtr(outcome.success)
		record.ErrorMessage = outcome.err
		if outcome.success {
			record.Status = models.StepStatusCompleted
		} else {
			record.Status = models.StepStatusFailed
		}
		if len(outcome.output) > 0 {
			raw, _ := json.Marshal(outcome.output)
			record.Output = datatypes.JSON(raw)
		}
		if err := tx.Save(record).Error; err != nil {
			return err
		}

		if outcome.success {
			execution.CurrentStep++
			if err := e.scheduleNext(tx, execution, steps); err != nil {
				return err
			}
		} else {
			execution.Status = models.ExecutionFailed
			execution.CompletedDate = &finished
			execution.NextStepDate = nil
			execution.Success = boolPtr(false)
			execution.Results = executionResults(execution.CurrentStep, len(steps))
			if err := tx.Save(execution).Error; err != nil {
				return err
			}
		}
		if execution.Status != models.ExecutionActive {
			return refreshPlaybookStats(tx, execution.OrganizationID, execution.PlaybookID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		return nil
	}

	if e.recorder != nil {
		e.recorder.RecordStep(step.StepType, outcome.success)
	}
	if outcome.success {
		e.publish(EventStepCompleted, execution, step.StepType, "")
	} else {
		e.publish(EventStepFailed, execution, step.StepType, outcome.err)
	}
	switch execution.Status {
	case models.ExecutionCompleted:
		e.publish(EventExecutionCompleted, execution, "", "")
	case models.ExecutionFailed:
		e.publish(EventExecutionFailed, execution, step.StepType, outcome.err)
	}
	return nil
}

// runStep 按步骤类型执行
func (e *PlaybookEngine) runStep(tx *gorm.DB, execution *models.PlaybookExecution, customer *models.Customer, step *models.PlaybookStep) stepOutcome {
	config := map[string]interface{}{}
	if len(step.Config) > 0 {
		if err := json.Unmarshal(step.Config, &config); err != nil {
			return stepOutcome{err: fmt.Sprintf("invalid step config: %v", err)}
		}
	}

	switch step.StepType {
	case models.StepTypeEmail:
		return e.runEmailStep(tx, execution, customer, step)
	case models.StepTypeTask:
		return e.runTaskStep(tx, execution, customer, step, config)
	case models.StepTypeWait:
		return stepOutcome{success: true, output: map[string]interface{}{"waited_hours": step.DelayHours}}
	case models.StepTypeCondition:
		result, err := e.conditions.Evaluate(customer, step.Conditions)
		if err != nil {
			return stepOutcome{err: err.Error()}
		}
		return stepOutcome{success: true, output: map[string]interface{}{
			"condition_result": result,
			"conditions_met":   result,
		}}
	default:
		return stepOutcome{err: fmt.Sprintf("Unknown step type: %s", step.StepType)}
	}
}

// EmailContent 自动邮件内容
type EmailContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ComposeEmail 生成步骤对应的邮件内容
func ComposeEmail(customer *models.Customer, step *models.PlaybookStep) EmailContent {
	return EmailContent{
		Subject: step.Title,
		Body:    fmt.Sprintf("Hi %s,\n\n%s\n\nBest regards,\nYour Customer Success Team", customer.Name, step.Description),
	}
}

// runEmailStep 邮件步骤记录为已完成的CSM动作
func (e *PlaybookEngine) runEmailStep(tx *gorm.DB, execution *models.PlaybookExecution, customer *models.Customer, step *models.PlaybookStep) stepOutcome {
	content := ComposeEmail(customer, step)
	now := e.now()
	action := &models.CSMAction{
		OrgScoped:     models.OrgScoped{OrganizationID: execution.OrganizationID},
		CustomerID:    customer.ID,
		ActionType:    "email",
		ActionStatus:  models.ActionCompleted,
		Priority:      models.PriorityMedium,
		Title:         "Automated Email: " + step.Title,
		Description:   content.Body,
		AIGenerated:   true,
		CompletedDate: &now,
		Outcome:       "Email sent: " + content.Subject,
	}
	if err := tx.Create(action).Error; err != nil {
		return stepOutcome{err: err.Error()}
	}
	return stepOutcome{success: true, output: map[string]interface{}{
		"email_subject": content.Subject,
		"email_body":    content.Body,
		"action_id":     action.ID,
	}}
}

// runTaskStep 任务步骤生成待处理的CSM动作
func (e *PlaybookEngine) runTaskStep(tx *gorm.DB, execution *models.PlaybookExecution, customer *models.Customer, step *models.PlaybookStep, config map[string]interface{}) stepOutcome {
	taskType := "task"
	if v, ok := config["task_type"].(string); ok && v != "" {
		taskType = v
	}
	priority := models.PriorityMedium
	if v, ok := config["priority"].(string); ok && v != "" {
		priority = v
	}

	description := step.Description
	if minutes, ok := toFloat(config["duration_minutes"]); ok && minutes > 0 {
		description += fmt.Sprintf("\n\nEstimated duration: %v minutes", minutes)
	}

	action := &models.CSMAction{
		OrgScoped:    models.OrgScoped{OrganizationID: execution.OrganizationID},
		CustomerID:   customer.ID,
		ActionType:   taskType,
		ActionStatus: models.ActionPending,
		Priority:     priority,
		Title:        step.Title,
		Description:  description,
		AIGenerated:  true,
	}
	if err := tx.Create(action).Error; err != nil {
		return stepOutcome{err: err.Error()}
	}
	return stepOutcome{success: true, output: map[string]interface{}{
		"action_id": action.ID,
		"task_type": taskType,
		"priority":  priority,
	}}
}

// ========== 暂停与恢复 ==========

// Pause 只能暂停运行中的执行
func (e *PlaybookEngine) Pause(orgID, executionID uint) (*models.PlaybookExecution, error) {
	execution, err := e.findExecution(orgID, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status != models.ExecutionActive {
		return nil, ErrExecutionNotActive
	}
	execution.Status = models.ExecutionPaused
	if err := e.db.Save(execution).Error; err != nil {
		return nil, fmt.Errorf("暂停执行失败: %w", err)
	}
	e.publish(EventExecutionPaused, execution, "", "")
	return execution, nil
}

// Resume 恢复已暂停的执行并重新安排当前步骤
func (e *PlaybookEngine) Resume(orgID, executionID uint) (*models.PlaybookExecution, error) {
	execution, err := e.findExecution(orgID, executionID)
	if err != nil {
		return nil, err
	}
	if execution.Status != models.ExecutionPaused {
		return nil, ErrExecutionNotPaused
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		steps, err := loadSteps(tx, execution.PlaybookID)
		if err != nil {
			return err
		}
		execution.Status = models.ExecutionActive
		if err := e.scheduleNext(tx, execution, steps); err != nil {
			return err
		}
		if execution.Status == models.ExecutionCompleted {
			return refreshPlaybookStats(tx, execution.OrganizationID, execution.PlaybookID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("恢复执行失败: %w", err)
	}
	e.publish(EventExecutionResumed, execution, "", "")
	return execution, nil
}

func (e *PlaybookEngine) findExecution(orgID, id uint) (*models.PlaybookExecution, error) {
	var execution models.PlaybookExecution
	err := e.db.Where("id = ? AND organization_id = ?", id, orgID).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return &execution, nil
}

// ActiveExecutions 运行中的执行，customerID 为 0 时不过滤客户
func (e *PlaybookEngine) ActiveExecutions(orgID, customerID uint) ([]models.PlaybookExecution, error) {
	executions := []models.PlaybookExecution{}
	query := e.db.Where("organization_id = ? AND status = ?", orgID, models.ExecutionActive)
	if customerID != 0 {
		query = query.Where("customer_id = ?", customerID)
	}
	err := query.Order("id ASC").Find(&executions).Error
	return executions, err
}

func (e *PlaybookEngine) publish(eventType string, execution *models.PlaybookExecution, stepType, errMsg string) {
	if e.events == nil {
		return
	}
	e.events.Publish(ExecutionEvent{
		Type:           eventType,
		OrganizationID: execution.OrganizationID,
		ExecutionID:    execution.ID,
		PlaybookID:     execution.PlaybookID,
		CustomerID:     execution.CustomerID,
		Status:         execution.Status,
		CurrentStep:    execution.CurrentStep,
		StepType:       stepType,
		Error:          errMsg,
		Timestamp:      e.now().UTC(),
	})
}

func boolPtr(v bool) *bool {
	return &v
}
