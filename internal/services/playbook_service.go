package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecentExecutionLimit 剧本详情中返回的最近执行数量
const RecentExecutionLimit = 10

// DefaultPlaybookPriority 未指定时的剧本优先级
const DefaultPlaybookPriority = 5

type PlaybookService struct {
	db *gorm.DB
}

func NewPlaybookService(db *gorm.DB) *PlaybookService {
	return &PlaybookService{db: db}
}

// StepInput 剧本步骤参数
type StepInput struct {
	StepOrder   int                    `json:"step_order"`
	StepType    string                 `json:"step_type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	DelayHours  int                    `json:"delay_hours"`
	Config      map[string]interface{} `json:"config"`
	Conditions  map[string]interface{} `json:"conditions"`
}

// CreatePlaybookInput 创建剧本参数
type CreatePlaybookInput struct {
	Name              string
	Description       string
	Category          string
	TriggerConditions map[string]interface{}
	IsActive          *bool
	Priority          *int
	Steps             []StepInput
}

// UpdatePlaybookInput 更新剧本参数，Steps 非 nil 时整体替换步骤
type UpdatePlaybookInput struct {
	Name              *string
	Description       *string
	IsActive          *bool
	Priority          *int
	TriggerConditions map[string]interface{}
	Steps             *[]StepInput
}

// PlaybookPerformance 剧本执行效果
type PlaybookPerformance struct {
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	ActiveExecutions     int64   `json:"active_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	SuccessRate          float64 `json:"success_rate"`
}

// OverallPerformance 组织整体剧本效果
type OverallPerformance struct {
	PlaybookPerformance
	ActivePlaybooks int64 `json:"active_playbooks"`
	TotalPlaybooks  int64 `json:"total_playbooks"`
}

// PlaybookSummary 剧本及其效果
type PlaybookSummary struct {
	*models.Playbook
	Performance *PlaybookPerformance `json:"performance"`
}

// PlaybookDetail 剧本详情
type PlaybookDetail struct {
	*models.Playbook
	Performance      *PlaybookPerformance       `json:"performance"`
	RecentExecutions []models.PlaybookExecution `json:"recent_executions"`
}

// ExecutionFilter 执行记录过滤条件
type ExecutionFilter struct {
	Status     string
	CustomerID uint
	PlaybookID uint
}

// ExecutionView 执行记录及客户、剧本名称
type ExecutionView struct {
	models.PlaybookExecution
	CustomerName string `json:"customer_name"`
	PlaybookName string `json:"playbook_name"`
}

// ========== 剧本CRUD ==========

// List 按优先级倒序、名称排序，附带效果数据
func (s *PlaybookService) List(orgID uint) ([]PlaybookSummary, error) {
	var playbooks []models.Playbook
	err := s.db.Where("organization_id = ?", orgID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Order("priority DESC").Order("name ASC").
		Find(&playbooks).Error
	if err != nil {
		return nil, err
	}

	result := make([]PlaybookSummary, 0, len(playbooks))
	for i := range playbooks {
		perf, err := s.Performance(orgID, playbooks[i].ID)
		if err != nil {
			return nil, err
		}
		result = append(result, PlaybookSummary{Playbook: &playbooks[i], Performance: perf})
	}
	return result, nil
}

// Get 组织内按ID获取剧本（含步骤）
func (s *PlaybookService) Get(orgID, id uint) (*models.Playbook, error) {
	return findPlaybook(s.db, orgID, id)
}

func findPlaybook(db *gorm.DB, orgID, id uint) (*models.Playbook, error) {
	var playbook models.Playbook
	err := db.Where("id = ? AND organization_id = ?", id, orgID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&playbook).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlaybookNotFound
		}
		return nil, err
	}
	return &playbook, nil
}

// Detail 剧本详情，包含最近执行和效果
func (s *PlaybookService) Detail(orgID, id uint) (*PlaybookDetail, error) {
	playbook, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}
	perf, err := s.Performance(orgID, id)
	if err != nil {
		return nil, err
	}
	detail := &PlaybookDetail{Playbook: playbook, Performance: perf}
	if err := s.db.Where("playbook_id = ?", id).
		Order("started_date DESC").Limit(RecentExecutionLimit).
		Find(&detail.RecentExecutions).Error; err != nil {
		return nil, err
	}
	return detail, nil
}

// Create 创建剧本及步骤
func (s *PlaybookService) Create(orgID, createdBy uint, in CreatePlaybookInput) (*models.Playbook, error) {
	if len(in.TriggerConditions) == 0 {
		return nil, ErrMissingTriggerConditions
	}
	steps, err := buildSteps(in.Steps)
	if err != nil {
		return nil, err
	}
	conditions, err := json.Marshal(in.TriggerConditions)
	if err != nil {
		return nil, fmt.Errorf("序列化触发条件失败: %w", err)
	}

	playbook := &models.Playbook{
		OrgScoped:         models.OrgScoped{OrganizationID: orgID},
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Category:          in.Category,
		TriggerConditions: datatypes.JSON(conditions),
		IsActive:          true,
		Priority:          DefaultPlaybookPriority,
		CreatedBy:         createdBy,
		Steps:             steps,
	}
	if in.IsActive != nil {
		playbook.IsActive = *in.IsActive
	}
	if in.Priority != nil {
		playbook.Priority = *in.Priority
	}

	if err := s.db.Create(playbook).Error; err != nil {
		return nil, fmt.Errorf("创建剧本失败: %w", err)
	}
	logger.ForOrg(orgID).WithFields(logrus.Fields{
		"playbook_id": playbook.ID,
		"steps":       len(steps),
	}).Info("剧本已创建")
	return s.Get(orgID, playbook.ID)
}

// Update 更新剧本，传入步骤时整体替换
func (s *PlaybookService) Update(orgID, id uint, in UpdatePlaybookInput) (*models.Playbook, error) {
	playbook, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		updates["description"] = *in.Description
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}
	if in.Priority != nil {
		updates["priority"] = *in.Priority
	}
	if in.TriggerConditions != nil {
		if len(in.TriggerConditions) == 0 {
			return nil, ErrMissingTriggerConditions
		}
		raw, err := json.Marshal(in.TriggerConditions)
		if err != nil {
			return nil, fmt.Errorf("序列化触发条件失败: %w", err)
		}
		updates["trigger_conditions"] = datatypes.JSON(raw)
	}

	var steps []models.PlaybookStep
	if in.Steps != nil {
		if steps, err = buildSteps(*in.Steps); err != nil {
			return nil, err
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(playbook).Updates(updates).Error; err != nil {
				return err
			}
		}
		if in.Steps == nil {
			return nil
		}
		var active int64
		if err := tx.Model(&models.PlaybookExecution{}).
			Where("playbook_id = ? AND status IN ?", id, []string{models.ExecutionActive, models.ExecutionPaused}).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrPlaybookHasActiveRuns
		}
		if err := tx.Where("playbook_id = ?", id).Delete(&models.PlaybookStep{}).Error; err != nil {
			return err
		}
		for i := range steps {
			steps[i].PlaybookID = id
		}
		if len(steps) > 0 {
			return tx.Create(&steps).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPlaybookHasActiveRuns) {
			return nil, err
		}
		return nil, fmt.Errorf("更新剧本失败: %w", err)
	}
	return s.Get(orgID, id)
}

// Delete 删除剧本，存在进行中的执行时拒绝
func (s *PlaybookService) Delete(orgID, id uint) error {
	playbook, err := s.Get(orgID, id)
	if err != nil {
		return err
	}

	var active int64
	if err := s.db.Model(&models.PlaybookExecution{}).
		Where("playbook_id = ? AND status IN ?", id, []string{models.ExecutionActive, models.ExecutionPaused}).
		Count(&active).Error; err != nil {
		return fmt.Errorf("检查执行记录失败: %w", err)
	}
	if active > 0 {
		return ErrPlaybookHasActiveRuns
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var executionIDs []uint
		if err := tx.Model(&models.PlaybookExecution{}).Where("playbook_id = ?", id).
			Pluck("id", &executionIDs).Error; err != nil {
			return err
		}
		if len(executionIDs) > 0 {
			if err := tx.Where("execution_id IN ?", executionIDs).Delete(&models.StepExecution{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", executionIDs).Delete(&models.PlaybookExecution{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("playbook_id = ?", id).Delete(&models.PlaybookStep{}).Error; err != nil {
			return err
		}
		return tx.Delete(playbook).Error
	})
}

// buildSteps 校验并按 step_order 排序
func buildSteps(inputs []StepInput) ([]models.PlaybookStep, error) {
	if len(inputs) > models.MaxPlaybookSteps {
		return nil, ErrTooManySteps
	}
	steps := make([]models.PlaybookStep, 0, len(inputs))
	for i, in := range inputs {
		if !models.IsValidStepType(in.StepType) {
			return nil, ErrInvalidStepType
		}
		order := in.StepOrder
		if order == 0 {
			order = i + 1
		}
		config := in.Config
		if config == nil {
			config = map[string]interface{}{}
		}
		configRaw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("序列化步骤配置失败: %w", err)
		}
		step := models.PlaybookStep{
			StepOrder:   order,
			StepType:    in.StepType,
			Title:       in.Title,
			Description: in.Description,
			DelayHours:  in.DelayHours,
			Config:      datatypes.JSON(configRaw),
		}
		if len(in.Conditions) > 0 {
			condRaw, err := json.Marshal(in.Conditions)
			if err != nil {
				return nil, fmt.Errorf("序列化步骤条件失败: %w", err)
			}
			step.Conditions = datatypes.JSON(condRaw)
		}
		steps = append(steps, step)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

// ========== 默认模板 ==========

// InitializeDefaults 写入内置模板，按名称幂等，返回新建数量
func (s *PlaybookService) InitializeDefaults(orgID uint) (int, error) {
	created := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, tpl := range models.PlaybookTemplates {
			var count int64
			if err := tx.Model(&models.Playbook{}).
				Where("organization_id = ? AND name = ?", orgID, tpl.Name).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			inputs := make([]StepInput, 0, len(tpl.Steps))
			for _, st := range tpl.Steps {
				inputs = append(inputs, StepInput{
					StepOrder:   st.StepOrder,
					StepType:    st.StepType,
					Title:       st.Title,
					Description: st.Description,
					DelayHours:  st.DelayHours,
					Config:      st.Config,
				})
			}
			steps, err := buildSteps(inputs)
			if err != nil {
				return err
			}
			conditions, err := json.Marshal(tpl.TriggerConditions)
			if err != nil {
				return err
			}
			playbook := &models.Playbook{
				OrgScoped:         models.OrgScoped{OrganizationID: orgID},
				Name:              tpl.Name,
				Description:       tpl.Description,
				Category:          tpl.Category,
				TriggerConditions: datatypes.JSON(conditions),
				IsActive:          true,
				Priority:          DefaultPlaybookPriority,
				Steps:             steps,
			}
			if err := tx.Create(playbook).Error; err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("初始化默认剧本失败: %w", err)
	}
	return created, nil
}

// ========== 效果统计 ==========

// Performance 单个剧本的执行效果，playbookID 为 0 时统计整个组织
func (s *PlaybookService) Performance(orgID, playbookID uint) (*PlaybookPerformance, error) {
	return playbookPerformance(s.db, orgID, playbookID)
}

func playbookPerformance(db *gorm.DB, orgID, playbookID uint) (*PlaybookPerformance, error) {
	scoped := func() *gorm.DB {
		q := db.Model(&models.PlaybookExecution{}).Where("organization_id = ?", orgID)
		if playbookID != 0 {
			q = q.Where("playbook_id = ?", playbookID)
		}
		return q
	}

	perf := &PlaybookPerformance{}
	if err := scoped().Count(&perf.TotalExecutions).Error; err != nil {
		return nil, err
	}
	if err := scoped().Where("success = ?", true).Count(&perf.SuccessfulExecutions).Error; err != nil {
		return nil, err
	}
	if err := scoped().Where("status = ?", models.ExecutionActive).Count(&perf.ActiveExecutions).Error; err != nil {
		return nil, err
	}
	if err := scoped().Where("status = ?", models.ExecutionFailed).Count(&perf.FailedExecutions).Error; err != nil {
		return nil, err
	}
	if perf.TotalExecutions > 0 {
		perf.SuccessRate = round1(float64(perf.SuccessfulExecutions) / float64(perf.TotalExecutions) * 100)
	}
	return perf, nil
}

// OverallPerformance 组织整体效果及剧本数量
func (s *PlaybookService) OverallPerformance(orgID uint) (*OverallPerformance, error) {
	perf, err := s.Performance(orgID, 0)
	if err != nil {
		return nil, err
	}
	overall := &OverallPerformance{PlaybookPerformance: *perf}
	if err := s.db.Model(&models.Playbook{}).Where("organization_id = ?", orgID).Count(&overall.TotalPlaybooks).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&models.Playbook{}).Where("organization_id = ? AND is_active = ?", orgID, true).Count(&overall.ActivePlaybooks).Error; err != nil {
		return nil, err
	}
	return overall, nil
}

// ========== 执行记录 ==========

// ListExecutions 执行记录（分页），按开始时间倒序
func (s *PlaybookService) ListExecutions(orgID uint, filter ExecutionFilter, page, pageSize int) ([]ExecutionView, int64, error) {
	var executions []models.PlaybookExecution
	var total int64

	query := s.db.Model(&models.PlaybookExecution{}).Where("organization_id = ?", orgID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CustomerID != 0 {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.PlaybookID != 0 {
		query = query.Where("playbook_id = ?", filter.PlaybookID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Preload("Customer").Preload("Playbook").
		Order("started_date DESC").Order("id DESC").
		Offset(offset).Limit(pageSize).Find(&executions).Error
	if err != nil {
		return nil, 0, err
	}

	views := make([]ExecutionView, 0, len(executions))
	for _, e := range executions {
		view := ExecutionView{PlaybookExecution: e, CustomerName: "Unknown", PlaybookName: "Unknown"}
		if e.Customer != nil {
			view.CustomerName = e.Customer.Name
		}
		if e.Playbook != nil {
			view.PlaybookName = e.Playbook.Name
		}
		view.Customer = nil
		view.Playbook = nil
		views = append(views, view)
	}
	return views, total, nil
}

// GetExecution 执行详情，包含客户、剧本和步骤执行记录
func (s *PlaybookService) GetExecution(orgID, id uint) (*models.PlaybookExecution, error) {
	var execution models.PlaybookExecution
	err := s.db.Where("id = ? AND organization_id = ?", id, orgID).
		Preload("Customer").
		Preload("Playbook.Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		Preload("StepExecutions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return &execution, nil
}

// refreshPlaybookStats 同步剧本的执行次数和成功率
func refreshPlaybookStats(db *gorm.DB, orgID, playbookID uint) error {
	perf, err := playbookPerformance(db, orgID, playbookID)
	if err != nil {
		return err
	}
	return db.Model(&models.Playbook{}).Where("id = ?", playbookID).Updates(map[string]interface{}{
		"execution_count": perf.TotalExecutions,
		"success_rate":    perf.SuccessRate,
		"updated_at":      time.Now(),
	}).Error
}
