package models

import (
	"time"

	"gorm.io/datatypes"
)

// MaxPlaybookSteps 单个剧本允许的最大步骤数
const MaxPlaybookSteps = 20

// Playbook 客户成功剧本
type Playbook struct {
	BaseModel
	OrgScoped
	Name              string         `json:"name" gorm:"not null;size:200"`
	Description       string         `json:"description" gorm:"type:text"`
	Category          string         `json:"category" gorm:"not null;size:50;index"` // onboarding/retention/expansion/support
	TriggerConditions datatypes.JSON `json:"trigger_conditions" gorm:"type:json;not null"`
	IsActive          bool           `json:"is_active" gorm:"index"`
	Priority          int            `json:"priority" gorm:"default:5"` // 1-10
	ExecutionCount    int            `json:"execution_count" gorm:"default:0"`
	SuccessRate       float64        `json:"success_rate" gorm:"default:0"`
	CreatedBy         uint           `json:"created_by"`

	Steps []PlaybookStep `json:"steps" gorm:"foreignKey:PlaybookID;constraint:OnDelete:CASCADE"`
}

// TableName 表名
func (p *Playbook) TableName() string {
	return "playbooks"
}

// 剧本分类
const (
	CategoryOnboarding = "onboarding"
	CategoryRetention  = "retention"
	CategoryExpansion  = "expansion"
	CategorySupport    = "support"
)

// PlaybookStep 剧本步骤
type PlaybookStep struct {
	ID          uint           `json:"id" gorm:"primarykey"`
	PlaybookID  uint           `json:"playbook_id" gorm:"not null;index"`
	StepOrder   int            `json:"step_order" gorm:"not null"`
	StepType    string         `json:"step_type" gorm:"not null;size:50"`
	Title       string         `json:"title" gorm:"not null;size:200"`
	Description string         `json:"description" gorm:"type:text"`
	Config      datatypes.JSON `json:"config" gorm:"type:json"`
	DelayHours  int            `json:"delay_hours" gorm:"default:0"`
	Conditions  datatypes.JSON `json:"conditions" gorm:"type:json"`
}

// TableName 表名
func (s *PlaybookStep) TableName() string {
	return "playbook_steps"
}

// 步骤类型
const (
	StepTypeEmail     = "email"
	StepTypeTask      = "task"
	StepTypeWait      = "wait"
	StepTypeCondition = "condition"
)

// IsValidStepType 检查步骤类型
func IsValidStepType(stepType string) bool {
	switch stepType {
	case StepTypeEmail, StepTypeTask, StepTypeWait, StepTypeCondition:
		return true
	}
	return false
}

// PlaybookExecution 剧本在某个客户上的一次执行
type PlaybookExecution struct {
	BaseModel
	OrgScoped
	PlaybookID    uint           `json:"playbook_id" gorm:"not null;index"`
	CustomerID    uint           `json:"customer_id" gorm:"not null;index"`
	Status        string         `json:"status" gorm:"size:20;default:'active';index"`
	CurrentStep   int            `json:"current_step" gorm:"default:0"`
	StartedDate   time.Time      `json:"started_date"`
	CompletedDate *time.Time     `json:"completed_date"`
	NextStepDate  *time.Time     `json:"next_step_date" gorm:"index"`
	Success       *bool          `json:"success"`
	Results       datatypes.JSON `json:"results" gorm:"type:json"`

	Playbook       *Playbook       `json:"playbook,omitempty" gorm:"foreignKey:PlaybookID"`
	Customer       *Customer       `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
	StepExecutions []StepExecution `json:"step_executions,omitempty" gorm:"foreignKey:ExecutionID;constraint:OnDelete:CASCADE"`
}

// TableName 表名
func (e *PlaybookExecution) TableName() string {
	return "playbook_executions"
}

// 执行状态
const (
	ExecutionActive    = "active"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionPaused    = "paused"
)

// StepExecution 单个步骤的执行记录
type StepExecution struct {
	ID            uint           `json:"id" gorm:"primarykey"`
	ExecutionID   uint           `json:"execution_id" gorm:"not null;index"`
	StepID        uint           `json:"step_id" gorm:"not null;index"`
	Status        string         `json:"status" gorm:"size:20;default:'pending'"` // pending/running/completed/failed/skipped
	StartedDate   *time.Time     `json:"started_date"`
	CompletedDate *time.Time     `json:"completed_date"`
	Success       *bool          `json:"success"`
	Output        datatypes.JSON `json:"output" gorm:"type:json"`
	ErrorMessage  string         `json:"error_message" gorm:"type:text"`
}

// TableName 表名
func (s *StepExecution) TableName() string {
	return "step_executions"
}

// 步骤执行状态
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)
