package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Customer 客户模型，健康分由 HealthScoringEngine 计算
type Customer struct {
	BaseModel
	OrganizationID uint `json:"organization_id" gorm:"not null;index;uniqueIndex:idx_customer_org_external"`

	ExternalID  string     `json:"external_id" gorm:"not null;size:100;uniqueIndex:idx_customer_org_external"`
	Name        string     `json:"name" gorm:"not null;size:200"`
	Email       string     `json:"email" gorm:"not null;size:200"`
	Company     string     `json:"company" gorm:"size:200"`
	PlanType    string     `json:"plan_type" gorm:"size:50"`
	MRR         float64    `json:"mrr" gorm:"column:mrr;default:0"`
	CreatedDate time.Time  `json:"created_date"`
	LastLogin   *time.Time `json:"last_login"`

	// 健康分
	HealthScore     float64 `json:"health_score" gorm:"not null;index"`
	UsageScore      float64 `json:"usage_score" gorm:"not null"`
	EngagementScore float64 `json:"engagement_score" gorm:"not null"`
	SupportScore    float64 `json:"support_score" gorm:"not null"`
	FinancialScore  float64 `json:"financial_score" gorm:"not null"`

	// 客户成功指标
	OnboardingCompleted bool       `json:"onboarding_completed" gorm:"default:false"`
	TimeToValueDays     *int       `json:"time_to_value_days"`
	FeatureAdoptionRate float64    `json:"feature_adoption_rate" gorm:"default:0"`
	SupportTicketsCount int        `json:"support_tickets_count" gorm:"default:0"`
	LastSupportTicket   *time.Time `json:"last_support_ticket"`

	// 关系维护
	LastContactDate      *time.Time `json:"last_contact_date"`
	NextRenewalDate      *time.Time `json:"next_renewal_date"`
	ChurnRiskLevel       string     `json:"churn_risk_level" gorm:"size:20;default:'low';index"`
	ExpansionOpportunity string     `json:"expansion_opportunity" gorm:"size:20;default:'none'"`

	AIInsights     datatypes.JSON `json:"ai_insights" gorm:"type:json"`
	LastAIAnalysis *time.Time     `json:"last_ai_analysis"`

	Activities []CustomerActivity `json:"activities,omitempty" gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE"`
}

// TableName 表名
func (c *Customer) TableName() string {
	return "customers"
}

// BeforeCreate 未指定签约日期时取当前时间
func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedDate.IsZero() {
		c.CreatedDate = time.Now()
	}
	return nil
}

// AgeDays 客户签约天数
func (c *Customer) AgeDays(now time.Time) int {
	return int(now.Sub(c.CreatedDate).Hours() / 24)
}

// 流失风险等级
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// 扩展机会等级
const (
	ExpansionNone   = "none"
	ExpansionLow    = "low"
	ExpansionMedium = "medium"
	ExpansionHigh   = "high"
)

// CustomerActivity 客户活动记录
type CustomerActivity struct {
	ID           uint           `json:"id" gorm:"primarykey"`
	CustomerID   uint           `json:"customer_id" gorm:"not null;index"`
	ActivityType string         `json:"activity_type" gorm:"not null;size:50;index"`
	ActivityData datatypes.JSON `json:"activity_data" gorm:"type:json"`
	Timestamp    time.Time      `json:"timestamp" gorm:"index"`
}

// TableName 表名
func (a *CustomerActivity) TableName() string {
	return "customer_activities"
}

// 活动类型
const (
	ActivityLogin         = "login"
	ActivityFeatureUse    = "feature_use"
	ActivitySupportTicket = "support_ticket"
)

// CSMAction 客户成功经理待办/动作
type CSMAction struct {
	BaseModel
	OrgScoped
	CustomerID       uint       `json:"customer_id" gorm:"not null;index"`
	ActionType       string     `json:"action_type" gorm:"not null;size:50"`
	ActionStatus     string     `json:"action_status" gorm:"size:20;default:'pending';index"`
	Priority         string     `json:"priority" gorm:"size:20;default:'medium'"`
	Title            string     `json:"title" gorm:"not null;size:200"`
	Description      string     `json:"description" gorm:"type:text"`
	AIGenerated      bool       `json:"ai_generated" gorm:"not null"`
	ScheduledDate    *time.Time `json:"scheduled_date"`
	CompletedDate    *time.Time `json:"completed_date"`
	Outcome          string     `json:"outcome" gorm:"type:text"`
	CustomerResponse string     `json:"customer_response" gorm:"type:text"`
}

// TableName 表名
func (a *CSMAction) TableName() string {
	return "csm_actions"
}

// 动作状态
const (
	ActionPending   = "pending"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// 优先级
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// PriorityRankSQL 按紧急程度排序的表达式，未知值排在最后
const PriorityRankSQL = "CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END"
