package models

import (
	"math"
	"time"
)

// Organization 组织（租户）模型
type Organization struct {
	BaseModel
	Name string `json:"name" gorm:"not null;size:200"`
	Slug string `json:"slug" gorm:"uniqueIndex;size:220"`

	// 套餐
	PlanTier      string  `json:"plan_tier" gorm:"size:50;default:'starter'"`
	CustomerLimit int     `json:"customer_limit" gorm:"default:100"`
	UserLimit     int     `json:"user_limit" gorm:"default:3"` // -1 表示不限
	MonthlyPrice  float64 `json:"monthly_price" gorm:"default:1950"`

	// 状态
	IsActive           bool       `json:"is_active"`
	IsTrial            bool       `json:"is_trial"`
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
	SubscriptionStatus string     `json:"subscription_status" gorm:"size:50;default:'trial';index"`

	// 计费信息，只保存 Stripe 标识
	BillingEmail         string     `json:"billing_email" gorm:"size:120"`
	StripeCustomerID     *string    `json:"-" gorm:"size:100;uniqueIndex"`
	StripeSubscriptionID *string    `json:"-" gorm:"size:100;uniqueIndex"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CancelledAt          *time.Time `json:"cancelled_at"`

	// 用量
	CustomerCount int `json:"customer_count" gorm:"default:0"`
	UserCount     int `json:"user_count" gorm:"default:0"`
}

// TableName 表名
func (o *Organization) TableName() string {
	return "organizations"
}

// 订阅状态常量
const (
	SubscriptionTrial        = "trial"
	SubscriptionActive       = "active"
	SubscriptionPastDue      = "past_due"
	SubscriptionCancelled    = "cancelled"
	SubscriptionTrialExpired = "trial_expired"
)

// 套餐常量
const (
	PlanStarter    = "starter"
	PlanGrowth     = "growth"
	PlanEnterprise = "enterprise"

	UnlimitedUsers = -1
	TrialDays      = 14
	BillingDays    = 30
)

// PlanDetails 套餐配置
type PlanDetails struct {
	Tier          string   `json:"tier"`
	Name          string   `json:"name"`
	Price         float64  `json:"price"`
	CustomerLimit int      `json:"customer_limit"`
	UserLimit     int      `json:"user_limit"`
	Features      []string `json:"features"`
	Rank          int      `json:"-"`
}

// planTable 固定的套餐表，按等级排序
var planTable = []PlanDetails{
	{
		Tier: PlanStarter, Name: "Starter", Price: 1950, CustomerLimit: 100, UserLimit: 3, Rank: 0,
		Features: []string{"Up to 100 customers", "3 team members", "AI health scoring", "Basic playbooks", "Email support"},
	},
	{
		Tier: PlanGrowth, Name: "Growth", Price: 3950, CustomerLimit: 300, UserLimit: 10, Rank: 1,
		Features: []string{"Up to 300 customers", "10 team members", "Advanced AI insights", "Custom playbooks", "All integrations", "Priority support"},
	},
	{
		Tier: PlanEnterprise, Name: "Enterprise", Price: 5950, CustomerLimit: 1000, UserLimit: UnlimitedUsers, Rank: 2,
		Features: []string{"Up to 1,000 customers", "Unlimited team members", "Predictive analytics", "Advanced automation", "API access", "Dedicated support", "Custom integrations"},
	},
}

// GetPlanDetails 获取套餐配置，未知套餐回退到 starter
func GetPlanDetails(tier string) PlanDetails {
	for _, p := range planTable {
		if p.Tier == tier {
			return p
		}
	}
	return planTable[0]
}

// IsValidPlanTier 检查套餐是否存在
func IsValidPlanTier(tier string) bool {
	for _, p := range planTable {
		if p.Tier == tier {
			return true
		}
	}
	return false
}

// AllPlans 返回所有套餐（副本）
func AllPlans() []PlanDetails {
	plans := make([]PlanDetails, len(planTable))
	copy(plans, planTable)
	return plans
}

// ApplyPlan 按套餐表设置价格和限额
func (o *Organization) ApplyPlan(tier string) {
	plan := GetPlanDetails(tier)
	o.PlanTier = plan.Tier
	o.MonthlyPrice = plan.Price
	o.CustomerLimit = plan.CustomerLimit
	o.UserLimit = plan.UserLimit
}

// IsOverCustomerLimit 客户数是否已达上限
func (o *Organization) IsOverCustomerLimit() bool {
	return o.CustomerCount >= o.CustomerLimit
}

// CustomerUsagePercent 客户额度使用百分比，保留两位小数
func (o *Organization) CustomerUsagePercent() float64 {
	if o.CustomerLimit == 0 {
		return 0
	}
	return math.Round(float64(o.CustomerCount)/float64(o.CustomerLimit)*100*100) / 100
}

// IsSubscriptionActive 试用或付费中且组织可用
func (o *Organization) IsSubscriptionActive() bool {
	return (o.SubscriptionStatus == SubscriptionTrial || o.SubscriptionStatus == SubscriptionActive) && o.IsActive
}

// CanAddCustomer 是否还能新增客户
func (o *Organization) CanAddCustomer() bool {
	return o.IsSubscriptionActive() && !o.IsOverCustomerLimit()
}

// CanAddUser 是否还能新增成员
func (o *Organization) CanAddUser() bool {
	if !o.IsSubscriptionActive() {
		return false
	}
	return o.UserLimit == UnlimitedUsers || o.UserCount < o.UserLimit
}

// TrialDaysRemaining 试用剩余天数
func (o *Organization) TrialDaysRemaining(now time.Time) int {
	if !o.IsTrial || o.TrialEndsAt == nil {
		return 0
	}
	remaining := int(o.TrialEndsAt.Sub(now).Hours() / 24)
	if remaining < 0 {
		return 0
	}
	return remaining
}
