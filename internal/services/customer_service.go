package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecentActivityLimit 客户详情中返回的最近活动数量
const RecentActivityLimit = 50

// HealthRecorder 健康分重算的观测接口，由 metrics 实现
type HealthRecorder interface {
	RecordHealthRecompute(risk string)
}

type CustomerService struct {
	db       *gorm.DB
	engine   *HealthScoringEngine
	recorder HealthRecorder
	now      func() time.Time
}

func NewCustomerService(db *gorm.DB, engine *HealthScoringEngine) *CustomerService {
	if engine == nil {
		engine = NewHealthScoringEngine()
	}
	return &CustomerService{db: db, engine: engine, now: engine.now}
}

// WithRecorder 设置健康分观测
func (s *CustomerService) WithRecorder(r HealthRecorder) *CustomerService {
	s.recorder = r
	return s
}

// CreateCustomerInput 创建客户参数
type CreateCustomerInput struct {
	ExternalID          string
	Name                string
	Email               string
	Company             string
	PlanType            string
	MRR                 float64
	NextRenewalDate     *time.Time
	OnboardingCompleted bool
	FeatureAdoptionRate float64
	TimeToValueDays     *int
}

// UpdateCustomerInput 可修改的客户字段，nil 表示不修改
type UpdateCustomerInput struct {
	Name                *string
	Email               *string
	Company             *string
	PlanType            *string
	MRR                 *float64
	NextRenewalDate     *time.Time
	LastContactDate     *time.Time
	OnboardingCompleted *bool
	FeatureAdoptionRate *float64
	TimeToValueDays     *int
}

// CustomerDetail 客户详情
type CustomerDetail struct {
	*models.Customer
	RecentActivities []models.CustomerActivity `json:"recent_activities"`
	PendingActions   []models.CSMAction        `json:"pending_actions"`
}

// HealthReport 健康分结果
type HealthReport struct {
	*models.Customer
	HealthBreakdown map[string]ComponentScore `json:"health_breakdown"`
}

// CreateActionInput 创建CSM动作参数
type CreateActionInput struct {
	ActionType    string
	Title         string
	Description   string
	Priority      string
	ScheduledDate *time.Time
	AIGenerated   bool
}

// UpdateActionInput 更新CSM动作参数
type UpdateActionInput struct {
	ActionStatus     *string
	Outcome          *string
	CustomerResponse *string
	Priority         *string
}

// DashboardSummary 客户总览
type DashboardSummary struct {
	TotalCustomers         int64            `json:"total_customers"`
	AverageHealthScore     float64          `json:"average_health_score"`
	TotalMRR               float64          `json:"total_mrr"`
	PendingActions         int64            `json:"pending_actions"`
	UrgentCustomers        int64            `json:"urgent_customers"`
	RiskDistribution       map[string]int64 `json:"risk_distribution"`
	ExpansionOpportunities map[string]int64 `json:"expansion_opportunities"`
}

// ========== 客户 ==========

// List 组织内客户（分页），可按风险等级过滤
func (s *CustomerService) List(orgID uint, riskLevel string, page, pageSize int) ([]models.Customer, int64, error) {
	var customers []models.Customer
	var total int64

	query := s.db.Model(&models.Customer{}).Where("organization_id = ?", orgID)
	if riskLevel != "" {
		query = query.Where("churn_risk_level = ?", riskLevel)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := query.Order("id ASC").Offset(offset).Limit(pageSize).Find(&customers).Error; err != nil {
		return nil, 0, err
	}
	return customers, total, nil
}

// Get 组织内按ID获取客户
func (s *CustomerService) Get(orgID, id uint) (*models.Customer, error) {
	return findCustomer(s.db, orgID, id)
}

func findCustomer(db *gorm.DB, orgID, id uint) (*models.Customer, error) {
	var customer models.Customer
	err := db.Where("id = ? AND organization_id = ?", id, orgID).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// Detail 客户详情，包含最近活动和待处理动作
func (s *CustomerService) Detail(orgID, id uint) (*CustomerDetail, error) {
	customer, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}

	detail := &CustomerDetail{Customer: customer}
	if err := s.db.Where("customer_id = ?", id).
		Order("timestamp DESC").Limit(RecentActivityLimit).
		Find(&detail.RecentActivities).Error; err != nil {
		return nil, err
	}
	if err := s.db.Where("customer_id = ? AND action_status = ?", id, models.ActionPending).
		Order(models.PriorityRankSQL + " DESC").Order("created_at DESC").Order("id DESC").
		Find(&detail.PendingActions).Error; err != nil {
		return nil, err
	}
	return detail, nil
}

// Create 创建客户并计算初始健康分
func (s *CustomerService) Create(orgID uint, in CreateCustomerInput) (*models.Customer, error) {
	externalID := strings.TrimSpace(in.ExternalID)

	var count int64
	if err := s.db.Model(&models.Customer{}).
		Where("organization_id = ? AND external_id = ?", orgID, externalID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("检查外部ID失败: %w", err)
	}
	if count > 0 {
		return nil, ErrExternalIDExists
	}

	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, err
	}
	var org models.Organization
	if err := s.db.First(&org, orgID).Error; err != nil {
		return nil, ErrOrganizationNotFound
	}
	if !org.CanAddCustomer() {
		return nil, ErrCustomerLimitReached
	}

	customer := &models.Customer{
		OrganizationID:      orgID,
		ExternalID:          externalID,
		Name:                strings.TrimSpace(in.Name),
		Email:               normalizeEmail(in.Email),
		Company:             in.Company,
		PlanType:            in.PlanType,
		MRR:                 in.MRR,
		CreatedDate:         s.now(),
		NextRenewalDate:     in.NextRenewalDate,
		OnboardingCompleted: in.OnboardingCompleted,
		FeatureAdoptionRate: in.FeatureAdoptionRate,
		TimeToValueDays:     in.TimeToValueDays,
	}
	scores := s.engine.Calculate(customer, nil)
	applyScores(customer, scores)
	customer.ExpansionOpportunity = s.engine.ExpansionOpportunity(customer, scores)

	if err := s.db.Create(customer).Error; err != nil {
		return nil, fmt.Errorf("创建客户失败: %w", err)
	}
	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, err
	}

	logger.ForOrg(orgID).WithFields(logrus.Fields{
		"customer_id":  customer.ID,
		"health_score": customer.HealthScore,
	}).Info("客户已创建")
	return customer, nil
}

// Update 修改客户资料，不会自动重算健康分
func (s *CustomerService) Update(orgID, id uint, in UpdateCustomerInput) (*models.Customer, error) {
	customer, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Email != nil {
		updates["email"] = normalizeEmail(*in.Email)
	}
	if in.Company != nil {
		updates["company"] = *in.Company
	}
	if in.PlanType != nil {
		updates["plan_type"] = *in.PlanType
	}
	if in.MRR != nil {
		updates["mrr"] = *in.MRR
	}
	if in.NextRenewalDate != nil {
		updates["next_renewal_date"] = *in.NextRenewalDate
	}
	if in.LastContactDate != nil {
		updates["last_contact_date"] = *in.LastContactDate
	}
	if in.OnboardingCompleted != nil {
		updates["onboarding_completed"] = *in.OnboardingCompleted
	}
	if in.FeatureAdoptionRate != nil {
		updates["feature_adoption_rate"] = *in.FeatureAdoptionRate
	}
	if in.TimeToValueDays != nil {
		updates["time_to_value_days"] = *in.TimeToValueDays
	}
	if len(updates) == 0 {
		return customer, nil
	}
	if err := s.db.Model(customer).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新客户失败: %w", err)
	}
	return s.Get(orgID, id)
}

// ========== 活动 ==========

// AddActivity 记录客户活动，登录和工单会同步更新客户字段
func (s *CustomerService) AddActivity(orgID, customerID uint, activityType string, data map[string]interface{}) (*models.CustomerActivity, error) {
	customer, err := s.Get(orgID, customerID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化活动数据失败: %w", err)
	}

	now := s.now()
	activity := &models.CustomerActivity{
		CustomerID:   customer.ID,
		ActivityType: activityType,
		ActivityData: datatypes.JSON(raw),
		Timestamp:    now,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(activity).Error; err != nil {
			return err
		}
		switch activityType {
		case models.ActivityLogin:
			return tx.Model(customer).Update("last_login", now).Error
		case models.ActivitySupportTicket:
			return tx.Model(customer).Updates(map[string]interface{}{
				"last_support_ticket":   now,
				"support_tickets_count": gorm.Expr("support_tickets_count + ?", 1),
			}).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("记录活动失败: %w", err)
	}
	return activity, nil
}

// ========== 健康分 ==========

// Health 当前保存的健康分及分项贡献
func (s *CustomerService) Health(orgID, id uint) (*HealthReport, error) {
	customer, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}
	return &HealthReport{
		Customer: customer,
		HealthBreakdown: map[string]ComponentScore{
			"usage":      component(customer.UsageScore, WeightUsage),
			"engagement": component(customer.EngagementScore, WeightEngagement),
			"support":    component(customer.SupportScore, WeightSupport),
			"financial":  component(customer.FinancialScore, WeightFinancial),
		},
	}, nil
}

// RecomputeHealth 重新计算健康分、扩展机会和洞察
func (s *CustomerService) RecomputeHealth(orgID, id uint) (*HealthReport, error) {
	customer, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}

	var activities []models.CustomerActivity
	if err := s.db.Where("customer_id = ?", id).Find(&activities).Error; err != nil {
		return nil, err
	}

	scores := s.engine.Calculate(customer, activities)
	applyScores(customer, scores)
	customer.ExpansionOpportunity = s.engine.ExpansionOpportunity(customer, scores)

	insights := s.engine.Insights(customer, scores, activities)
	if raw, err := json.Marshal(insights); err == nil {
		now := s.now()
		customer.AIInsights = datatypes.JSON(raw)
		customer.LastAIAnalysis = &now
	} else {
		logger.GetLogger().WithError(err).WithField("customer_id", id).Warn("洞察序列化失败")
	}

	if err := s.db.Save(customer).Error; err != nil {
		return nil, fmt.Errorf("保存健康分失败: %w", err)
	}
	if s.recorder != nil {
		s.recorder.RecordHealthRecompute(customer.ChurnRiskLevel)
	}

	return &HealthReport{Customer: customer, HealthBreakdown: scores.Breakdown}, nil
}

func applyScores(c *models.Customer, scores *HealthScores) {
	c.HealthScore = scores.OverallScore
	c.UsageScore = scores.UsageScore
	c.EngagementScore = scores.EngagementScore
	c.SupportScore = scores.SupportScore
	c.FinancialScore = scores.FinancialScore
	c.ChurnRiskLevel = scores.RiskLevel
}

// ========== CSM动作 ==========

// ListActions 客户的CSM动作，可按状态过滤
func (s *CustomerService) ListActions(orgID, customerID uint, status string) ([]models.CSMAction, error) {
	if _, err := s.Get(orgID, customerID); err != nil {
		return nil, err
	}
	actions := []models.CSMAction{}
	query := s.db.Where("organization_id = ? AND customer_id = ?", orgID, customerID)
	if status != "" {
		query = query.Where("action_status = ?", status)
	}
	if err := query.Order("created_at DESC").Order("id DESC").Find(&actions).Error; err != nil {
		return nil, err
	}
	return actions, nil
}

// CreateAction 手工创建CSM动作
func (s *CustomerService) CreateAction(orgID, customerID uint, in CreateActionInput) (*models.CSMAction, error) {
	if _, err := s.Get(orgID, customerID); err != nil {
		return nil, err
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	action := &models.CSMAction{
		OrgScoped:     models.OrgScoped{OrganizationID: orgID},
		CustomerID:    customerID,
		ActionType:    in.ActionType,
		ActionStatus:  models.ActionPending,
		Priority:      priority,
		Title:         in.Title,
		Description:   in.Description,
		AIGenerated:   in.AIGenerated,
		ScheduledDate: in.ScheduledDate,
	}
	if err := s.db.Create(action).Error; err != nil {
		return nil, fmt.Errorf("创建动作失败: %w", err)
	}
	return action, nil
}

// UpdateAction 更新动作，标记完成时写入完成时间
func (s *CustomerService) UpdateAction(orgID, actionID uint, in UpdateActionInput) (*models.CSMAction, error) {
	var action models.CSMAction
	err := s.db.Where("id = ? AND organization_id = ?", actionID, orgID).First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.ActionStatus != nil {
		switch *in.ActionStatus {
		case models.ActionPending, models.ActionCompleted, models.ActionFailed:
		default:
			return nil, ErrInvalidActionState
		}
		updates["action_status"] = *in.ActionStatus
		if *in.ActionStatus == models.ActionCompleted {
			updates["completed_date"] = s.now()
		}
	}
	if in.Outcome != nil {
		updates["outcome"] = *in.Outcome
	}
	if in.CustomerResponse != nil {
		updates["customer_response"] = *in.CustomerResponse
	}
	if in.Priority != nil {
		updates["priority"] = *in.Priority
	}
	if len(updates) > 0 {
		if err := s.db.Model(&action).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("更新动作失败: %w", err)
		}
	}
	if err := s.db.First(&action, action.ID).Error; err != nil {
		return nil, err
	}
	return &action, nil
}

// ========== 总览 ==========

type groupCount struct {
	Name  string
	Count int64
}

// DashboardSummary 组织内客户统计
func (s *CustomerService) DashboardSummary(orgID uint) (*DashboardSummary, error) {
	summary := &DashboardSummary{
		RiskDistribution: map[string]int64{
			models.RiskLow: 0, models.RiskMedium: 0, models.RiskHigh: 0, models.RiskCritical: 0,
		},
		ExpansionOpportunities: map[string]int64{
			models.ExpansionNone: 0, models.ExpansionLow: 0, models.ExpansionMedium: 0, models.ExpansionHigh: 0,
		},
	}
	scoped := func() *gorm.DB {
		return s.db.Model(&models.Customer{}).Where("organization_id = ?", orgID)
	}

	if err := scoped().Count(&summary.TotalCustomers).Error; err != nil {
		return nil, err
	}

	var risks []groupCount
	if err := scoped().Select("churn_risk_level AS name, COUNT(*) AS count").
		Group("churn_risk_level").Scan(&risks).Error; err != nil {
		return nil, err
	}
	for _, r := range risks {
		summary.RiskDistribution[r.Name] = r.Count
	}

	var expansions []groupCount
	if err := scoped().Select("expansion_opportunity AS name, COUNT(*) AS count").
		Group("expansion_opportunity").Scan(&expansions).Error; err != nil {
		return nil, err
	}
	for _, e := range expansions {
		summary.ExpansionOpportunities[e.Name] = e.Count
	}

	var agg struct {
		AvgHealth float64
		TotalMRR  float64
	}
	if err := scoped().Select("COALESCE(AVG(health_score), 0) AS avg_health, COALESCE(SUM(mrr), 0) AS total_mrr").
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	summary.AverageHealthScore = round1(agg.AvgHealth)
	summary.TotalMRR = round2(agg.TotalMRR)

	summary.UrgentCustomers = summary.RiskDistribution[models.RiskHigh] + summary.RiskDistribution[models.RiskCritical]

	if err := s.db.Model(&models.CSMAction{}).
		Where("organization_id = ? AND action_status = ?", orgID, models.ActionPending).
		Count(&summary.PendingActions).Error; err != nil {
		return nil, err
	}
	return summary, nil
}
