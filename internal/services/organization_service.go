package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"upliftcs/internal/models"
	apperrors "upliftcs/pkg/errors"
	"upliftcs/pkg/logger"

	"gorm.io/gorm"
)

// OrganizationService 组织、套餐与订阅
type OrganizationService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOrganizationService(db *gorm.DB) *OrganizationService {
	return &OrganizationService{
		db:  db,
		now: time.Now,
	}
}

// DefaultTrialExtensionDays 未指定天数时的试用延长
const DefaultTrialExtensionDays = 7

// MaxTrialExtensionDays 单次最多延长的天数
const MaxTrialExtensionDays = 90

// UsageStats 用量统计
type UsageStats struct {
	Customers CustomerUsage `json:"customers"`
	Users     UserUsage     `json:"users"`
}

type CustomerUsage struct {
	Current   int     `json:"current"`
	Limit     int     `json:"limit"`
	Percent   float64 `json:"percent"`
	Remaining int     `json:"remaining"`
}

type UserUsage struct {
	Current int `json:"current"`
	Limit   int `json:"limit"` // -1 表示不限
}

type TrialStats struct {
	IsTrial       bool       `json:"is_trial"`
	DaysRemaining *int       `json:"days_remaining"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

type SubscriptionStats struct {
	Status           string     `json:"status"`
	IsActive         bool       `json:"is_active"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	CancelledAt      *time.Time `json:"cancelled_at"`
}

// OrganizationStats 组织综合统计
type OrganizationStats struct {
	Organization *models.Organization `json:"organization"`
	PlanDetails  models.PlanDetails   `json:"plan_details"`
	Usage        UsageStats           `json:"usage"`
	Trial        TrialStats           `json:"trial"`
	Subscription SubscriptionStats    `json:"subscription"`
}

// UsageReport 用量与提醒
type UsageReport struct {
	Usage       UsageStats         `json:"usage"`
	PlanDetails models.PlanDetails `json:"plan_details"`
	Warnings    []string           `json:"warnings"`
}

// PlanChangeResult 升降级结果
type PlanChangeResult struct {
	Organization *models.Organization `json:"organization"`
	PlanDetails  models.PlanDetails   `json:"plan_details"`
	PreviousTier string               `json:"previous_tier"`
	Savings      float64              `json:"savings,omitempty"`
}

// UpdateOrganizationInput 可修改的组织字段
type UpdateOrganizationInput struct {
	Name         *string
	BillingEmail *string
}

// Get 根据ID获取组织
func (s *OrganizationService) Get(orgID uint) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.First(&org, orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, err
	}
	return &org, nil
}

// Update 修改名称和账单邮箱
func (s *OrganizationService) Update(orgID uint, in UpdateOrganizationInput) (*models.Organization, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperrors.New(apperrors.CodeInvalidParam, "name cannot be empty")
		}
		updates["name"] = name
	}
	if in.BillingEmail != nil {
		updates["billing_email"] = normalizeEmail(*in.BillingEmail)
	}
	if len(updates) == 0 {
		return org, nil
	}
	if err := s.db.Model(org).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新组织失败: %w", err)
	}
	return s.Get(orgID)
}

// RefreshUsageCounts 重新统计活跃用户数和客户数
func (s *OrganizationService) RefreshUsageCounts(orgID uint) (*models.Organization, error) {
	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, err
	}
	return s.Get(orgID)
}

// refreshUsageCounts 供其他服务复用
func refreshUsageCounts(db *gorm.DB, orgID uint) error {
	var userCount, customerCount int64
	if err := db.Model(&models.User{}).Where("organization_id = ? AND is_active = ?", orgID, true).Count(&userCount).Error; err != nil {
		return err
	}
	if err := db.Model(&models.Customer{}).Where("organization_id = ?", orgID).Count(&customerCount).Error; err != nil {
		return err
	}
	return db.Model(&models.Organization{}).Where("id = ?", orgID).Updates(map[string]interface{}{
		"user_count":     userCount,
		"customer_count": customerCount,
	}).Error
}

// Stats 组织综合统计
func (s *OrganizationService) Stats(orgID uint) (*OrganizationStats, error) {
	org, err := s.RefreshUsageCounts(orgID)
	if err != nil {
		return nil, err
	}
	plan := models.GetPlanDetails(org.PlanTier)

	stats := &OrganizationStats{
		Organization: org,
		PlanDetails:  plan,
		Usage:        usageOf(org),
		Trial: TrialStats{
			IsTrial:   org.IsTrial,
			ExpiresAt: org.TrialEndsAt,
		},
		Subscription: SubscriptionStats{
			Status:           org.SubscriptionStatus,
			IsActive:         org.IsSubscriptionActive(),
			CurrentPeriodEnd: org.CurrentPeriodEnd,
			CancelledAt:      org.CancelledAt,
		},
	}
	if org.IsTrial && org.TrialEndsAt != nil {
		days := org.TrialDaysRemaining(s.now())
		stats.Trial.DaysRemaining = &days
	}
	return stats, nil
}

func usageOf(org *models.Organization) UsageStats {
	remaining := org.CustomerLimit - org.CustomerCount
	if remaining < 0 {
		remaining = 0
	}
	return UsageStats{
		Customers: CustomerUsage{
			Current:   org.CustomerCount,
			Limit:     org.CustomerLimit,
			Percent:   org.CustomerUsagePercent(),
			Remaining: remaining,
		},
		Users: UserUsage{
			Current: org.UserCount,
			Limit:   org.UserLimit,
		},
	}
}

// Usage 用量报告，接近上限时给出提醒
func (s *OrganizationService) Usage(orgID uint) (*UsageReport, error) {
	org, err := s.RefreshUsageCounts(orgID)
	if err != nil {
		return nil, err
	}
	report := &UsageReport{
		Usage:       usageOf(org),
		PlanDetails: models.GetPlanDetails(org.PlanTier),
		Warnings:    []string{},
	}
	if pct := org.CustomerUsagePercent(); pct >= 100 {
		report.Warnings = append(report.Warnings, "Customer limit reached")
	} else if pct >= 80 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Customer usage at %.0f%% of plan limit", pct))
	}
	if org.UserLimit != models.UnlimitedUsers && org.UserCount >= org.UserLimit {
		report.Warnings = append(report.Warnings, "User limit reached")
	}
	if days := org.TrialDaysRemaining(s.now()); org.IsTrial && days <= 3 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("Trial ends in %d days", days))
	}
	return report, nil
}

// Plans 所有套餐
func (s *OrganizationService) Plans() []models.PlanDetails {
	return models.AllPlans()
}

// ChangePlan 切换套餐，客户数超过新套餐上限时拒绝
func (s *OrganizationService) ChangePlan(orgID uint, tier string) (*PlanChangeResult, error) {
	if !models.IsValidPlanTier(tier) {
		return nil, ErrInvalidPlan
	}
	org, err := s.RefreshUsageCounts(orgID)
	if err != nil {
		return nil, err
	}
	plan := models.GetPlanDetails(tier)
	if org.CustomerCount > plan.CustomerLimit {
		return nil, apperrors.Wrap(ErrCustomersOverLimit,
			fmt.Errorf("%d customers, %s allows %d", org.CustomerCount, tier, plan.CustomerLimit))
	}
	return s.applyPlan(org, plan)
}

// Upgrade 只能升到更高等级
func (s *OrganizationService) Upgrade(orgID uint, tier string) (*PlanChangeResult, error) {
	if !models.IsValidPlanTier(tier) {
		return nil, ErrInvalidPlan
	}
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}
	if models.GetPlanDetails(tier).Rank <= models.GetPlanDetails(org.PlanTier).Rank {
		return nil, ErrNotAnUpgrade
	}
	return s.ChangePlan(orgID, tier)
}

// Downgrade 只能降到更低等级，客户数和用户数都必须在新套餐范围内
func (s *OrganizationService) Downgrade(orgID uint, tier string) (*PlanChangeResult, error) {
	if !models.IsValidPlanTier(tier) {
		return nil, ErrInvalidPlan
	}
	org, err := s.RefreshUsageCounts(orgID)
	if err != nil {
		return nil, err
	}
	current := models.GetPlanDetails(org.PlanTier)
	target := models.GetPlanDetails(tier)
	if target.Rank >= current.Rank {
		return nil, ErrNotADowngrade
	}
	if org.CustomerCount > target.CustomerLimit {
		return nil, apperrors.Wrap(ErrCustomersOverLimit,
			fmt.Errorf("%d customers, %s allows %d", org.CustomerCount, tier, target.CustomerLimit))
	}
	if target.UserLimit != models.UnlimitedUsers && org.UserCount > target.UserLimit {
		return nil, apperrors.Wrap(ErrUsersOverLimit,
			fmt.Errorf("%d users, %s allows %d", org.UserCount, tier, target.UserLimit))
	}

	previousPrice := org.MonthlyPrice
	result, err := s.applyPlan(org, target)
	if err != nil {
		return nil, err
	}
	result.Savings = previousPrice - target.Price
	return result, nil
}

func (s *OrganizationService) applyPlan(org *models.Organization, plan models.PlanDetails) (*PlanChangeResult, error) {
	previous := org.PlanTier
	org.ApplyPlan(plan.Tier)
	err := s.db.Model(org).Updates(map[string]interface{}{
		"plan_tier":      org.PlanTier,
		"monthly_price":  org.MonthlyPrice,
		"customer_limit": org.CustomerLimit,
		"user_limit":     org.UserLimit,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("更新套餐失败: %w", err)
	}
	logger.ForOrg(org.ID).
		WithField("from", previous).WithField("to", plan.Tier).Info("Plan changed")
	return &PlanChangeResult{Organization: org, PlanDetails: plan, PreviousTier: previous}, nil
}

// ActivateSubscription 记录 Stripe 标识并开始30天计费周期
func (s *OrganizationService) ActivateSubscription(orgID uint, stripeCustomerID, stripeSubscriptionID string) (*models.Organization, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	periodEnd := now.AddDate(0, 0, models.BillingDays)
	updates := map[string]interface{}{
		"is_trial":               false,
		"is_active":              true,
		"subscription_status":    models.SubscriptionActive,
		"stripe_customer_id":     nullableString(stripeCustomerID),
		"stripe_subscription_id": nullableString(stripeSubscriptionID),
		"current_period_start":   now,
		"current_period_end":     periodEnd,
	}
	if err := s.db.Model(org).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("激活订阅失败: %w", err)
	}
	return s.Get(orgID)
}

// Cancel 取消订阅。immediate 时立即停用，否则到期后停用
func (s *OrganizationService) Cancel(orgID uint, immediate bool) (*models.Organization, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}
	if org.SubscriptionStatus == models.SubscriptionCancelled {
		return nil, ErrAlreadyCancelled
	}
	updates := map[string]interface{}{
		"subscription_status": models.SubscriptionCancelled,
		"cancelled_at":        s.now(),
	}
	if immediate {
		updates["is_active"] = false
	}
	if err := s.db.Model(org).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("取消订阅失败: %w", err)
	}
	return s.Get(orgID)
}

// Reactivate 仅对已取消的订阅生效
func (s *OrganizationService) Reactivate(orgID uint) (*models.Organization, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}
	if org.SubscriptionStatus != models.SubscriptionCancelled {
		return nil, ErrNotCancelled
	}
	err = s.db.Model(org).Updates(map[string]interface{}{
		"subscription_status": models.SubscriptionActive,
		"is_active":           true,
		"cancelled_at":        nil,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("恢复订阅失败: %w", err)
	}
	return s.Get(orgID)
}

// ExtendTrial 延长试用期，days<=0 时按默认7天
func (s *OrganizationService) ExtendTrial(orgID uint, days int) (*models.Organization, error) {
	if days <= 0 {
		days = DefaultTrialExtensionDays
	}
	if days > MaxTrialExtensionDays {
		return nil, apperrors.New(apperrors.CodeInvalidParam, fmt.Sprintf("days must be at most %d", MaxTrialExtensionDays))
	}
	org, err := s.Get(orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsTrial {
		return nil, ErrNotOnTrial
	}

	base := s.now()
	if org.TrialEndsAt != nil {
		base = *org.TrialEndsAt
	}
	trialEnds := base.AddDate(0, 0, days)
	updates := map[string]interface{}{"trial_ends_at": trialEnds}
	// 已过期的试用延长后恢复可用
	if org.SubscriptionStatus == models.SubscriptionTrialExpired && trialEnds.After(s.now()) {
		updates["subscription_status"] = models.SubscriptionTrial
		updates["is_active"] = true
	}
	if err := s.db.Model(org).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("延长试用失败: %w", err)
	}
	return s.Get(orgID)
}

// CheckTrialExpiration 单个组织的试用到期检查，返回是否发生过期
func (s *OrganizationService) CheckTrialExpiration(orgID uint) (bool, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return false, err
	}
	if !org.IsTrial || org.TrialEndsAt == nil || org.SubscriptionStatus != models.SubscriptionTrial {
		return false, nil
	}
	if !s.now().After(*org.TrialEndsAt) {
		return false, nil
	}
	err = s.db.Model(org).Updates(map[string]interface{}{
		"subscription_status": models.SubscriptionTrialExpired,
		"is_active":           false,
	}).Error
	return err == nil, err
}

// ExpireTrials 批量处理试用到期，返回处理的组织数
func (s *OrganizationService) ExpireTrials() (int, error) {
	var ids []uint
	err := s.db.Model(&models.Organization{}).
		Where("is_trial = ? AND subscription_status = ? AND trial_ends_at < ?", true, models.SubscriptionTrial, s.now()).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.CheckTrialExpiration(id)
		if err != nil {
			logger.ForOrg(id).WithError(err).Error("Trial expiration failed")
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// CanAddCustomer 是否允许新增客户及原因
func (s *OrganizationService) CanAddCustomer(orgID uint) (bool, string, error) {
	org, err := s.Get(orgID)
	if err != nil {
		return false, "", err
	}
	if !org.IsSubscriptionActive() {
		return false, "Subscription is not active", nil
	}
	if org.IsOverCustomerLimit() {
		return false, fmt.Sprintf("Customer limit reached (%d)", org.CustomerLimit), nil
	}
	return true, "Can add customer", nil
}

// CanAddUser 是否允许新增成员及原因
func (s *OrganizationService) CanAddUser(orgID uint) (bool, string, error) {
	org, err := s.RefreshUsageCounts(orgID)
	if err != nil {
		return false, "", err
	}
	if !org.IsSubscriptionActive() {
		return false, "Subscription is not active", nil
	}
	if !org.CanAddUser() {
		return false, fmt.Sprintf("User limit reached (%d)", org.UserLimit), nil
	}
	return true, "Can add user", nil
}

func nullableString(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
