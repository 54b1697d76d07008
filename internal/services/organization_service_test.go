package services

import (
	"fmt"
	"testing"
	"time"

	"upliftcs/internal/models"
	apperrors "upliftcs/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestOrganizationService(db *gorm.DB) *OrganizationService {
	svc := NewOrganizationService(db)
	svc.now = fixedClock
	return svc
}

func TestChangePlanRecalculatesLimits(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "plan@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)

	result, err := svc.ChangePlan(org.Organization.ID, models.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStarter, result.PreviousTier)

	stored, err := svc.Get(org.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanEnterprise, stored.PlanTier)
	assert.Equal(t, 5950.0, stored.MonthlyPrice)
	assert.Equal(t, 1000, stored.CustomerLimit)
	assert.Equal(t, models.UnlimitedUsers, stored.UserLimit)

	_, err = svc.ChangePlan(org.Organization.ID, "gold")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func seedCustomers(t *testing.T, db *gorm.DB, orgID uint, n int) {
	t.Helper()
	customers := make([]models.Customer, 0, n)
	for i := 0; i < n; i++ {
		customers = append(customers, models.Customer{
			OrganizationID: orgID,
			ExternalID:     fmt.Sprintf("ext-%d", i),
			Name:           fmt.Sprintf("Customer %d", i),
			Email:          fmt.Sprintf("c%d@example.com", i),
		})
	}
	require.NoError(t, db.CreateInBatches(customers, 50).Error)
}

func TestChangePlanRejectsWhenCustomersExceedLimit(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "big@acme.io", models.PlanGrowth)
	seedCustomers(t, db, org.Organization.ID, 101)
	// 存量计数过期，判断以实际客户数为准
	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", org.Organization.ID).
		Update("customer_count", 0).Error)
	svc := newTestOrganizationService(db)

	_, err := svc.ChangePlan(org.Organization.ID, models.PlanStarter)
	assert.ErrorIs(t, err, ErrCustomersOverLimit)
	assert.Equal(t, apperrors.CodeInvalidParam, apperrors.CodeOf(err))

	stored, err := svc.Get(org.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, 101, stored.CustomerCount)
	assert.Equal(t, models.PlanGrowth, stored.PlanTier)
}

func TestChangePlanIgnoresStaleCustomerCount(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "stale@acme.io", models.PlanGrowth)
	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", org.Organization.ID).
		Update("customer_count", 150).Error)
	svc := newTestOrganizationService(db)

	result, err := svc.ChangePlan(org.Organization.ID, models.PlanStarter)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStarter, result.Organization.PlanTier)
	assert.Equal(t, 0, result.Organization.CustomerCount)
}

func TestUpgradeAndDowngrade(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "tiers@acme.io", models.PlanGrowth)
	svc := newTestOrganizationService(db)
	orgID := org.Organization.ID

	_, err := svc.Upgrade(orgID, models.PlanStarter)
	assert.ErrorIs(t, err, ErrNotAnUpgrade)
	_, err = svc.Downgrade(orgID, models.PlanEnterprise)
	assert.ErrorIs(t, err, ErrNotADowngrade)

	users := NewUserService(db)
	for _, email := range []string{"a@acme.io", "b@acme.io", "c@acme.io"} {
		_, _, err := users.Invite(orgID, InviteInput{Email: email, Name: email})
		require.NoError(t, err)
	}
	_, err = svc.Downgrade(orgID, models.PlanStarter)
	assert.ErrorIs(t, err, ErrUsersOverLimit)

	_, err = svc.Upgrade(orgID, models.PlanEnterprise)
	require.NoError(t, err)

	// 只剩管理员后可以降级
	require.NoError(t, db.Model(&models.User{}).Where("organization_id = ? AND role <> ?", orgID, models.RoleAdmin).
		Update("is_active", false).Error)
	result, err := svc.Downgrade(orgID, models.PlanStarter)
	require.NoError(t, err)
	assert.Equal(t, models.PlanEnterprise, result.PreviousTier)
	assert.Equal(t, 4000.0, result.Savings)
	assert.Equal(t, 100, result.Organization.CustomerLimit)
}

func TestCancelAndReactivate(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "cancel@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)
	orgID := org.Organization.ID

	_, err := svc.Reactivate(orgID)
	assert.ErrorIs(t, err, ErrNotCancelled)

	cancelled, err := svc.Cancel(orgID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, cancelled.SubscriptionStatus)
	assert.True(t, cancelled.IsActive)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = svc.Cancel(orgID, true)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)

	reactivated, err := svc.Reactivate(orgID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, reactivated.SubscriptionStatus)
	assert.Nil(t, reactivated.CancelledAt)

	immediate, err := svc.Cancel(orgID, true)
	require.NoError(t, err)
	assert.False(t, immediate.IsActive)
	assert.False(t, immediate.IsSubscriptionActive())

	ok, reason, err := svc.CanAddCustomer(orgID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Subscription is not active", reason)
}

func TestActivateSubscription(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "stripe@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)

	active, err := svc.ActivateSubscription(org.Organization.ID, "cus_123", "sub_456")
	require.NoError(t, err)
	assert.False(t, active.IsTrial)
	assert.Equal(t, models.SubscriptionActive, active.SubscriptionStatus)
	require.NotNil(t, active.StripeCustomerID)
	assert.Equal(t, "cus_123", *active.StripeCustomerID)
	require.NotNil(t, active.CurrentPeriodEnd)
	assert.True(t, active.CurrentPeriodEnd.Equal(testNow.AddDate(0, 0, models.BillingDays)))

	_, err = svc.ExtendTrial(org.Organization.ID, 7)
	assert.ErrorIs(t, err, ErrNotOnTrial)
}

func TestExtendTrial(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "trial@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)
	orgID := org.Organization.ID

	ends := testNow.AddDate(0, 0, 2)
	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", orgID).Update("trial_ends_at", ends).Error)

	extended, err := svc.ExtendTrial(orgID, 0)
	require.NoError(t, err)
	require.NotNil(t, extended.TrialEndsAt)
	assert.True(t, extended.TrialEndsAt.Equal(ends.AddDate(0, 0, DefaultTrialExtensionDays)))

	_, err = svc.ExtendTrial(orgID, MaxTrialExtensionDays+1)
	assert.Equal(t, apperrors.CodeInvalidParam, apperrors.CodeOf(err))
}

func TestExpireTrials(t *testing.T) {
	db := newTestDB(t)
	expired := registerOrg(t, db, "expired@acme.io", models.PlanStarter)
	current := registerOrg(t, db, "current@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)

	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", expired.Organization.ID).
		Update("trial_ends_at", testNow.Add(-time.Hour)).Error)
	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", current.Organization.ID).
		Update("trial_ends_at", testNow.AddDate(0, 0, 3)).Error)

	count, err := svc.ExpireTrials()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := svc.Get(expired.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionTrialExpired, stored.SubscriptionStatus)
	assert.False(t, stored.IsActive)

	still, err := svc.Get(current.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionTrial, still.SubscriptionStatus)

	// 延长后恢复试用
	revived, err := svc.ExtendTrial(expired.Organization.ID, 14)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionTrial, revived.SubscriptionStatus)
	assert.True(t, revived.IsActive)
}

func TestOrganizationStatsAndUpdate(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "stats@acme.io", models.PlanStarter)
	svc := newTestOrganizationService(db)
	orgID := org.Organization.ID

	_, err := newTestCustomerService(db).Create(orgID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	stats, err := svc.Stats(orgID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Usage.Customers.Current)
	assert.Equal(t, 100, stats.Usage.Customers.Limit)
	assert.Equal(t, 1.0, stats.Usage.Customers.Percent)
	assert.Equal(t, 99, stats.Usage.Customers.Remaining)
	assert.Equal(t, 1, stats.Usage.Users.Current)
	assert.True(t, stats.Trial.IsTrial)

	empty := "  "
	_, err = svc.Update(orgID, UpdateOrganizationInput{Name: &empty})
	assert.Equal(t, apperrors.CodeInvalidParam, apperrors.CodeOf(err))

	name, billing := "Acme Renamed", "Billing@Acme.io"
	updated, err := svc.Update(orgID, UpdateOrganizationInput{Name: &name, BillingEmail: &billing})
	require.NoError(t, err)
	assert.Equal(t, "Acme Renamed", updated.Name)
	assert.Equal(t, "billing@acme.io", updated.BillingEmail)
}
