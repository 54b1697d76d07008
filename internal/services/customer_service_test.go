package services

import (
	"encoding/json"
	"testing"

	"upliftcs/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCustomerComputesInitialHealth(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "cs@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)

	customer, err := svc.Create(org.Organization.ID, CreateCustomerInput{
		ExternalID: "ext-1", Name: "Globex", Email: "Ops@Globex.io", PlanType: "Enterprise", MRR: 600,
	})
	require.NoError(t, err)

	assert.Equal(t, "ops@globex.io", customer.Email)
	assert.Equal(t, 50.0, customer.UsageScore)
	assert.Equal(t, 40.0, customer.EngagementScore)
	assert.Equal(t, 85.0, customer.SupportScore)
	assert.Equal(t, 100.0, customer.FinancialScore)
	assert.Equal(t, 66.3, customer.HealthScore)
	assert.Equal(t, models.RiskMedium, customer.ChurnRiskLevel)

	var refreshed models.Organization
	require.NoError(t, db.First(&refreshed, org.Organization.ID).Error)
	assert.Equal(t, 1, refreshed.CustomerCount)
}

func TestCreateCustomerRejectsDuplicateExternalIDPerOrganization(t *testing.T) {
	db := newTestDB(t)
	first := registerOrg(t, db, "a@acme.io", models.PlanStarter)
	second := registerOrg(t, db, "b@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)

	_, err := svc.Create(first.Organization.ID, CreateCustomerInput{ExternalID: "ext-1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	_, err = svc.Create(first.Organization.ID, CreateCustomerInput{ExternalID: "ext-1", Name: "Dup", Email: "dup@x.io"})
	assert.ErrorIs(t, err, ErrExternalIDExists)

	_, err = svc.Create(second.Organization.ID, CreateCustomerInput{ExternalID: "ext-1", Name: "Other", Email: "other@x.io"})
	assert.NoError(t, err)
}

func TestCreateCustomerEnforcesPlanLimit(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "limit@acme.io", models.PlanStarter)
	require.NoError(t, db.Model(&models.Organization{}).Where("id = ?", org.Organization.ID).
		Update("customer_limit", 1).Error)
	svc := newTestCustomerService(db)

	_, err := svc.Create(org.Organization.ID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	_, err = svc.Create(org.Organization.ID, CreateCustomerInput{ExternalID: "c2", Name: "Two", Email: "two@x.io"})
	assert.ErrorIs(t, err, ErrCustomerLimitReached)
}

func TestCustomerIsScopedToOrganization(t *testing.T) {
	db := newTestDB(t)
	owner := registerOrg(t, db, "owner@acme.io", models.PlanStarter)
	other := registerOrg(t, db, "other@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)

	customer, err := svc.Create(owner.Organization.ID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	_, err = svc.Get(other.Organization.ID, customer.ID)
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestAddActivityUpdatesCustomerFields(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "act@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	orgID := org.Organization.ID

	customer, err := svc.Create(orgID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	_, err = svc.AddActivity(orgID, customer.ID, models.ActivityLogin, nil)
	require.NoError(t, err)
	_, err = svc.AddActivity(orgID, customer.ID, models.ActivitySupportTicket, map[string]interface{}{"subject": "SSO broken"})
	require.NoError(t, err)
	_, err = svc.AddActivity(orgID, customer.ID, models.ActivitySupportTicket, nil)
	require.NoError(t, err)

	detail, err := svc.Detail(orgID, customer.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.LastLogin)
	assert.True(t, detail.LastLogin.Equal(testNow))
	require.NotNil(t, detail.LastSupportTicket)
	assert.Equal(t, 2, detail.SupportTicketsCount)
	assert.Len(t, detail.RecentActivities, 3)
}

func TestRecomputeHealthStoresInsights(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "health@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	recorder := &riskRecorder{}
	svc.WithRecorder(recorder)
	orgID := org.Organization.ID

	customer, err := svc.Create(orgID, CreateCustomerInput{
		ExternalID: "c1", Name: "One", Email: "one@x.io", MRR: 600, PlanType: "Enterprise",
		OnboardingCompleted: true, FeatureAdoptionRate: 0.8, TimeToValueDays: intPtr(5),
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = svc.AddActivity(orgID, customer.ID, models.ActivityLogin, nil)
		require.NoError(t, err)
	}

	report, err := svc.RecomputeHealth(orgID, customer.ID)
	require.NoError(t, err)

	assert.Equal(t, 100.0, report.UsageScore)
	assert.Equal(t, 75.0, report.EngagementScore)
	assert.Equal(t, models.RiskLow, report.ChurnRiskLevel)
	assert.Equal(t, models.ExpansionHigh, report.ExpansionOpportunity)
	require.Contains(t, report.HealthBreakdown, "financial")
	require.NotNil(t, report.LastAIAnalysis)

	var insights Insights
	require.NoError(t, json.Unmarshal(report.AIInsights, &insights))
	assert.Equal(t, "rule-based", insights.ModelUsed)
	assert.Equal(t, []string{models.RiskLow}, recorder.risks)

	stored, err := svc.Get(orgID, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, report.HealthScore, stored.HealthScore)
}

type riskRecorder struct{ risks []string }

func (r *riskRecorder) RecordHealthRecompute(risk string) { r.risks = append(r.risks, risk) }

func TestActionLifecycle(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "actions@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	orgID := org.Organization.ID

	customer, err := svc.Create(orgID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io"})
	require.NoError(t, err)

	action, err := svc.CreateAction(orgID, customer.ID, CreateActionInput{ActionType: "call", Title: "QBR"})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, action.Priority)
	assert.Equal(t, models.ActionPending, action.ActionStatus)

	pending, err := svc.ListActions(orgID, customer.ID, models.ActionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	bogus := "archived"
	_, err = svc.UpdateAction(orgID, action.ID, UpdateActionInput{ActionStatus: &bogus})
	assert.ErrorIs(t, err, ErrInvalidActionState)

	done := models.ActionCompleted
	outcome := "Customer renewed"
	updated, err := svc.UpdateAction(orgID, action.ID, UpdateActionInput{ActionStatus: &done, Outcome: &outcome})
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, updated.ActionStatus)
	require.NotNil(t, updated.CompletedDate)
	assert.Equal(t, outcome, updated.Outcome)

	pending, err = svc.ListActions(orgID, customer.ID, models.ActionPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManualActionKeepsAIGeneratedFlag(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "manual@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	orgID := org.Organization.ID

	customer, err := svc.Create(orgID, CreateCustomerInput{ExternalID: "m1", Name: "Manual", Email: "m@x.io"})
	require.NoError(t, err)

	manual, err := svc.CreateAction(orgID, customer.ID, CreateActionInput{ActionType: "call", Title: "Intro call"})
	require.NoError(t, err)
	suggested, err := svc.CreateAction(orgID, customer.ID, CreateActionInput{ActionType: "email", Title: "Nudge", AIGenerated: true})
	require.NoError(t, err)

	var stored models.CSMAction
	require.NoError(t, db.First(&stored, manual.ID).Error)
	assert.False(t, stored.AIGenerated)

	stored = models.CSMAction{}
	require.NoError(t, db.First(&stored, suggested.ID).Error)
	assert.True(t, stored.AIGenerated)
}

func TestPendingActionsOrderedByUrgency(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "urgency@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	orgID := org.Organization.ID

	customer, err := svc.Create(orgID, CreateCustomerInput{ExternalID: "u1", Name: "Urgent", Email: "u@x.io"})
	require.NoError(t, err)

	for _, p := range []string{models.PriorityHigh, models.PriorityLow, models.PriorityUrgent, models.PriorityMedium} {
		_, err := svc.CreateAction(orgID, customer.ID, CreateActionInput{ActionType: "task", Title: p, Priority: p})
		require.NoError(t, err)
	}

	detail, err := svc.Detail(orgID, customer.ID)
	require.NoError(t, err)
	priorities := make([]string, 0, len(detail.PendingActions))
	for _, a := range detail.PendingActions {
		priorities = append(priorities, a.Priority)
	}
	assert.Equal(t, []string{models.PriorityUrgent, models.PriorityHigh, models.PriorityMedium, models.PriorityLow}, priorities)
}

func TestDashboardSummary(t *testing.T) {
	db := newTestDB(t)
	org := registerOrg(t, db, "dash@acme.io", models.PlanStarter)
	svc := newTestCustomerService(db)
	orgID := org.Organization.ID

	healthy, err := svc.Create(orgID, CreateCustomerInput{ExternalID: "c1", Name: "One", Email: "one@x.io", MRR: 100.25})
	require.NoError(t, err)
	_, err = svc.Create(orgID, CreateCustomerInput{ExternalID: "c2", Name: "Two", Email: "two@x.io", MRR: 50})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Customer{}).Where("id = ?", healthy.ID).
		Updates(map[string]interface{}{"churn_risk_level": models.RiskCritical}).Error)
	_, err = svc.CreateAction(orgID, healthy.ID, CreateActionInput{ActionType: "call", Title: "Rescue"})
	require.NoError(t, err)

	summary, err := svc.DashboardSummary(orgID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.TotalCustomers)
	assert.Equal(t, 150.25, summary.TotalMRR)
	assert.Equal(t, int64(1), summary.PendingActions)
	assert.Equal(t, int64(1), summary.UrgentCustomers)
	assert.Equal(t, int64(1), summary.RiskDistribution[models.RiskCritical])
	assert.Len(t, summary.RiskDistribution, 4)
	assert.Len(t, summary.ExpansionOpportunities, 4)
}
