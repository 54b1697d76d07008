package services

import (
	"testing"
	"time"

	"upliftcs/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealthEngine() *HealthScoringEngine {
	e := NewHealthScoringEngine()
	e.now = fixedClock
	return e
}

func daysAgo(days int) *time.Time {
	t := testNow.AddDate(0, 0, -days)
	return &t
}

func activitiesWithin(days, count int) []models.CustomerActivity {
	out := make([]models.CustomerActivity, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, models.CustomerActivity{
			ActivityType: models.ActivityFeatureUse,
			Timestamp:    testNow.AddDate(0, 0, -days),
		})
	}
	return out
}

func TestUsageScore(t *testing.T) {
	e := newTestHealthEngine()

	tests := []struct {
		name     string
		customer models.Customer
		want     float64
	}{
		{
			name:     "no login and new customer stays at base",
			customer: models.Customer{CreatedDate: testNow.AddDate(0, 0, -5)},
			want:     50,
		},
		{
			name: "recent login full adoption onboarded is clamped",
			customer: models.Customer{
				CreatedDate: testNow.AddDate(0, 0, -60), LastLogin: daysAgo(0),
				FeatureAdoptionRate: 1, OnboardingCompleted: true,
			},
			want: 100,
		},
		{
			name: "login within a week",
			customer: models.Customer{
				CreatedDate: testNow.AddDate(0, 0, -5), LastLogin: daysAgo(5), FeatureAdoptionRate: 0.4,
			},
			want: 75,
		},
		{
			name: "stale login and onboarding overdue",
			customer: models.Customer{
				CreatedDate: testNow.AddDate(0, 0, -60), LastLogin: daysAgo(40),
			},
			want: 15,
		},
		{
			name: "login within a month",
			customer: models.Customer{
				CreatedDate: testNow.AddDate(0, 0, -10), LastLogin: daysAgo(20), OnboardingCompleted: true,
			},
			want: 70,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.UsageScore(&tt.customer), 0.001)
		})
	}
}

func TestEngagementScore(t *testing.T) {
	e := newTestHealthEngine()

	tests := []struct {
		name        string
		lastContact *time.Time
		activities  []models.CustomerActivity
		want        float64
	}{
		{"no activity no contact", nil, nil, 40},
		{"busy and recently contacted", daysAgo(3), activitiesWithin(2, 10), 90},
		{"moderate activity", daysAgo(20), activitiesWithin(10, 5), 70},
		{"few activities", nil, activitiesWithin(1, 2), 55},
		{"old activities do not count and contact lapsed", daysAgo(120), activitiesWithin(45, 12), 20},
		{"contact between 30 and 90 days is neutral", daysAgo(60), activitiesWithin(1, 2), 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &models.Customer{LastContactDate: tt.lastContact}
			assert.InDelta(t, tt.want, e.EngagementScore(c, tt.activities), 0.001)
		})
	}
}

func TestSupportScore(t *testing.T) {
	e := newTestHealthEngine()

	tests := []struct {
		name       string
		tickets    int
		lastTicket *time.Time
		want       float64
	}{
		{"no tickets", 0, nil, 85},
		{"two tickets old", 2, daysAgo(100), 90},
		{"four tickets recent", 4, daysAgo(3), 60},
		{"many tickets", 9, daysAgo(30), 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &models.Customer{SupportTicketsCount: tt.tickets, LastSupportTicket: tt.lastTicket}
			assert.InDelta(t, tt.want, e.SupportScore(c), 0.001)
		})
	}
}

func TestFinancialScore(t *testing.T) {
	e := newTestHealthEngine()

	tests := []struct {
		name string
		mrr  float64
		plan string
		ttv  *int
		want float64
	}{
		{"enterprise high mrr fast value", 600, "Enterprise", intPtr(5), 100},
		{"pro plan mid mrr", 150, "Pro Monthly", intPtr(20), 100},
		{"basic plan small mrr", 60, "Basic", nil, 80},
		{"free plan tiny mrr slow value", 10, "Free", intPtr(120), 40},
		{"zero ttv is ignored", 30, "Basic", intPtr(0), 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &models.Customer{MRR: tt.mrr, PlanType: tt.plan, TimeToValueDays: tt.ttv}
			assert.InDelta(t, tt.want, e.FinancialScore(c), 0.001)
		})
	}
}

func TestCalculateWeightsAndRisk(t *testing.T) {
	e := newTestHealthEngine()

	healthy := &models.Customer{
		CreatedDate: testNow.AddDate(0, 0, -90), LastLogin: daysAgo(0),
		FeatureAdoptionRate: 0.8, OnboardingCompleted: true,
		LastContactDate: daysAgo(3), MRR: 600, PlanType: "Enterprise", TimeToValueDays: intPtr(5),
	}
	scores := e.Calculate(healthy, activitiesWithin(2, 10))

	assert.Equal(t, 100.0, scores.UsageScore)
	assert.Equal(t, 90.0, scores.EngagementScore)
	assert.Equal(t, 85.0, scores.SupportScore)
	assert.Equal(t, 100.0, scores.FinancialScore)
	assert.Equal(t, 93.8, scores.OverallScore)
	assert.Equal(t, models.RiskLow, scores.RiskLevel)
	assert.Equal(t, models.ExpansionHigh, e.ExpansionOpportunity(healthy, scores))

	require.Contains(t, scores.Breakdown, "usage")
	assert.Equal(t, 0.30, scores.Breakdown["usage"].Weight)
	assert.Equal(t, 30.0, scores.Breakdown["usage"].Contribution)
	assert.Equal(t, 21.3, scores.Breakdown["support"].Contribution)

	atRisk := &models.Customer{
		CreatedDate: testNow.AddDate(0, 0, -60), LastLogin: daysAgo(40),
		LastContactDate: daysAgo(100), SupportTicketsCount: 7, LastSupportTicket: daysAgo(2),
		MRR: 10, PlanType: "trial",
	}
	scores = e.Calculate(atRisk, nil)
	assert.Equal(t, 32.0, scores.OverallScore)
	assert.Equal(t, models.RiskCritical, scores.RiskLevel)
	assert.Equal(t, models.ExpansionNone, e.ExpansionOpportunity(atRisk, scores))
}

func TestRiskLevelThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{100, models.RiskLow},
		{80, models.RiskLow},
		{79.9, models.RiskMedium},
		{60, models.RiskMedium},
		{59.9, models.RiskHigh},
		{40, models.RiskHigh},
		{39.9, models.RiskCritical},
		{0, models.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevelFor(tt.score), "score %v", tt.score)
	}
}

func TestExpansionOpportunityTiers(t *testing.T) {
	e := newTestHealthEngine()

	medium := &models.Customer{MRR: 150, FeatureAdoptionRate: 0.5}
	assert.Equal(t, models.ExpansionMedium, e.ExpansionOpportunity(medium,
		&HealthScores{OverallScore: 72, UsageScore: 65, FinancialScore: 80}))

	low := &models.Customer{MRR: 50}
	assert.Equal(t, models.ExpansionLow, e.ExpansionOpportunity(low,
		&HealthScores{OverallScore: 65, UsageScore: 50, FinancialScore: 70}))

	assert.Equal(t, models.ExpansionNone, e.ExpansionOpportunity(low,
		&HealthScores{OverallScore: 65, UsageScore: 50, FinancialScore: 69}))
}

func TestRuleBasedInsights(t *testing.T) {
	e := newTestHealthEngine()
	c := &models.Customer{FeatureAdoptionRate: 0.2}
	scores := &HealthScores{
		OverallScore: 32, UsageScore: 15, EngagementScore: 20, SupportScore: 50, FinancialScore: 50,
		RiskLevel: models.RiskCritical,
	}

	insights := e.Insights(c, scores, nil)

	assert.Equal(t, "Customer health score is 32.0/100 with critical churn risk. Requires attention based on current metrics.", insights.Summary)
	assert.Equal(t, []string{
		"Low product usage indicates potential disengagement",
		"Poor communication engagement suggests relationship issues",
	}, insights.KeyRisks)
	assert.Equal(t, []string{
		"Low feature adoption suggests training opportunity",
		"Complete onboarding to improve customer success",
	}, insights.Opportunities)
	assert.Len(t, insights.RecommendedActions, 4)
	assert.Equal(t, "Schedule immediate check-in call with customer", insights.RecommendedActions[0])
	assert.Equal(t, models.PriorityUrgent, insights.PriorityLevel)
	assert.Equal(t, 1, insights.NextContactDays)
	assert.Equal(t, "rule-based", insights.ModelUsed)
	assert.Equal(t, testNow, insights.GeneratedAt)
}

type failingInsights struct{}

func (failingInsights) Generate(*models.Customer, *HealthScores, []models.CustomerActivity) (*Insights, error) {
	return nil, assert.AnError
}

func TestInsightsFallBackWhenGeneratorFails(t *testing.T) {
	e := newTestHealthEngine().WithInsightGenerator(failingInsights{})
	scores := &HealthScores{OverallScore: 85, UsageScore: 90, EngagementScore: 80, SupportScore: 85, FinancialScore: 80, RiskLevel: models.RiskLow}

	insights := e.Insights(&models.Customer{FeatureAdoptionRate: 0.9, OnboardingCompleted: true}, scores, nil)

	assert.Equal(t, "rule-based", insights.ModelUsed)
	assert.Empty(t, insights.KeyRisks)
	assert.Equal(t, []string{"Strong health score indicates expansion opportunity"}, insights.Opportunities)
	assert.Len(t, insights.RecommendedActions, 2)
	assert.Equal(t, models.PriorityLow, insights.PriorityLevel)
	assert.Equal(t, 30, insights.NextContactDays)
}
