package services

import (
	"testing"

	"upliftcs/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionCustomer() *models.Customer {
	return &models.Customer{
		OrganizationID:       1,
		Name:                 "Globex",
		PlanType:             "Enterprise",
		MRR:                  250,
		CreatedDate:          *daysAgo(3),
		HealthScore:          72,
		ChurnRiskLevel:       models.RiskMedium,
		ExpansionOpportunity: models.ExpansionMedium,
	}
}

func TestConditionEvaluator(t *testing.T) {
	evaluator := NewConditionEvaluator(fixedClock)

	tests := []struct {
		name       string
		customer   func(c *models.Customer)
		conditions string
		want       bool
	}{
		{"empty conditions match", nil, ``, true},
		{"null conditions match", nil, `null`, true},
		{"age within max", nil, `{"customer_age_days": {"max": 7}}`, true},
		{"age beyond max", func(c *models.Customer) { c.CreatedDate = *daysAgo(10) }, `{"customer_age_days": {"max": 7}}`, false},
		{"exact age", nil, `{"customer_age_days": 3}`, true},
		{"never logged in satisfies min", nil, `{"last_login_days": {"min": 14}}`, true},
		{"never logged in fails max", nil, `{"last_login_days": {"max": 7}}`, false},
		{"stale login satisfies min", func(c *models.Customer) { c.LastLogin = daysAgo(20) }, `{"last_login_days": {"min": 14}}`, true},
		{"recent login fails min", func(c *models.Customer) { c.LastLogin = daysAgo(2) }, `{"last_login_days": {"min": 14}}`, false},
		{"risk in list", nil, `{"churn_risk_level": ["medium", "high"]}`, true},
		{"risk not in list", nil, `{"churn_risk_level": ["high", "critical"]}`, false},
		{"single expansion value", nil, `{"expansion_opportunity": "medium"}`, true},
		{"health above min", nil, `{"health_score": {"min": 70}}`, true},
		{"health below min", nil, `{"health_score": {"min": 80}}`, false},
		{"equality on field", nil, `{"onboarding_completed": false}`, true},
		{"equality mismatch", nil, `{"plan_type": "Starter"}`, false},
		{"unknown key ignored", nil, `{"region": "emea"}`, true},
		{"all conditions required", nil, `{"health_score": {"min": 70}, "churn_risk_level": "high"}`, false},
		{"expression on fields", nil, `{"expression": "mrr >= 100 && plan_type == 'Enterprise'"}`, true},
		{"expression on derived days", nil, `{"expression": "customer_age_days < 7 && last_login_days < 0"}`, true},
		{"expression false", nil, `{"expression": "health_score > 90"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			customer := conditionCustomer()
			if tt.customer != nil {
				tt.customer(customer)
			}
			got, err := evaluator.Evaluate(customer, []byte(tt.conditions))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluatorErrors(t *testing.T) {
	evaluator := NewConditionEvaluator(fixedClock)
	customer := conditionCustomer()

	for name, raw := range map[string]string{
		"invalid json":       `{"health_score":`,
		"non boolean result": `{"expression": "mrr + 1"}`,
		"unparsable":         `{"expression": "mrr >"}`,
		"non string":         `{"expression": 42}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := evaluator.Evaluate(customer, []byte(raw))
			assert.Error(t, err)
			assert.False(t, evaluator.Matches(customer, []byte(raw)))
		})
	}
}
