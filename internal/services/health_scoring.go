package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"upliftcs/internal/models"
)

// 健康分权重
const (
	WeightUsage      = 0.30
	WeightEngagement = 0.25
	WeightSupport    = 0.25
	WeightFinancial  = 0.20
)

// 风险阈值：>=80 低，>=60 中，>=40 高，其余为严重
const (
	thresholdLow    = 80
	thresholdMedium = 60
	thresholdHigh   = 40
)

// ComponentScore 单项得分
type ComponentScore struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// HealthScores 健康分计算结果
type HealthScores struct {
	OverallScore    float64                   `json:"overall_score"`
	UsageScore      float64                   `json:"usage_score"`
	EngagementScore float64                   `json:"engagement_score"`
	SupportScore    float64                   `json:"support_score"`
	FinancialScore  float64                   `json:"financial_score"`
	RiskLevel       string                    `json:"risk_level"`
	Breakdown       map[string]ComponentScore `json:"score_breakdown"`
}

// Insights 客户洞察和建议
type Insights struct {
	Summary            string    `json:"summary"`
	KeyRisks           []string  `json:"key_risks"`
	Opportunities      []string  `json:"opportunities"`
	RecommendedActions []string  `json:"recommended_actions"`
	PriorityLevel      string    `json:"priority_level"`
	NextContactDays    int       `json:"next_contact_days"`
	GeneratedAt        time.Time `json:"generated_at"`
	ModelUsed          string    `json:"model_used"`
}

// InsightGenerator 生成客户洞察
type InsightGenerator interface {
	Generate(customer *models.Customer, scores *HealthScores, activities []models.CustomerActivity) (*Insights, error)
}

// HealthScoringEngine 客户健康分计算
type HealthScoringEngine struct {
	insights InsightGenerator
	now      func() time.Time
}

func NewHealthScoringEngine() *HealthScoringEngine {
	e := &HealthScoringEngine{now: time.Now}
	e.insights = &RuleBasedInsights{now: e.now}
	return e
}

// WithInsightGenerator 替换洞察生成器
func (e *HealthScoringEngine) WithInsightGenerator(g InsightGenerator) *HealthScoringEngine {
	e.insights = g
	return e
}

// UsageScore 登录频率、功能采用率和引导完成情况
func (e *HealthScoringEngine) UsageScore(c *models.Customer) float64 {
	now := e.now()
	score := 50.0

	if c.LastLogin != nil {
		days := models.DaysSince(c.LastLogin, now)
		switch {
		case days <= 1:
			score += 25
		case days <= 7:
			score += 15
		case days <= 30:
			score += 5
		default:
			score -= 20
		}
	}

	score += c.FeatureAdoptionRate * 25

	if c.OnboardingCompleted {
		score += 15
	} else if c.AgeDays(now) > 14 {
		score -= 15
	}
	return clampScore(score)
}

// EngagementScore 近30天活动数和最近联系时间
func (e *HealthScoringEngine) EngagementScore(c *models.Customer, activities []models.CustomerActivity) float64 {
	now := e.now()
	score := 50.0

	cutoff := now.AddDate(0, 0, -30)
	recent := 0
	for _, a := range activities {
		if a.Timestamp.After(cutoff) {
			recent++
		}
	}
	switch {
	case recent >= 10:
		score += 25
	case recent >= 5:
		score += 15
	case recent >= 2:
		score += 5
	default:
		score -= 10
	}

	if c.LastContactDate != nil {
		days := models.DaysSince(c.LastContactDate, now)
		switch {
		case days <= 7:
			score += 15
		case days <= 30:
			score += 5
		case days > 90:
			score -= 20
		}
	}
	return clampScore(score)
}

// SupportScore 工单数量和最近工单时间
func (e *HealthScoringEngine) SupportScore(c *models.Customer) float64 {
	score := 75.0

	switch tickets := c.SupportTicketsCount; {
	case tickets == 0:
		score += 10
	case tickets <= 2:
		score += 5
	case tickets <= 5:
		score -= 5
	default:
		score -= 15
	}

	if c.LastSupportTicket != nil {
		days := models.DaysSince(c.LastSupportTicket, e.now())
		if days <= 7 {
			score -= 10
		} else if days > 90 {
			score += 10
		}
	}
	return clampScore(score)
}

// FinancialScore MRR、套餐类型和价值实现时间
func (e *HealthScoringEngine) FinancialScore(c *models.Customer) float64 {
	score := 75.0

	switch mrr := c.MRR; {
	case mrr >= 500:
		score += 15
	case mrr >= 100:
		score += 10
	case mrr >= 50:
		score += 5
	case mrr < 20:
		score -= 10
	}

	plan := strings.ToLower(c.PlanType)
	if strings.Contains(plan, "enterprise") || strings.Contains(plan, "pro") {
		score += 10
	} else if strings.Contains(plan, "trial") || strings.Contains(plan, "free") {
		score -= 15
	}

	// 0 天视为未记录
	if c.TimeToValueDays != nil && *c.TimeToValueDays != 0 {
		switch ttv := *c.TimeToValueDays; {
		case ttv <= 7:
			score += 10
		case ttv <= 30:
			score += 5
		case ttv > 90:
			score -= 10
		}
	}
	return clampScore(score)
}

// Calculate 计算四项得分与加权总分
func (e *HealthScoringEngine) Calculate(c *models.Customer, activities []models.CustomerActivity) *HealthScores {
	usage := e.UsageScore(c)
	engagement := e.EngagementScore(c, activities)
	support := e.SupportScore(c)
	financial := e.FinancialScore(c)

	overall := usage*WeightUsage + engagement*WeightEngagement + support*WeightSupport + financial*WeightFinancial

	return &HealthScores{
		OverallScore:    round1(overall),
		UsageScore:      round1(usage),
		EngagementScore: round1(engagement),
		SupportScore:    round1(support),
		FinancialScore:  round1(financial),
		RiskLevel:       RiskLevelFor(overall),
		Breakdown: map[string]ComponentScore{
			"usage":      component(usage, WeightUsage),
			"engagement": component(engagement, WeightEngagement),
			"support":    component(support, WeightSupport),
			"financial":  component(financial, WeightFinancial),
		},
	}
}

// RiskLevelFor 按总分划分流失风险
func RiskLevelFor(score float64) string {
	switch {
	case score >= thresholdLow:
		return models.RiskLow
	case score >= thresholdMedium:
		return models.RiskMedium
	case score >= thresholdHigh:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// ExpansionOpportunity 根据健康分和使用情况判断扩展机会
func (e *HealthScoringEngine) ExpansionOpportunity(c *models.Customer, scores *HealthScores) string {
	switch {
	case scores.OverallScore >= 80 && scores.UsageScore >= 75 && c.FeatureAdoptionRate >= 0.7:
		return models.ExpansionHigh
	case scores.OverallScore >= 70 && scores.UsageScore >= 60 && c.MRR >= 100:
		return models.ExpansionMedium
	case scores.OverallScore >= 60 && scores.FinancialScore >= 70:
		return models.ExpansionLow
	default:
		return models.ExpansionNone
	}
}

// Insights 生成洞察，生成器出错时回退到规则
func (e *HealthScoringEngine) Insights(c *models.Customer, scores *HealthScores, activities []models.CustomerActivity) *Insights {
	if e.insights != nil {
		if insights, err := e.insights.Generate(c, scores, activities); err == nil && insights != nil {
			return insights
		}
	}
	fallback := &RuleBasedInsights{now: e.now}
	insights, _ := fallback.Generate(c, scores, activities)
	return insights
}

// RuleBasedInsights 基于规则的洞察生成
type RuleBasedInsights struct {
	now func() time.Time
}

// Generate 实现 InsightGenerator
func (r *RuleBasedInsights) Generate(c *models.Customer, scores *HealthScores, _ []models.CustomerActivity) (*Insights, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return &Insights{
		Summary: fmt.Sprintf("Customer health score is %.1f/100 with %s churn risk. Requires attention based on current metrics.",
			scores.OverallScore, scores.RiskLevel),
		KeyRisks:           fallbackRisks(scores),
		Opportunities:      fallbackOpportunities(c, scores),
		RecommendedActions: fallbackActions(scores),
		PriorityLevel:      PriorityForRisk(scores.RiskLevel),
		NextContactDays:    ContactDaysForRisk(scores.RiskLevel),
		GeneratedAt:        now().UTC(),
		ModelUsed:          "rule-based",
	}, nil
}

func fallbackRisks(scores *HealthScores) []string {
	risks := []string{}
	if scores.UsageScore < 50 {
		risks = append(risks, "Low product usage indicates potential disengagement")
	}
	if scores.EngagementScore < 50 {
		risks = append(risks, "Poor communication engagement suggests relationship issues")
	}
	if scores.SupportScore < 50 {
		risks = append(risks, "High support ticket volume indicates product issues")
	}
	return risks
}

func fallbackOpportunities(c *models.Customer, scores *HealthScores) []string {
	opportunities := []string{}
	if scores.OverallScore > 70 {
		opportunities = append(opportunities, "Strong health score indicates expansion opportunity")
	}
	if c.FeatureAdoptionRate < 0.5 {
		opportunities = append(opportunities, "Low feature adoption suggests training opportunity")
	}
	if !c.OnboardingCompleted {
		opportunities = append(opportunities, "Complete onboarding to improve customer success")
	}
	return opportunities
}

func fallbackActions(scores *HealthScores) []string {
	actions := []string{}
	if scores.RiskLevel == models.RiskHigh || scores.RiskLevel == models.RiskCritical {
		actions = append(actions,
			"Schedule immediate check-in call with customer",
			"Review recent support tickets and resolve outstanding issues")
	}
	return append(actions,
		"Send personalized email with usage tips and best practices",
		"Schedule quarterly business review to discuss goals")
}

// PriorityForRisk 风险等级对应的处理优先级
func PriorityForRisk(risk string) string {
	switch risk {
	case models.RiskCritical:
		return models.PriorityUrgent
	case models.RiskHigh:
		return models.PriorityHigh
	case models.RiskLow:
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

// ContactDaysForRisk 下次联系的间隔天数
func ContactDaysForRisk(risk string) int {
	switch risk {
	case models.RiskCritical:
		return 1
	case models.RiskHigh:
		return 3
	case models.RiskLow:
		return 30
	default:
		return 14
	}
}

func component(score, weight float64) ComponentScore {
	return ComponentScore{
		Score:        round1(score),
		Weight:       weight,
		Contribution: round1(score * weight),
	}
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
