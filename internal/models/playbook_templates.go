package models

// PlaybookTemplate 内置剧本模板
type PlaybookTemplate struct {
	Name              string
	Description       string
	Category          string
	TriggerConditions map[string]interface{}
	Steps             []PlaybookStepTemplate
}

// PlaybookStepTemplate 模板步骤
type PlaybookStepTemplate struct {
	StepOrder   int
	StepType    string
	Title       string
	Description string
	DelayHours  int
	Config      map[string]interface{}
}

// PlaybookTemplates 新组织初始化时写入的默认剧本
var PlaybookTemplates = []PlaybookTemplate{
	{
		Name:        "New Customer Onboarding",
		Description: "Comprehensive onboarding sequence for new customers",
		Category:    CategoryOnboarding,
		TriggerConditions: map[string]interface{}{
			"customer_age_days":    map[string]interface{}{"max": 7},
			"onboarding_completed": false,
		},
		Steps: []PlaybookStepTemplate{
			{
				StepOrder: 1, StepType: StepTypeEmail, Title: "Welcome Email",
				Description: "Send personalized welcome email with getting started guide",
				DelayHours:  1,
				Config:      map[string]interface{}{"template": "welcome_email", "personalization": true},
			},
			{
				StepOrder: 2, StepType: StepTypeTask, Title: "Schedule Onboarding Call",
				Description: "Create task to schedule onboarding call with customer",
				DelayHours:  24,
				Config:      map[string]interface{}{"task_type": "call", "priority": PriorityHigh, "duration_minutes": 30},
			},
			{
				StepOrder: 3, StepType: StepTypeEmail, Title: "Feature Highlight Email",
				Description: "Send email highlighting key features based on customer plan",
				DelayHours:  72,
				Config:      map[string]interface{}{"template": "feature_highlight", "plan_specific": true},
			},
		},
	},
	{
		Name:        "Churn Risk Intervention",
		Description: "Automated intervention for customers showing churn risk signals",
		Category:    CategoryRetention,
		TriggerConditions: map[string]interface{}{
			"churn_risk_level": []interface{}{RiskHigh, RiskCritical},
			"last_login_days":  map[string]interface{}{"min": 14},
		},
		Steps: []PlaybookStepTemplate{
			{
				StepOrder: 1, StepType: StepTypeTask, Title: "Urgent Customer Check-in",
				Description: "Create urgent task to contact at-risk customer",
				DelayHours:  0,
				Config:      map[string]interface{}{"task_type": "call", "priority": PriorityUrgent, "duration_minutes": 15},
			},
			{
				StepOrder: 2, StepType: StepTypeEmail, Title: "Re-engagement Email",
				Description: "Send personalized re-engagement email with value proposition",
				DelayHours:  2,
				Config:      map[string]interface{}{"template": "reengagement", "include_success_stories": true},
			},
		},
	},
	{
		Name:        "Expansion Opportunity",
		Description: "Automated sequence for customers showing expansion potential",
		Category:    CategoryExpansion,
		TriggerConditions: map[string]interface{}{
			"expansion_opportunity": []interface{}{ExpansionMedium, ExpansionHigh},
			"health_score":          map[string]interface{}{"min": 70},
		},
		Steps: []PlaybookStepTemplate{
			{
				StepOrder: 1, StepType: StepTypeTask, Title: "Expansion Discovery Call",
				Description: "Schedule call to discuss expansion opportunities",
				DelayHours:  24,
				Config:      map[string]interface{}{"task_type": "call", "priority": PriorityMedium, "duration_minutes": 30},
			},
			{
				StepOrder: 2, StepType: StepTypeEmail, Title: "Expansion Proposal",
				Description: "Send customized expansion proposal based on usage patterns",
				DelayHours:  168,
				Config:      map[string]interface{}{"template": "expansion_proposal", "usage_based": true},
			},
		},
	},
}
