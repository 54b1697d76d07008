package models

import (
	"time"

	"gorm.io/datatypes"
)

// Integration 组织接入的第三方平台
type Integration struct {
	BaseModel
	OrganizationID  uint           `json:"organization_id" gorm:"not null;uniqueIndex:idx_integration_org_platform"`
	Platform        string         `json:"platform" gorm:"not null;size:50;uniqueIndex:idx_integration_org_platform"`
	EncryptedAPIKey string         `json:"-" gorm:"size:1000"`
	Settings        datatypes.JSON `json:"settings" gorm:"type:json"`
	WebhookToken    string         `json:"webhook_token" gorm:"size:36;uniqueIndex"`
	Status          string         `json:"status" gorm:"size:20;default:'active'"`
	LastSyncAt      *time.Time     `json:"last_sync_at"`
	LastEventAt     *time.Time     `json:"last_event_at"`
	EventCount      int            `json:"event_count" gorm:"default:0"`
	CreatedBy       uint           `json:"created_by"`
}

// TableName 表名
func (i *Integration) TableName() string {
	return "integrations"
}

// 集成状态
const (
	IntegrationActive   = "active"
	IntegrationError    = "error"
	IntegrationDisabled = "disabled"
)

// IntegrationPlatform 平台描述
type IntegrationPlatform struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// SupportedPlatforms 支持的集成平台
var SupportedPlatforms = []IntegrationPlatform{
	{Key: "stripe", Name: "Stripe", Category: "billing", Description: "Subscription and payment data"},
	{Key: "hubspot", Name: "HubSpot", Category: "crm", Description: "Contacts, companies and deals"},
	{Key: "salesforce", Name: "Salesforce", Category: "crm", Description: "Accounts and opportunities"},
	{Key: "intercom", Name: "Intercom", Category: "support", Description: "Conversations and user engagement"},
	{Key: "zendesk", Name: "Zendesk", Category: "support", Description: "Support tickets"},
	{Key: "slack", Name: "Slack", Category: "communication", Description: "Alerts and notifications"},
	{Key: "mixpanel", Name: "Mixpanel", Category: "analytics", Description: "Product usage events"},
	{Key: "amplitude", Name: "Amplitude", Category: "analytics", Description: "Product usage events"},
	{Key: "segment", Name: "Segment", Category: "analytics", Description: "Customer data pipeline"},
}

// IsSupportedPlatform 检查平台是否支持
func IsSupportedPlatform(key string) bool {
	for _, p := range SupportedPlatforms {
		if p.Key == key {
			return true
		}
	}
	return false
}
