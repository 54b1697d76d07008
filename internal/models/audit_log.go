package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog 审计日志记录
type AuditLog struct {
	ID             uint           `json:"-" gorm:"primarykey"`
	EntryID        string         `json:"id" gorm:"size:36;uniqueIndex"`
	OrganizationID uint           `json:"organization_id" gorm:"not null;index"`
	Timestamp      time.Time      `json:"timestamp" gorm:"not null;index"`
	UserID         uint           `json:"user_id" gorm:"index"`
	UserEmail      string         `json:"user" gorm:"size:120"`
	Action         string         `json:"action" gorm:"not null;size:100;index"`
	Description    string         `json:"description" gorm:"type:text"`
	Target         string         `json:"target" gorm:"size:200"`
	Metadata       datatypes.JSON `json:"metadata" gorm:"type:json"`
	Severity       string         `json:"severity" gorm:"size:20;index"`
	IPAddress      string         `json:"ip_address" gorm:"size:64"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName 表名
func (a *AuditLog) TableName() string {
	return "audit_logs"
}
