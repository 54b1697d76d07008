package models

import (
	"time"
)

// BaseModel 基础模型
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrgScoped 租户隔离字段，所有业务数据都归属一个组织
type OrgScoped struct {
	OrganizationID uint `json:"organization_id" gorm:"not null;index"`
}

// DaysSince 计算距离某个时间点的整天数，nil 返回 -1
func DaysSince(t *time.Time, now time.Time) int {
	if t == nil {
		return -1
	}
	return int(now.Sub(*t).Hours() / 24)
}
