package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/auditlog"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditService 审计日志的服务端存储，同时作为 auditlog.Transport 使用
type AuditService struct {
	db *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{db: db}
}

var _ auditlog.Transport = (*AuditService)(nil)

// AuditFilter 审计日志过滤条件
type AuditFilter struct {
	Action   string
	Severity string
	UserID   uint
	User     string
	Since    *time.Time
}

// Deliver 实现 auditlog.Transport
func (s *AuditService) Deliver(ctx context.Context, entry auditlog.Entry) error {
	_, err := s.Append(ctx, entry)
	return err
}

// Append 写入一条日志。缺失的 id、时间和级别由服务端补齐，重复 id 忽略
func (s *AuditService) Append(ctx context.Context, entry auditlog.Entry) (*models.AuditLog, error) {
	if entry.OrganizationID == 0 {
		return nil, fmt.Errorf("audit entry has no organization")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Severity == "" {
		entry.Severity = auditlog.SeverityFor(entry.Action)
	}

	record := &models.AuditLog{
		EntryID:        entry.ID,
		OrganizationID: entry.OrganizationID,
		Timestamp:      entry.Timestamp,
		UserID:         entry.UserID,
		UserEmail:      entry.User,
		Action:         entry.Action,
		Description:    entry.Description,
		Target:         entry.Target,
		Severity:       entry.Severity,
		IPAddress:      entry.IPAddress,
	}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化审计元数据失败: %w", err)
		}
		record.Metadata = datatypes.JSON(raw)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).
		Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("写入审计日志失败: %w", err)
	}
	return record, nil
}

// List 组织内审计日志（分页），按时间倒序
func (s *AuditService) List(orgID uint, filter AuditFilter, page, pageSize int) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.Model(&models.AuditLog{}).Where("organization_id = ?", orgID)
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.User != "" {
		query = query.Where("LOWER(user_email) LIKE ?", "%"+strings.ToLower(filter.User)+"%")
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * pageSize
	err := query.Order("timestamp DESC").Order("id DESC").Offset(offset).Limit(pageSize).Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
