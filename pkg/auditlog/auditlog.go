package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 严重级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// 被跟踪的操作
const (
	ActionLogin                   = "login"
	ActionLogout                  = "logout"
	ActionLoginFailed             = "login_failed"
	ActionPasswordChanged         = "password_changed"
	ActionUserInvited             = "user_invited"
	ActionUserUpdated             = "user_updated"
	ActionUserDeactivated         = "user_deactivated"
	ActionUserActivated           = "user_activated"
	ActionBulkDeactivate          = "bulk_deactivate"
	ActionRoleChanged             = "role_changed"
	ActionOrganizationUpdated     = "organization_updated"
	ActionPlanChanged             = "plan_changed"
	ActionSubscriptionActivated   = "subscription_activated"
	ActionSubscriptionCancelled   = "subscription_cancelled"
	ActionSubscriptionReactivated = "subscription_reactivated"
	ActionTrialExtended           = "trial_extended"
	ActionPlaybookCreated         = "playbook_created"
	ActionPlaybookUpdated         = "playbook_updated"
	ActionPlaybookDeleted         = "playbook_deleted"
	ActionPlaybookTriggered       = "playbook_triggered"
	ActionIntegrationAdded        = "integration_added"
	ActionIntegrationRemoved      = "integration_removed"
	ActionWebhookReceived         = "webhook_received"
)

// severityTable 操作到严重级别的静态映射，未列出的按 info 处理
var severityTable = map[string]string{
	ActionLogin:                   SeverityInfo,
	ActionLogout:                  SeverityInfo,
	ActionLoginFailed:             SeverityWarning,
	ActionPasswordChanged:         SeverityWarning,
	ActionUserInvited:             SeverityInfo,
	ActionUserUpdated:             SeverityInfo,
	ActionUserDeactivated:         SeverityWarning,
	ActionUserActivated:           SeverityInfo,
	ActionBulkDeactivate:          SeverityCritical,
	ActionRoleChanged:             SeverityWarning,
	ActionOrganizationUpdated:     SeverityInfo,
	ActionPlanChanged:             SeverityWarning,
	ActionSubscriptionActivated:   SeverityInfo,
	ActionSubscriptionCancelled:   SeverityCritical,
	ActionSubscriptionReactivated: SeverityInfo,
	ActionTrialExtended:           SeverityInfo,
	ActionPlaybookCreated:         SeverityInfo,
	ActionPlaybookUpdated:         SeverityInfo,
	ActionPlaybookDeleted:         SeverityWarning,
	ActionPlaybookTriggered:       SeverityInfo,
	ActionIntegrationAdded:        SeverityInfo,
	ActionIntegrationRemoved:      SeverityWarning,
	ActionWebhookReceived:         SeverityInfo,
}

// SeverityFor 查询操作的严重级别
func SeverityFor(action string) string {
	if s, ok := severityTable[action]; ok {
		return s
	}
	return SeverityInfo
}

// Entry 一条审计日志
type Entry struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	OrganizationID uint                   `json:"organization_id,omitempty"`
	UserID         uint                   `json:"user_id,omitempty"`
	User           string                 `json:"user"`
	Action         string                 `json:"action"`
	Description    string                 `json:"description"`
	Target         string                 `json:"target,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Severity       string                 `json:"severity"`
	IPAddress      string                 `json:"ip_address,omitempty"`
}

// Event 调用方提供的操作信息
type Event struct {
	OrganizationID uint
	UserID         uint
	User           string
	Action         string
	Description    string
	Target         string
	Metadata       map[string]interface{}
	IPAddress      string
}

// Transport 把日志投递到后端
type Transport interface {
	Deliver(ctx context.Context, entry Entry) error
}

// Mirror 本地镜像存储，按组织隔离；orgID 为 0 表示不区分组织
type Mirror interface {
	Append(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, orgID uint, limit int) ([]Entry, error)
}

// DeliveryObserver 投递结果回调（指标）
type DeliveryObserver interface {
	RecordAuditDelivery(success bool)
}

// Logger 审计日志记录器。投递失败只记日志，不影响调用方
type Logger struct {
	transport Transport
	mirror    Mirror
	observer  DeliveryObserver
	log       *logrus.Logger
	now       func() time.Time
}

// Option 配置项
type Option func(*Logger)

// WithObserver 设置投递结果回调
func WithObserver(o DeliveryObserver) Option {
	return func(l *Logger) { l.observer = o }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New 创建记录器，transport 可以为空；mirror 为空时使用默认容量的内存镜像
func New(transport Transport, mirror Mirror, log *logrus.Logger, opts ...Option) *Logger {
	if mirror == nil {
		mirror = NewMemoryMirror(DefaultMirrorCapacity)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Logger{
		transport: transport,
		mirror:    mirror,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Track 生成并记录一条审计日志。先尝试投递，再写入本地镜像
func (l *Logger) Track(ctx context.Context, event Event) Entry {
	entry := Entry{
		ID:             uuid.NewString(),
		Timestamp:      l.now().UTC(),
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
		User:           event.User,
		Action:         event.Action,
		Description:    event.Description,
		Target:         event.Target,
		Metadata:       event.Metadata,
		Severity:       SeverityFor(event.Action),
		IPAddress:      event.IPAddress,
	}

	if l.transport != nil {
		err := l.transport.Deliver(ctx, entry)
		if err != nil {
			l.log.WithError(err).WithField("action", entry.Action).Warn("audit delivery failed")
		}
		if l.observer != nil {
			l.observer.RecordAuditDelivery(err == nil)
		}
	}

	if err := l.mirror.Append(ctx, entry); err != nil {
		l.log.WithError(err).WithField("action", entry.Action).Warn("audit mirror write failed")
	}
	return entry
}

// Recent 读取本地镜像中某组织最近的日志
func (l *Logger) Recent(ctx context.Context, orgID uint, limit int) ([]Entry, error) {
	return l.mirror.Recent(ctx, orgID, limit)
}
