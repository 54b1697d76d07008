package client

import (
	"context"
	"net/http"

	"upliftcs/pkg/auditlog"
)

// AuditTransport 把审计日志投递到服务端 /api/admin/audit-logs
type AuditTransport struct {
	client *Client
}

var _ auditlog.Transport = (*AuditTransport)(nil)

func NewAuditTransport(c *Client) *AuditTransport {
	return &AuditTransport{client: c}
}

// Deliver 未登录时直接返回错误，由 auditlog.Logger 记录后忽略
func (t *AuditTransport) Deliver(ctx context.Context, entry auditlog.Entry) error {
	if t.client.accessToken() == "" {
		return &Error{Kind: KindAuth, Message: "not logged in"}
	}
	_, err := t.client.call(ctx, http.MethodPost, "/api/admin/audit-logs", entry, nil)
	return err
}
