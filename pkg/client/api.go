package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"upliftcs/pkg/auditlog"
)

// User 成员
type User struct {
	ID             uint       `json:"id"`
	OrganizationID uint       `json:"organization_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Role           string     `json:"role"`
	IsActive       bool       `json:"is_active"`
	LastLogin      *time.Time `json:"last_login"`
}

// Organization 组织及套餐
type Organization struct {
	ID                 uint       `json:"id"`
	Name               string     `json:"name"`
	Slug               string     `json:"slug"`
	PlanTier           string     `json:"plan_tier"`
	MonthlyPrice       float64    `json:"monthly_price"`
	CustomerLimit      int        `json:"customer_limit"`
	UserLimit          int        `json:"user_limit"`
	IsActive           bool       `json:"is_active"`
	IsTrial            bool       `json:"is_trial"`
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
	SubscriptionStatus string     `json:"subscription_status"`
	CustomerCount      int        `json:"customer_count"`
	UserCount          int        `json:"user_count"`
}

// PlanChange 套餐变更结果
type PlanChange struct {
	Organization Organization `json:"organization"`
	PreviousTier string       `json:"previous_tier"`
}

// UserUpdate 可修改字段，nil 表示不修改
type UserUpdate struct {
	Name     *string `json:"name,omitempty"`
	Role     *string `json:"role,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// UserQuery 成员列表条件
type UserQuery struct {
	Page     int
	PageSize int
	Role     string
	Search   string
	IsActive *bool
}

// BulkResult 批量停用汇总
type BulkResult struct {
	Requested int
	Succeeded []uint
	Failed    map[uint]error
}

// ComponentScore 健康分分项
type ComponentScore struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// CustomerHealth 客户健康分
type CustomerHealth struct {
	ID                   uint                      `json:"id"`
	Name                 string                    `json:"name"`
	HealthScore          float64                   `json:"health_score"`
	ChurnRiskLevel       string                    `json:"churn_risk_level"`
	ExpansionOpportunity string                    `json:"expansion_opportunity"`
	HealthBreakdown      map[string]ComponentScore `json:"health_breakdown"`
}

// Playbook 剧本概要
type Playbook struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	IsActive bool   `json:"is_active"`
	Priority int    `json:"priority"`
}

// ========== 认证 ==========

// Login 登录成功才写入会话，失败时保留原状态
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	env, err := c.send(ctx, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
		User         struct {
			ID             uint   `json:"id"`
			Email          string `json:"email"`
			Name           string `json:"name"`
			Role           string `json:"role"`
			OrganizationID uint   `json:"organization_id"`
		} `json:"user"`
	}
	if err := decodeData(env, &data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, &Error{Kind: KindServer, Message: "login response has no access token"}
	}

	session := &Session{
		AccessToken:    data.AccessToken,
		RefreshToken:   data.RefreshToken,
		ExpiresAt:      time.Unix(data.ExpiresAt, 0),
		UserID:         data.User.ID,
		Email:          data.User.Email,
		Name:           data.User.Name,
		Role:           data.User.Role,
		OrganizationID: data.User.OrganizationID,
	}
	c.SetSession(session)
	c.track(ctx, auditlog.ActionLogin, "User logged in", session.Email, nil)
	return c.Session(), nil
}

// Logout 通知服务端并清空本地会话，服务端失败也会清空
func (c *Client) Logout(ctx context.Context) error {
	if c.Session() == nil {
		return nil
	}
	c.track(ctx, auditlog.ActionLogout, "User logged out", "", nil)
	_, err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	c.clearSession()
	return err
}

// Me 当前用户
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if _, err := c.call(ctx, http.MethodGet, "/api/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ========== 成员管理 ==========

// ListUsers 成员列表
func (c *Client) ListUsers(ctx context.Context, q UserQuery) ([]User, *PageInfo, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Role != "" {
		params.Set("role", q.Role)
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	if q.IsActive != nil {
		params.Set("is_active", strconv.FormatBool(*q.IsActive))
	}
	path := "/api/admin/users"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var users []User
	env, err := c.call(ctx, http.MethodGet, path, nil, &users)
	if err != nil {
		return nil, nil, err
	}
	return users, env.PageInfo, nil
}

// GetUser 成员详情
func (c *Client) GetUser(ctx context.Context, id uint) (*User, error) {
	var user User
	if _, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/admin/users/%d", id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser 修改成员
func (c *Client) UpdateUser(ctx context.Context, id uint, update UserUpdate) (*User, error) {
	var user User
	if _, err := c.call(ctx, http.MethodPut, fmt.Sprintf("/api/admin/users/%d", id), update, &user); err != nil {
		return nil, err
	}
	action := auditlog.ActionUserUpdated
	if update.Role != nil {
		action = auditlog.ActionRoleChanged
	}
	c.track(ctx, action, "Updated "+user.Email, user.Email, nil)
	return &user, nil
}

// DeactivateUser 停用成员
func (c *Client) DeactivateUser(ctx context.Context, id uint) error {
	if err := c.deactivate(ctx, id); err != nil {
		return err
	}
	c.track(ctx, auditlog.ActionUserDeactivated, fmt.Sprintf("Deactivated user %d", id), strconv.FormatUint(uint64(id), 10), nil)
	return nil
}

func (c *Client) deactivate(ctx context.Context, id uint) error {
	_, err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", id), nil, nil)
	return err
}

// BulkDeactivate 对每个ID并发发起一次停用请求，全部结束后只发一次汇总提示
func (c *Client) BulkDeactivate(ctx context.Context, ids []uint) *BulkResult {
	result := &BulkResult{
		Requested: len(ids),
		Succeeded: []uint{},
		Failed:    map[uint]error{},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			err := c.deactivate(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
				return
			}
			result.Succeeded = append(result.Succeeded, id)
		}(id)
	}
	wg.Wait()
	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })

	switch {
	case len(result.Failed) == 0:
		c.notify("success", fmt.Sprintf("Deactivated %d users", len(result.Succeeded)))
	case len(result.Succeeded) == 0:
		c.notify("error", fmt.Sprintf("Failed to deactivate %d users", len(result.Failed)))
	default:
		c.notify("warning", fmt.Sprintf("Deactivated %d of %d users", len(result.Succeeded), result.Requested))
	}
	c.track(ctx, auditlog.ActionBulkDeactivate,
		fmt.Sprintf("Bulk deactivated %d of %d users", len(result.Succeeded), result.Requested), "",
		map[string]interface{}{"succeeded": result.Succeeded, "failed": len(result.Failed)})
	return result
}

// ========== 组织 ==========

// GetOrganization 当前组织
func (c *Client) GetOrganization(ctx context.Context) (*Organization, error) {
	var stats struct {
		Organization Organization `json:"organization"`
	}
	if _, err := c.call(ctx, http.MethodGet, "/api/admin/organization", nil, &stats); err != nil {
		return nil, err
	}
	return &stats.Organization, nil
}

// ChangePlan 切换套餐
func (c *Client) ChangePlan(ctx context.Context, tier string) (*PlanChange, error) {
	var change PlanChange
	if _, err := c.call(ctx, http.MethodPut, "/api/admin/organization/plan", map[string]string{"plan_tier": tier}, &change); err != nil {
		return nil, err
	}
	c.track(ctx, auditlog.ActionPlanChanged,
		fmt.Sprintf("Changed plan from %s to %s", change.PreviousTier, change.Organization.PlanTier),
		change.Organization.Name, map[string]interface{}{"from": change.PreviousTier, "to": tier})
	return &change, nil
}

// AdminStats 管理后台统计，结构随服务端演进，直接返回 map
func (c *Client) AdminStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}
	if _, err := c.call(ctx, http.MethodGet, "/api/admin/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// ========== 客户与剧本 ==========

// CustomerHealth 客户健康分
func (c *Client) CustomerHealth(ctx context.Context, customerID uint) (*CustomerHealth, error) {
	var health CustomerHealth
	if _, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/customers/%d/health", customerID), nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// RecomputeHealth 重算客户健康分
func (c *Client) RecomputeHealth(ctx context.Context, customerID uint) (*CustomerHealth, error) {
	var health CustomerHealth
	if _, err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/customers/%d/health", customerID), nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ListPlaybooks 剧本列表
func (c *Client) ListPlaybooks(ctx context.Context) ([]Playbook, error) {
	var playbooks []Playbook
	if _, err := c.call(ctx, http.MethodGet, "/api/playbooks", nil, &playbooks); err != nil {
		return nil, err
	}
	return playbooks, nil
}

// GetPlaybook 剧本详情
func (c *Client) GetPlaybook(ctx context.Context, id uint) (*Playbook, error) {
	var playbook Playbook
	if _, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/playbooks/%d", id), nil, &playbook); err != nil {
		return nil, err
	}
	return &playbook, nil
}
