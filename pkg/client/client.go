package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"upliftcs/pkg/auditlog"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Session 登录后的令牌和身份
type Session struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	UserID         uint      `json:"user_id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	OrganizationID uint      `json:"organization_id"`
}

// Notification 面向用户的提示
type Notification struct {
	Level   string // success, warning, error
	Message string
}

// Notifier 展示提示，批量操作只调用一次
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc 函数适配
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Client UpliftCS 接口客户端，可并发使用
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Logger

	mu        sync.RWMutex
	session   *Session
	refreshMu sync.Mutex

	notifier         Notifier
	audit            *auditlog.Logger
	onSessionExpired func()

	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option 客户端选项
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *logrus.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithNotifier(n Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithAuditLogger 设置审计记录器，客户端在登录、停用、改套餐等操作后记录
func WithAuditLogger(l *auditlog.Logger) Option {
	return func(c *Client) { c.audit = l }
}

// WithSessionExpired 会话失效（刷新失败）时回调，通常跳转到登录页
func WithSessionExpired(fn func()) Option {
	return func(c *Client) { c.onSessionExpired = fn }
}

// WithRetry GET 请求的重试次数和初始间隔，maxTries 为1时不重试
func WithRetry(maxTries uint, initialInterval time.Duration) Option {
	return func(c *Client) {
		c.maxTries = maxTries
		c.initialInterval = initialInterval
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             logrus.StandardLogger(),
		maxTries:        3,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session 当前会话的副本，未登录时返回 nil
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// SetSession 恢复已保存的会话
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		c.session = nil
		return
	}
	copied := *s
	c.session = &copied
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// envelope 服务端统一返回格式
type envelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	PageInfo *PageInfo       `json:"page_info"`
}

// PageInfo 分页信息
type PageInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// call 发送需要认证的请求。401 时用刷新令牌换一次新令牌并重试一次，仍失败则清空会话
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) (*envelope, error) {
	token := c.accessToken()
	env, err := c.send(ctx, method, path, token, body)
	if err == nil {
		return env, decodeData(env, out)
	}
	if !IsAuth(err) || token == "" {
		return nil, err
	}

	if refreshErr := c.refreshAfter(ctx, token); refreshErr != nil {
		return nil, refreshErr
	}
	env, err = c.send(ctx, method, path, c.accessToken(), body)
	if err != nil {
		if IsAuth(err) {
			c.expire()
		}
		return nil, err
	}
	return env, decodeData(env, out)
}

// refreshAfter 刷新令牌。并发请求同时遇到401时只刷新一次
func (c *Client) refreshAfter(ctx context.Context, failedToken string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "session expired"}
	}
	// 其它请求已经刷新过
	if session.AccessToken != failedToken {
		return nil
	}
	if session.RefreshToken == "" {
		c.expire()
		return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "session expired"}
	}

	var refreshed struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	env, err := c.send(ctx, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": session.RefreshToken})
	if err == nil {
		err = decodeData(env, &refreshed)
	}
	if err != nil {
		if IsAuth(err) || KindOf(err) == KindValidation {
			c.expire()
			return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: "session expired", Err: err}
		}
		return err
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.AccessToken = refreshed.AccessToken
		c.session.ExpiresAt = time.Unix(refreshed.ExpiresAt, 0)
	}
	c.mu.Unlock()
	c.log.Debug("access token refreshed")
	return nil
}

// expire 清空会话并通知调用方重新登录
func (c *Client) expire() {
	c.clearSession()
	if c.onSessionExpired != nil {
		c.onSessionExpired()
	}
}

// send 发送一次请求。GET 对网络错误和5xx做指数退避重试
func (c *Client) send(ctx context.Context, method, path, token string, body interface{}) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Message: "encode request body", Err: err}
		}
	}

	if method != http.MethodGet || c.maxTries <= 1 {
		return c.roundTrip(ctx, method, path, token, payload)
	}

	operation := func() (*envelope, error) {
		env, err := c.roundTrip(ctx, method, path, token, payload)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return env, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialInterval
	bo.MaxInterval = c.maxInterval
	env, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.WithError(err).WithField("path", path).WithField("wait", wait).Debug("retrying request")
		}),
	)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindNetwork, Message: "request cancelled", Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	return env, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, payload []byte) (*envelope, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	env := &envelope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, env); err != nil && resp.StatusCode < 400 {
			return nil, &Error{Kind: KindServer, Status: resp.StatusCode, Message: "invalid response body", Err: err}
		}
	}
	if resp.StatusCode >= 400 {
		message := env.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: message}
	}
	return env, nil
}

func decodeData(env *envelope, out interface{}) error {
	if out == nil || env == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindServer, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

// track 记录客户端审计日志
func (c *Client) track(ctx context.Context, action, description, target string, metadata map[string]interface{}) {
	if c.audit == nil {
		return
	}
	event := auditlog.Event{
		Action:      action,
		Description: description,
		Target:      target,
		Metadata:    metadata,
	}
	if s := c.Session(); s != nil {
		event.OrganizationID = s.OrganizationID
		event.UserID = s.UserID
		event.User = s.Email
	}
	c.audit.Track(ctx, event)
}

func (c *Client) notify(level, message string) {
	if c.notifier != nil {
		c.notifier.Notify(Notification{Level: level, Message: message})
	}
}
