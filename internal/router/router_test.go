package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"upliftcs/internal/database"
	"upliftcs/pkg/config"
	"upliftcs/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type envelope struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	PageInfo *struct {
		Total int64 `json:"total"`
	} `json:"page_info"`
}

type testServer struct {
	t      *testing.T
	db     *gorm.DB
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		Integration: config.IntegrationConfig{EncryptionKey: "0123456789abcdef0123456789abcdef"},
		CORS: config.CORSConfig{
			AllowOrigins: []string{"http://localhost:5173"},
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Authorization", "Content-Type"},
		},
	}
	engine, err := SetupRouter(Dependencies{
		Config: cfg,
		DB:     db,
		JWT:    jwt.NewJWTManager("router-test-secret", time.Hour, 24*time.Hour),
	})
	require.NoError(t, err)
	return &testServer{t: t, db: db, engine: engine}
}

func (s *testServer) do(method, path, token string, body interface{}) (int, envelope) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, out))
}

type loginData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID   uint   `json:"id"`
		Role string `json:"role"`
	} `json:"user"`
	Organization struct {
		ID            uint   `json:"id"`
		PlanTier      string `json:"plan_tier"`
		CustomerLimit int    `json:"customer_limit"`
	} `json:"organization"`
}

func (s *testServer) register(email, tier string) loginData {
	s.t.Helper()
	status, env := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"email":             email,
		"password":          "Secret123!",
		"name":              "Admin",
		"organization_name": "Org " + email,
		"plan_tier":         tier,
	})
	require.Equal(s.t, http.StatusCreated, status, env.Message)
	var data loginData
	decode(s.t, env, &data)
	return data
}

func (s *testServer) login(email, password string) (int, loginData) {
	s.t.Helper()
	status, env := s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": email, "password": password})
	var data loginData
	if status == http.StatusOK {
		decode(s.t, env, &data)
	}
	return status, data
}

func TestLoginRefreshAndMe(t *testing.T) {
	s := newTestServer(t)
	registered := s.register("owner@acme.io", "growth")
	assert.Equal(t, "admin", registered.User.Role)
	assert.Equal(t, 300, registered.Organization.CustomerLimit)

	status, session := s.login("owner@acme.io", "Secret123!")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, "admin", session.User.Role)

	status, env := s.do(http.MethodGet, "/api/auth/me", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var me struct {
		Email          string `json:"email"`
		OrganizationID uint   `json:"organization_id"`
	}
	decode(t, env, &me)
	assert.Equal(t, "owner@acme.io", me.Email)
	assert.Equal(t, registered.Organization.ID, me.OrganizationID)

	// 刷新令牌不能直接访问接口
	status, _ = s.do(http.MethodGet, "/api/auth/me", session.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env = s.do(http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": session.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, env, &refreshed)
	status, _ = s.do(http.MethodGet, "/api/auth/me", refreshed.AccessToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = s.do(http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": session.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 401, env.Code)
}

func TestLoginRejections(t *testing.T) {
	s := newTestServer(t)
	s.register("owner@acme.io", "starter")

	status, env := s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "owner@acme.io", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid email or password", env.Message)

	status, env = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "nobody@acme.io", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid email or password", env.Message)

	status, env = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "email is required", env.Message)

	status, _ = s.do(http.MethodGet, "/api/admin/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.do(http.MethodGet, "/api/admin/users", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestViewerIsReadOnlyAndCannotAdminister(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "starter")

	status, env := s.do(http.MethodPost, "/api/admin/users", admin.AccessToken, gin.H{
		"email": "viewer@acme.io", "name": "Viewer", "role": "viewer",
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var invited struct {
		TemporaryPassword string `json:"temporary_password"`
	}
	decode(t, env, &invited)
	require.NotEmpty(t, invited.TemporaryPassword)

	status, viewer := s.login("viewer@acme.io", invited.TemporaryPassword)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "viewer", viewer.User.Role)

	status, _ = s.do(http.MethodGet, "/api/admin/users", viewer.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(http.MethodGet, "/api/customers", viewer.AccessToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(http.MethodPost, "/api/customers", viewer.AccessToken, gin.H{"external_id": "c-1", "name": "Globex"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(http.MethodPut, "/api/admin/organization/plan", viewer.AccessToken, gin.H{"plan_tier": "growth"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestDeactivateKeepsUserAndBlocksLogin(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "enterprise")

	ids := make([]uint, 0, 3)
	passwords := map[uint]string{}
	for i := 0; i < 3; i++ {
		status, env := s.do(http.MethodPost, "/api/admin/users", admin.AccessToken, gin.H{
			"email": fmt.Sprintf("member%d@acme.io", i), "name": "Member",
		})
		require.Equal(t, http.StatusCreated, status)
		var invited struct {
			User struct {
				ID uint `json:"id"`
			} `json:"user"`
			TemporaryPassword string `json:"temporary_password"`
		}
		decode(t, env, &invited)
		ids = append(ids, invited.User.ID)
		passwords[invited.User.ID] = invited.TemporaryPassword
	}

	status, _ := s.do(http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", ids[0]), admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)

	status, env := s.do(http.MethodGet, fmt.Sprintf("/api/admin/users/%d", ids[0]), admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var user struct {
		IsActive bool `json:"is_active"`
	}
	decode(t, env, &user)
	assert.False(t, user.IsActive)

	status, _ = s.login("member0@acme.io", passwords[ids[0]])
	assert.Equal(t, http.StatusForbidden, status)

	// 不能停用自己
	status, env = s.do(http.MethodDelete, fmt.Sprintf("/api/admin/users/%d", admin.User.ID), admin.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "cannot deactivate your own account", env.Message)

	status, env = s.do(http.MethodPost, "/api/admin/users/bulk-deactivate", admin.AccessToken, gin.H{
		"user_ids": []uint{ids[1], ids[2], admin.User.ID},
	})
	require.Equal(t, http.StatusOK, status)
	var bulk struct {
		Requested int    `json:"requested"`
		Succeeded []uint `json:"succeeded"`
		Failed    []struct {
			UserID uint `json:"user_id"`
		} `json:"failed"`
	}
	decode(t, env, &bulk)
	assert.Equal(t, 3, bulk.Requested)
	assert.ElementsMatch(t, []uint{ids[1], ids[2]}, bulk.Succeeded)
	require.Len(t, bulk.Failed, 1)
	assert.Equal(t, admin.User.ID, bulk.Failed[0].UserID)

	status, env = s.do(http.MethodGet, "/api/admin/users?is_active=false", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, env.PageInfo)
	assert.Equal(t, int64(3), env.PageInfo.Total)
}

func TestChangePlanRecalculatesLimits(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "starter")

	status, env := s.do(http.MethodPut, "/api/admin/organization/plan", admin.AccessToken, gin.H{"plan_tier": "enterprise"})
	require.Equal(t, http.StatusOK, status, env.Message)
	var result struct {
		Organization struct {
			PlanTier      string  `json:"plan_tier"`
			CustomerLimit int     `json:"customer_limit"`
			UserLimit     int     `json:"user_limit"`
			MonthlyPrice  float64 `json:"monthly_price"`
		} `json:"organization"`
		PreviousTier string `json:"previous_tier"`
	}
	decode(t, env, &result)
	assert.Equal(t, "enterprise", result.Organization.PlanTier)
	assert.Equal(t, 1000, result.Organization.CustomerLimit)
	assert.Equal(t, -1, result.Organization.UserLimit)
	assert.Equal(t, 5950.0, result.Organization.MonthlyPrice)
	assert.Equal(t, "starter", result.PreviousTier)

	status, _ = s.do(http.MethodPut, "/api/admin/organization/plan", admin.AccessToken, gin.H{"plan_tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, status)

	// 计划变更写入审计日志
	status, env = s.do(http.MethodGet, "/api/admin/audit-logs?action=plan_changed", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var logs []struct {
		Action   string `json:"action"`
		Severity string `json:"severity"`
	}
	decode(t, env, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "warning", logs[0].Severity)
}

func TestAuditLogEndpoints(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "starter")
	_, session := s.login("owner@acme.io", "Secret123!")

	status, env := s.do(http.MethodPost, "/api/admin/audit-logs", session.AccessToken, gin.H{
		"id":          "client-entry-1",
		"action":      "export_requested",
		"description": "Exported customers",
		"severity":    "info",
	})
	require.Equal(t, http.StatusCreated, status, env.Message)

	status, env = s.do(http.MethodGet, "/api/admin/audit-logs", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	var logs []struct {
		Action    string `json:"action"`
		UserEmail string `json:"user"`
	}
	decode(t, env, &logs)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
		assert.Equal(t, "owner@acme.io", l.UserEmail)
	}
	assert.Contains(t, actions, "login")
	assert.Contains(t, actions, "export_requested")

	status, _ = s.do(http.MethodPost, "/api/admin/audit-logs", session.AccessToken, gin.H{"description": "no action"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCustomerHealthAndPlaybookTrigger(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "growth")
	token := admin.AccessToken

	status, env := s.do(http.MethodPost, "/api/customers", token, gin.H{
		"external_id": "cust-1", "name": "Globex", "plan_type": "Enterprise", "mrr": 600,
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var customer struct {
		ID             uint    `json:"id"`
		HealthScore    float64 `json:"health_score"`
		ChurnRiskLevel string  `json:"churn_risk_level"`
	}
	decode(t, env, &customer)
	assert.Equal(t, 66.3, customer.HealthScore)
	assert.Equal(t, "medium", customer.ChurnRiskLevel)

	status, _ = s.do(http.MethodPost, "/api/customers", token, gin.H{"external_id": "cust-1", "name": "Dup"})
	assert.Equal(t, http.StatusConflict, status)

	status, env = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d/health", customer.ID), token, nil)
	require.Equal(t, http.StatusOK, status)
	var health struct {
		HealthBreakdown map[string]struct {
			Score  float64 `json:"score"`
			Weight float64 `json:"weight"`
		} `json:"health_breakdown"`
	}
	decode(t, env, &health)
	assert.Len(t, health.HealthBreakdown, 4)

	status, _ = s.do(http.MethodPost, fmt.Sprintf("/api/customers/%d/health", customer.ID), token, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(http.MethodGet, "/api/customers/999/health", token, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = s.do(http.MethodPost, "/api/playbooks", token, gin.H{
		"name":               "Check-in",
		"category":           "retention",
		"trigger_conditions": gin.H{"health_score": gin.H{"min": 0}},
		"steps": []gin.H{
			{"step_order": 1, "step_type": "task", "title": "Call customer"},
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var playbook struct {
		ID uint `json:"id"`
	}
	decode(t, env, &playbook)

	status, env = s.do(http.MethodPost, "/api/playbooks", token, gin.H{
		"name": "Broken", "category": "retention", "trigger_conditions": gin.H{"health_score": gin.H{"min": 0}},
		"steps": []gin.H{{"step_type": "sms", "title": "Text"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.Message, "step_type")

	status, env = s.do(http.MethodPost, fmt.Sprintf("/api/playbooks/%d/trigger", playbook.ID), token, gin.H{
		"customer_ids": []uint{customer.ID, 4242},
	})
	require.Equal(t, http.StatusOK, status, env.Message)
	var triggered struct {
		Executions []struct {
			ID uint `json:"id"`
		} `json:"executions"`
		Skipped int `json:"skipped"`
	}
	decode(t, env, &triggered)
	assert.Len(t, triggered.Executions, 1)
	assert.Equal(t, 1, triggered.Skipped)

	status, env = s.do(http.MethodGet, fmt.Sprintf("/api/playbooks/%d/executions", playbook.ID), token, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, env.PageInfo)
	assert.Equal(t, int64(1), env.PageInfo.Total)

	// 有运行中的执行时不能删除
	status, _ = s.do(http.MethodDelete, fmt.Sprintf("/api/playbooks/%d", playbook.ID), token, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, env = s.do(http.MethodGet, "/api/customers/dashboard", token, nil)
	require.Equal(t, http.StatusOK, status)
	var summary struct {
		TotalCustomers int64   `json:"total_customers"`
		TotalMRR       float64 `json:"total_mrr"`
	}
	decode(t, env, &summary)
	assert.Equal(t, int64(1), summary.TotalCustomers)
	assert.Equal(t, 600.0, summary.TotalMRR)
}

func TestOrganizationsAreIsolated(t *testing.T) {
	s := newTestServer(t)
	first := s.register("first@acme.io", "starter")
	second := s.register("second@globex.io", "starter")

	status, env := s.do(http.MethodPost, "/api/customers", first.AccessToken, gin.H{"external_id": "c-1", "name": "Only Mine"})
	require.Equal(t, http.StatusCreated, status)
	var customer struct {
		ID uint `json:"id"`
	}
	decode(t, env, &customer)

	status, _ = s.do(http.MethodGet, fmt.Sprintf("/api/customers/%d", customer.ID), second.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(http.MethodGet, fmt.Sprintf("/api/admin/users/%d", first.User.ID), second.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBillingEndpoints(t *testing.T) {
	s := newTestServer(t)
	admin := s.register("owner@acme.io", "starter")
	token := admin.AccessToken

	status, _ := s.do(http.MethodPost, "/api/billing/downgrade", token, gin.H{"plan_tier": "starter"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env := s.do(http.MethodPost, "/api/billing/upgrade", token, gin.H{"plan_tier": "growth"})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, _ = s.do(http.MethodPost, "/api/billing/reactivate", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(http.MethodPost, "/api/billing/cancel", token, gin.H{"immediate": false})
	require.Equal(t, http.StatusOK, status)

	status, env = s.do(http.MethodGet, "/api/billing/limits", token, nil)
	require.Equal(t, http.StatusOK, status)
	var limits struct {
		CanAddCustomer struct {
			Allowed bool `json:"allowed"`
		} `json:"can_add_customer"`
	}
	decode(t, env, &limits)
	assert.False(t, limits.CanAddCustomer.Allowed)

	status, _ = s.do(http.MethodPost, "/api/billing/reactivate", token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestWebhookAndHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(http.MethodPost, "/api/webhooks/unknown-token", "", gin.H{"type": "ping"})
	assert.Equal(t, http.StatusNotFound, status)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
