package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"upliftcs/internal/database"
	"upliftcs/internal/models"
	"upliftcs/internal/services"
	"upliftcs/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type authFixture struct {
	router  *gin.Engine
	jwt     *jwt.JWTManager
	users   *services.UserService
	admin   *services.AuthResult
	viewer  *models.User
	viewerT *jwt.TokenPair
}

func newAuthFixture(t *testing.T) *authFixture {
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

	jm := jwt.NewJWTManager("middleware-secret", time.Hour, 24*time.Hour)
	admin, err := services.NewAuthService(db, jm).Register(services.RegisterInput{
		Email:            "owner@acme.io",
		Password:         "Secret123!",
		Name:             "Owner",
		OrganizationName: "Acme",
		PlanTier:         models.PlanGrowth,
	})
	require.NoError(t, err)

	users := services.NewUserService(db)
	viewer, _, err := users.Invite(admin.Organization.ID, services.InviteInput{
		Email: "viewer@acme.io",
		Name:  "Viewer",
		Role:  models.RoleViewer,
	})
	require.NoError(t, err)
	viewerTokens, err := jm.GenerateTokenPair(viewer.ID, viewer.OrganizationID, viewer.Email, viewer.Role)
	require.NoError(t, err)

	m := NewAuthMiddleware(users, jm)
	r := gin.New()
	whoami := func(c *gin.Context) {
		c.String(http.StatusOK, CurrentUser(c).Email)
	}
	r.GET("/read", m.RequireLogin(), whoami)
	r.POST("/write", m.RequireLogin(), m.RequireRoles(models.RoleAdmin, models.RoleUser), whoami)
	r.DELETE("/admin", m.RequireLogin(), m.RequireAdmin(), whoami)

	return &authFixture{router: r, jwt: jm, users: users, admin: admin, viewer: viewer, viewerT: viewerTokens}
}

func (f *authFixture) do(method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRequireLoginRejectsBadCredentials(t *testing.T) {
	f := newAuthFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/read", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/read", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/read", "Bearer not-a-jwt").Code)

	// 刷新令牌不能当访问令牌用
	w := f.do(http.MethodGet, "/read", "Bearer "+f.viewerT.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 组织不匹配的令牌找不到用户
	foreign, _, err := f.jwt.GenerateAccessToken(f.viewer.ID, f.viewer.OrganizationID+100, f.viewer.Email, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/read", "Bearer "+foreign).Code)
}

func TestRoleGating(t *testing.T) {
	f := newAuthFixture(t)
	viewer := "Bearer " + f.viewerT.AccessToken
	admin := "Bearer " + f.admin.Tokens.AccessToken

	w := f.do(http.MethodGet, "/read", viewer)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "viewer@acme.io", w.Body.String())

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/write", viewer).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/admin", viewer).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/write", admin).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/admin", admin).Code)
}

func TestRoleComesFromDatabase(t *testing.T) {
	f := newAuthFixture(t)
	viewer := "Bearer " + f.viewerT.AccessToken

	// 令牌里仍是 viewer，数据库里已提升为 user
	role := models.RoleUser
	_, err := f.users.Update(f.admin.Organization.ID, f.admin.User.ID, f.viewer.ID, services.UpdateUserInput{Role: &role})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/write", viewer).Code)

	require.NoError(t, f.users.Deactivate(f.admin.Organization.ID, f.admin.User.ID, f.viewer.ID))
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/read", viewer).Code)
}
