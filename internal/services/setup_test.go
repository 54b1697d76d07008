package services

import (
	"errors"
	"testing"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/jwt"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库只在单个连接内可见
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Customer{},
		&models.CustomerActivity{},
		&models.CSMAction{},
		&models.Playbook{},
		&models.PlaybookStep{},
		&models.PlaybookExecution{},
		&models.StepExecution{},
		&models.AuditLog{},
		&models.Integration{},
	))
	return db
}

func newTestJWT() *jwt.JWTManager {
	return jwt.NewJWTManager("test-secret", time.Hour, 24*time.Hour)
}

// registerOrg 注册一个组织及其管理员
func registerOrg(t *testing.T, db *gorm.DB, email, tier string) *AuthResult {
	t.Helper()
	auth := NewAuthService(db, newTestJWT())
	result, err := auth.Register(RegisterInput{
		Email:            email,
		Password:         "Secret123!",
		Name:             "Admin",
		OrganizationName: "Acme " + email,
		PlanTier:         tier,
	})
	require.NoError(t, err)
	return result
}

func newTestCustomerService(db *gorm.DB) *CustomerService {
	engine := NewHealthScoringEngine()
	engine.now = fixedClock
	svc := NewCustomerService(db, engine)
	svc.now = fixedClock
	return svc
}

func newTestEngine(db *gorm.DB) *PlaybookEngine {
	engine := NewPlaybookEngine(db)
	engine.now = fixedClock
	return engine
}

// failQueriesOn 让指定表上的查询（含 Count）返回错误
func failQueriesOn(t *testing.T, db *gorm.DB, table string) {
	t.Helper()
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(errors.New("database unavailable"))
		}
	}))
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(v int) *int { return &v }
