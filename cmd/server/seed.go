package main

import (
	"errors"
	"fmt"
	"time"

	"upliftcs/internal/models"
	"upliftcs/internal/services"
	"upliftcs/pkg/config"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/logger"

	"gorm.io/gorm"
)

// demoCustomers 演示组织的客户
var demoCustomers = []services.CreateCustomerInput{
	{ExternalID: "demo-001", Name: "Northwind Traders", Email: "ops@northwind.example", Company: "Northwind", PlanType: "growth", MRR: 1200, OnboardingCompleted: true, FeatureAdoptionRate: 82},
	{ExternalID: "demo-002", Name: "Globex", Email: "it@globex.example", Company: "Globex Corp", PlanType: "starter", MRR: 300, FeatureAdoptionRate: 18},
	{ExternalID: "demo-003", Name: "Initech", Email: "admin@initech.example", Company: "Initech", PlanType: "enterprise", MRR: 4800, OnboardingCompleted: true, FeatureAdoptionRate: 55},
}

// seedDemo 创建演示组织、管理员、默认剧本和客户。管理员已存在时跳过
func seedDemo(db *gorm.DB, jwtManager *jwt.JWTManager, cfg config.SeedConfig) error {
	appLogger := logger.GetLogger()

	var count int64
	if err := db.Model(&models.User{}).Where("email = ?", cfg.AdminEmail).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		appLogger.Info("演示管理员已存在，跳过种子数据")
		return nil
	}

	result, err := services.NewAuthService(db, jwtManager).Register(services.RegisterInput{
		Email:            cfg.AdminEmail,
		Password:         cfg.AdminPassword,
		Name:             "Demo Admin",
		OrganizationName: "UpliftCS Demo",
		PlanTier:         models.PlanGrowth,
	})
	if err != nil {
		return fmt.Errorf("创建演示组织失败: %w", err)
	}
	orgID := result.Organization.ID

	created, err := services.NewPlaybookService(db).InitializeDefaults(orgID)
	if err != nil {
		return fmt.Errorf("初始化默认剧本失败: %w", err)
	}

	customers := services.NewCustomerService(db, services.NewHealthScoringEngine())
	for _, in := range demoCustomers {
		customer, err := customers.Create(orgID, in)
		if errors.Is(err, services.ErrExternalIDExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("创建演示客户 %s 失败: %w", in.Name, err)
		}
		if in.OnboardingCompleted {
			if _, err := customers.AddActivity(orgID, customer.ID, models.ActivityLogin, map[string]interface{}{
				"source": "seed",
				"at":     time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				return fmt.Errorf("写入演示活动失败: %w", err)
			}
		}
	}

	appLogger.WithField("organization_id", orgID).
		Infof("演示数据初始化完成：%d 个默认剧本，%d 个客户", created, len(demoCustomers))
	return nil
}
