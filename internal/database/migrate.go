package database

import (
	"upliftcs/internal/models"
	"upliftcs/pkg/logger"

	"gorm.io/gorm"
)

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{
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
	}
}

// Migrate 执行数据库迁移
func Migrate(db *gorm.DB) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	if err := db.AutoMigrate(Models()...); err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	// 计费字段是后加的，老数据按套餐补齐默认值
	backfilled, err := BackfillPlanDefaults(db)
	if err != nil {
		appLogger.Errorf("Plan backfill failed: %v", err)
		return err
	}
	if backfilled > 0 {
		appLogger.WithField("organizations", backfilled).Info("Backfilled plan defaults")
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}

// BackfillPlanDefaults 价格或限额为空的组织按 plan_tier 补齐，返回更新的行数
func BackfillPlanDefaults(db *gorm.DB) (int, error) {
	var orgs []models.Organization
	err := db.Where("monthly_price IS NULL OR monthly_price = 0 OR customer_limit IS NULL OR customer_limit = 0 OR user_limit IS NULL OR user_limit = 0 OR plan_tier IS NULL OR plan_tier = ''").
		Find(&orgs).Error
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range orgs {
		org := &orgs[i]
		plan := models.GetPlanDetails(org.PlanTier)
		updates := map[string]interface{}{
			"plan_tier":      plan.Tier,
			"monthly_price":  plan.Price,
			"customer_limit": plan.CustomerLimit,
			"user_limit":     plan.UserLimit,
		}
		if org.SubscriptionStatus == "" {
			updates["subscription_status"] = models.SubscriptionTrial
		}
		if err := db.Model(org).Updates(updates).Error; err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
