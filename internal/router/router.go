package router

import (
	"upliftcs/internal/handlers"
	"upliftcs/internal/middleware"
	"upliftcs/internal/models"
	"upliftcs/internal/services"
	"upliftcs/internal/ws"
	"upliftcs/pkg/auditlog"
	"upliftcs/pkg/config"
	"upliftcs/pkg/jwt"
	"upliftcs/pkg/logger"
	"upliftcs/pkg/metrics"
	"upliftcs/pkg/queue"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Dependencies 路由需要的外部依赖，可选项为空时使用默认实现
type Dependencies struct {
	Config *config.Config
	DB     *gorm.DB
	JWT    *jwt.JWTManager

	Redis        *queue.RedisStore            // 可选
	Metrics      *metrics.Metrics             // 可选，为空时不采集
	Hub          *ws.Hub                      // 可选
	Engine       *services.PlaybookEngine     // 可选，与调度器共享时由调用方传入
	Integrations *services.IntegrationService // 可选
	Audit        *auditlog.Logger             // 可选
	AuditStore   *services.AuditService       // 可选
}

// SetupRouter 设置路由
func SetupRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.fill(); err != nil {
		return nil, err
	}

	router := gin.New()

	// 中间件
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS(deps.Config.CORS))
	if deps.Metrics != nil {
		router.Use(middleware.Metrics(deps.Metrics))
	}

	registerRoutes(router, deps)
	return router, nil
}

// fill 补齐可选依赖
func (d *Dependencies) fill() error {
	if d.Hub == nil {
		d.Hub = ws.NewHub(d.Redis)
	}
	if d.Engine == nil {
		d.Engine = services.NewPlaybookEngine(d.DB).WithEvents(d.Hub)
		if d.Metrics != nil {
			d.Engine.WithRecorder(d.Metrics)
		}
	}
	if d.Integrations == nil {
		integrations, err := services.NewIntegrationService(d.DB, d.Config.Integration.EncryptionKey)
		if err != nil {
			return err
		}
		d.Integrations = integrations
	}
	if d.AuditStore == nil {
		d.AuditStore = services.NewAuditService(d.DB)
	}
	if d.Audit == nil {
		var mirror auditlog.Mirror
		if d.Redis != nil {
			mirror = auditlog.NewRedisMirror(d.Redis, auditlog.DefaultMirrorCapacity)
		}
		var opts []auditlog.Option
		if d.Metrics != nil {
			opts = append(opts, auditlog.WithObserver(d.Metrics))
		}
		d.Audit = auditlog.New(d.AuditStore, mirror, logger.GetLogger(), opts...)
	}
	return nil
}

// 注册所有路由
func registerRoutes(router *gin.Engine, deps Dependencies) {
	db := deps.DB

	userService := services.NewUserService(db)
	orgService := services.NewOrganizationService(db)
	authService := services.NewAuthService(db, deps.JWT)
	customerService := services.NewCustomerService(db, services.NewHealthScoringEngine())
	if deps.Metrics != nil {
		customerService.WithRecorder(deps.Metrics)
	}
	playbookService := services.NewPlaybookService(db)

	auth := middleware.NewAuthMiddleware(userService, deps.JWT)
	// viewer 只读，写操作需要 admin 或 user
	canWrite := auth.RequireRoles(models.RoleAdmin, models.RoleUser)
	adminOnly := auth.RequireAdmin()

	if deps.Config.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")

	// 健康检查接口
	systemHandler := handlers.NewSystemHandler(db, deps.Redis)
	api.GET("/health", systemHandler.Health)
	api.GET("/ping", systemHandler.Ping)

	// 认证（登录、注册、刷新无需认证）
	authHandler := handlers.NewAuthHandler(authService, deps.Audit)
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.RefreshToken)
		authGroup.GET("/me", auth.RequireLogin(), authHandler.Me)
		authGroup.POST("/logout", auth.RequireLogin(), authHandler.Logout)
		authGroup.POST("/change-password", auth.RequireLogin(), authHandler.ChangePassword)
	}

	// 组织管理（仅管理员）
	adminHandler := handlers.NewAdminHandler(userService, orgService, deps.AuditStore, deps.Audit)
	admin := api.Group("/admin", auth.RequireLogin(), adminOnly)
	{
		admin.GET("/users", adminHandler.ListUsers)
		admin.POST("/users", adminHandler.InviteUser)
		admin.POST("/users/bulk-deactivate", adminHandler.BulkDeactivate)
		admin.GET("/users/:id", adminHandler.GetUser)
		admin.PUT("/users/:id", adminHandler.UpdateUser)
		admin.DELETE("/users/:id", adminHandler.DeactivateUser)
		admin.POST("/users/:id/activate", adminHandler.ActivateUser)

		admin.GET("/organization", adminHandler.GetOrganization)
		admin.PUT("/organization", adminHandler.UpdateOrganization)
		admin.PUT("/organization/plan", adminHandler.ChangePlan)
		admin.GET("/plans", adminHandler.Plans)
		admin.GET("/stats", adminHandler.Stats)

		admin.GET("/audit-logs", adminHandler.ListAuditLogs)
		admin.POST("/audit-logs", adminHandler.CreateAuditLog)
	}

	// 套餐与订阅（查看需登录，变更需管理员）
	billingHandler := handlers.NewBillingHandler(orgService, deps.Audit)
	billing := api.Group("/billing", auth.RequireLogin())
	{
		billing.GET("/plans", billingHandler.Plans)
		billing.GET("/subscription", billingHandler.Subscription)
		billing.GET("/usage", billingHandler.Usage)
		billing.GET("/limits", billingHandler.Limits)
		billing.POST("/upgrade", adminOnly, billingHandler.Upgrade)
		billing.POST("/downgrade", adminOnly, billingHandler.Downgrade)
		billing.POST("/cancel", adminOnly, billingHandler.Cancel)
		billing.POST("/reactivate", adminOnly, billingHandler.Reactivate)
		billing.POST("/trial/extend", adminOnly, billingHandler.ExtendTrial)
		billing.POST("/activate", adminOnly, billingHandler.Activate)
	}

	// 客户
	customerHandler := handlers.NewCustomerHandler(customerService, deps.Engine)
	customers := api.Group("/customers", auth.RequireLogin())
	{
		customers.GET("", customerHandler.List)
		customers.POST("", canWrite, customerHandler.Create)
		customers.GET("/dashboard", customerHandler.Dashboard)
		customers.PUT("/actions/:action_id", canWrite, customerHandler.UpdateAction)
		customers.GET("/:id", customerHandler.Get)
		customers.PUT("/:id", canWrite, customerHandler.Update)
		customers.POST("/:id/activities", canWrite, customerHandler.AddActivity)
		customers.GET("/:id/health", customerHandler.Health)
		customers.POST("/:id/health", canWrite, customerHandler.RecomputeHealth)
		customers.GET("/:id/actions", customerHandler.ListActions)
		customers.POST("/:id/actions", canWrite, customerHandler.CreateAction)
		customers.GET("/:id/executions", customerHandler.ActiveExecutions)
	}

	// 剧本
	playbookHandler := handlers.NewPlaybookHandler(playbookService, deps.Engine, deps.Audit)
	playbooks := api.Group("/playbooks", auth.RequireLogin())
	{
		playbooks.GET("", playbookHandler.List)
		playbooks.POST("", canWrite, playbookHandler.Create)
		playbooks.GET("/performance", playbookHandler.OverallPerformance)
		playbooks.POST("/defaults", canWrite, playbookHandler.InitializeDefaults)
		playbooks.POST("/evaluate", canWrite, playbookHandler.Evaluate)
		playbooks.POST("/execute-pending", adminOnly, playbookHandler.ExecutePending)

		playbooks.GET("/executions", playbookHandler.ListExecutions)
		playbooks.GET("/executions/:id", playbookHandler.GetExecution)
		playbooks.POST("/executions/:id/pause", canWrite, playbookHandler.PauseExecution)
		playbooks.POST("/executions/:id/resume", canWrite, playbookHandler.ResumeExecution)

		playbooks.GET("/:id", playbookHandler.Get)
		playbooks.PUT("/:id", canWrite, playbookHandler.Update)
		playbooks.DELETE("/:id", canWrite, playbookHandler.Delete)
		playbooks.POST("/:id/trigger", canWrite, playbookHandler.Trigger)
		playbooks.GET("/:id/executions", playbookHandler.ListExecutions)
		playbooks.GET("/:id/performance", playbookHandler.Performance)
	}

	// 集成
	integrationHandler := handlers.NewIntegrationHandler(deps.Integrations, deps.Audit)
	integrations := api.Group("/integrations", auth.RequireLogin())
	{
		integrations.GET("/platforms", integrationHandler.Platforms)
		integrations.GET("", integrationHandler.Status)
		integrations.POST("", adminOnly, integrationHandler.Add)
		integrations.POST("/notify", canWrite, integrationHandler.Notify)
		integrations.DELETE("/:platform", adminOnly, integrationHandler.Remove)
		integrations.POST("/:platform/test", adminOnly, integrationHandler.Test)
		integrations.GET("/:platform/health", integrationHandler.Health)
	}

	// 入站 webhook，以 URL token 认证
	api.POST("/webhooks/:token", integrationHandler.Webhook)

	// 执行事件推送
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.JWT, userService, deps.Config.CORS.AllowOrigins)
	api.GET("/ws/executions", wsHandler.ExecutionEvents)
}
