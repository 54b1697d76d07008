package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/jwt"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// AuthService 注册、登录与令牌刷新
type AuthService struct {
	db         *gorm.DB
	jwtManager *jwt.JWTManager
	now        func() time.Time
}

func NewAuthService(db *gorm.DB, jwtManager *jwt.JWTManager) *AuthService {
	return &AuthService{
		db:         db,
		jwtManager: jwtManager,
		now:        time.Now,
	}
}

// RegisterInput 注册参数
type RegisterInput struct {
	Email            string
	Password         string
	Name             string
	OrganizationName string
	PlanTier         string
}

// AuthResult 登录/注册结果
type AuthResult struct {
	Tokens       *jwt.TokenPair
	User         *models.User
	Organization *models.Organization
}

// Register 创建组织和首个管理员
func (s *AuthService) Register(in RegisterInput) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	tier := in.PlanTier
	if tier == "" {
		tier = models.PlanStarter
	}
	if !models.IsValidPlanTier(tier) {
		return nil, ErrInvalidPlan
	}

	var emailCount int64
	if err := s.db.Model(&models.User{}).Where("email = ?", email).Count(&emailCount).Error; err != nil {
		return nil, fmt.Errorf("检查邮箱失败: %w", err)
	}
	if emailCount > 0 {
		return nil, ErrEmailExists
	}

	now := s.now()
	trialEnds := now.AddDate(0, 0, models.TrialDays)
	org := &models.Organization{
		Name:               strings.TrimSpace(in.OrganizationName),
		IsActive:           true,
		IsTrial:            true,
		TrialEndsAt:        &trialEnds,
		SubscriptionStatus: models.SubscriptionTrial,
		BillingEmail:       email,
		UserCount:          1,
	}
	org.ApplyPlan(tier)

	user := &models.User{
		Email:    email,
		Name:     strings.TrimSpace(in.Name),
		Role:     models.RoleAdmin,
		IsActive: true,
	}
	if err := user.SetPassword(in.Password); err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		orgSlug, err := uniqueSlug(tx, org.Name)
		if err != nil {
			return err
		}
		org.Slug = orgSlug
		if err := tx.Create(org).Error; err != nil {
			return fmt.Errorf("创建组织失败: %w", err)
		}
		user.OrganizationID = org.ID
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("创建用户失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tokens, err := s.jwtManager.GenerateTokenPair(user.ID, org.ID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("生成Token失败: %w", err)
	}
	user.Organization = org
	return &AuthResult{Tokens: tokens, User: user, Organization: org}, nil
}

// Login 校验凭证并签发令牌对。未知邮箱和错误密码返回同一个错误
func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	var user models.User
	err := s.db.Preload("Organization").Where("email = ?", normalizeEmail(email)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.CheckPassword(password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserDeactivated
	}

	now := s.now()
	if err := s.db.Model(&user).Update("last_login", now).Error; err != nil {
		return nil, fmt.Errorf("更新登录时间失败: %w", err)
	}
	user.LastLogin = &now

	tokens, err := s.jwtManager.GenerateTokenPair(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("生成Token失败: %w", err)
	}
	return &AuthResult{Tokens: tokens, User: &user, Organization: user.Organization}, nil
}

// Refresh 用刷新令牌换新的访问令牌，角色以数据库为准
func (s *AuthService) Refresh(refreshToken string) (string, time.Time, error) {
	claims, err := s.jwtManager.VerifyRefreshToken(refreshToken)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}

	var user models.User
	if err := s.db.First(&user, claims.UserID).Error; err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if !user.IsActive {
		return "", time.Time{}, ErrInvalidToken
	}

	token, expiresAt, err := s.jwtManager.GenerateAccessToken(user.ID, user.OrganizationID, user.Email, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("生成Token失败: %w", err)
	}
	return token, expiresAt, nil
}

// Me 当前用户及其组织
func (s *AuthService) Me(userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.Preload("Organization").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ChangePassword 修改密码，需要校验当前密码
func (s *AuthService) ChangePassword(userID uint, currentPassword, newPassword string) error {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !user.CheckPassword(currentPassword) {
		return ErrWrongPassword
	}
	if err := user.SetPassword(newPassword); err != nil {
		return fmt.Errorf("密码加密失败: %w", err)
	}
	return s.db.Model(&user).Update("password_hash", user.PasswordHash).Error
}

// uniqueSlug 由组织名生成唯一的 slug
func uniqueSlug(tx *gorm.DB, name string) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "org"
	}
	candidate := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&models.Organization{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
