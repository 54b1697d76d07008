package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"upliftcs/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// UserFilter 用户列表过滤条件
type UserFilter struct {
	Role     string
	IsActive *bool
	Keyword  string
}

// InviteInput 邀请成员参数
type InviteInput struct {
	Email string
	Name  string
	Role  string
}

// UpdateUserInput 可修改的字段，nil 表示不修改
type UpdateUserInput struct {
	Name     *string
	Role     *string
	IsActive *bool
}

// BulkFailure 批量操作中失败的一项
type BulkFailure struct {
	UserID uint   `json:"user_id"`
	Error  string `json:"error"`
}

// BulkResult 批量停用的汇总结果
type BulkResult struct {
	Requested int           `json:"requested"`
	Succeeded []uint        `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// UserStats 用户统计
type UserStats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
	Admins   int64 `json:"admins"`
	Viewers  int64 `json:"viewers"`
}

// ========== 基础CRUD方法 ==========

// List 组织内用户（分页）
func (s *UserService) List(orgID uint, filter UserFilter, page, pageSize int) ([]models.User, int64, error) {
	var users []models.User
	var total int64

	query := s.db.Model(&models.User{}).Where("organization_id = ?", orgID)
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	if filter.Keyword != "" {
		searchPattern := fmt.Sprintf("%%%s%%", strings.ToLower(filter.Keyword))
		query = query.Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ?", searchPattern, searchPattern)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(pageSize).Find(&users).Error
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Get 组织内按ID获取用户
func (s *UserService) Get(orgID, id uint) (*models.User, error) {
	var user models.User
	err := s.db.Where("id = ? AND organization_id = ?", id, orgID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// Invite 创建成员并返回临时密码
func (s *UserService) Invite(orgID uint, in InviteInput) (*models.User, string, error) {
	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	if !models.IsValidRole(role) {
		return nil, "", ErrInvalidRole
	}

	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, "", err
	}
	var org models.Organization
	if err := s.db.First(&org, orgID).Error; err != nil {
		return nil, "", ErrOrganizationNotFound
	}
	if !org.CanAddUser() {
		return nil, "", ErrUserLimitReached
	}

	email := normalizeEmail(in.Email)
	var emailCount int64
	if err := s.db.Model(&models.User{}).Where("email = ?", email).Count(&emailCount).Error; err != nil {
		return nil, "", fmt.Errorf("检查邮箱失败: %w", err)
	}
	if emailCount > 0 {
		return nil, "", ErrEmailExists
	}

	tempPassword := temporaryPassword()
	user := &models.User{
		OrgScoped: models.OrgScoped{OrganizationID: orgID},
		Email:     email,
		Name:      strings.TrimSpace(in.Name),
		Role:      role,
		IsActive:  true,
	}
	if err := user.SetPassword(tempPassword); err != nil {
		return nil, "", fmt.Errorf("密码加密失败: %w", err)
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, "", fmt.Errorf("创建用户失败: %w", err)
	}
	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, "", err
	}
	return user, tempPassword, nil
}

// Update 修改成员，不允许修改自己
func (s *UserService) Update(orgID, actorID, id uint, in UpdateUserInput) (*models.User, error) {
	user, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}
	if user.ID == actorID {
		return nil, ErrCannotModifySelf
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Role != nil {
		if !models.IsValidRole(*in.Role) {
			return nil, ErrInvalidRole
		}
		updates["role"] = *in.Role
	}
	if in.IsActive != nil {
		if *in.IsActive && !user.IsActive {
			if err := s.ensureUserSeat(orgID); err != nil {
				return nil, err
			}
		}
		updates["is_active"] = *in.IsActive
	}
	if len(updates) == 0 {
		return user, nil
	}
	if err := s.db.Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新用户失败: %w", err)
	}
	if in.IsActive != nil {
		if err := refreshUsageCounts(s.db, orgID); err != nil {
			return nil, err
		}
	}
	return s.Get(orgID, id)
}

// Deactivate 软删除：只把 is_active 置为 false
func (s *UserService) Deactivate(orgID, actorID, id uint) error {
	user, err := s.Get(orgID, id)
	if err != nil {
		return err
	}
	if user.ID == actorID {
		return ErrCannotDeactivateSelf
	}
	if err := s.db.Model(user).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("停用用户失败: %w", err)
	}
	return refreshUsageCounts(s.db, orgID)
}

// Activate 重新启用，占用一个席位
func (s *UserService) Activate(orgID, actorID, id uint) (*models.User, error) {
	user, err := s.Get(orgID, id)
	if err != nil {
		return nil, err
	}
	if user.ID == actorID {
		return nil, ErrCannotModifySelf
	}
	if user.IsActive {
		return user, nil
	}
	if err := s.ensureUserSeat(orgID); err != nil {
		return nil, err
	}
	if err := s.db.Model(user).Update("is_active", true).Error; err != nil {
		return nil, fmt.Errorf("启用用户失败: %w", err)
	}
	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return nil, err
	}
	user.IsActive = true
	return user, nil
}

// BulkDeactivate 每个ID单独停用，并发执行后汇总
func (s *UserService) BulkDeactivate(orgID, actorID uint, ids []uint) *BulkResult {
	return RunBulk(ids, func(id uint) error {
		return s.Deactivate(orgID, actorID, id)
	})
}

// RunBulk 对每个ID并发执行一次 op，全部完成后返回汇总
func RunBulk(ids []uint, op func(id uint) error) *BulkResult {
	result := &BulkResult{
		Requested: len(ids),
		Succeeded: []uint{},
		Failed:    []BulkFailure{},
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			err := op(id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BulkFailure{UserID: id, Error: err.Error()})
				return
			}
			result.Succeeded = append(result.Succeeded, id)
		}(id)
	}
	wg.Wait()

	sort.Slice(result.Succeeded, func(i, j int) bool { return result.Succeeded[i] < result.Succeeded[j] })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].UserID < result.Failed[j].UserID })
	return result
}

// Stats 用户统计
func (s *UserService) Stats(orgID uint) (*UserStats, error) {
	stats := &UserStats{}
	base := func() *gorm.DB {
		return s.db.Model(&models.User{}).Where("organization_id = ?", orgID)
	}
	if err := base().Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := base().Where("is_active = ?", true).Count(&stats.Active).Error; err != nil {
		return nil, err
	}
	if err := base().Where("role = ?", models.RoleAdmin).Count(&stats.Admins).Error; err != nil {
		return nil, err
	}
	if err := base().Where("role = ?", models.RoleViewer).Count(&stats.Viewers).Error; err != nil {
		return nil, err
	}
	stats.Inactive = stats.Total - stats.Active
	return stats, nil
}

// RecentUsers 最近创建的成员
func (s *UserService) RecentUsers(orgID uint, limit int) ([]models.User, error) {
	var users []models.User
	err := s.db.Where("organization_id = ?", orgID).Order("created_at DESC").Limit(limit).Find(&users).Error
	return users, err
}

// RecentLogins 最近登录的成员
func (s *UserService) RecentLogins(orgID uint, limit int) ([]models.User, error) {
	var users []models.User
	err := s.db.Where("organization_id = ? AND last_login IS NOT NULL", orgID).
		Order("last_login DESC").Limit(limit).Find(&users).Error
	return users, err
}

func (s *UserService) ensureUserSeat(orgID uint) error {
	if err := refreshUsageCounts(s.db, orgID); err != nil {
		return err
	}
	var org models.Organization
	if err := s.db.First(&org, orgID).Error; err != nil {
		return ErrOrganizationNotFound
	}
	if !org.CanAddUser() {
		return ErrUserLimitReached
	}
	return nil
}

func temporaryPassword() string {
	return "Tmp-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
