package services

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"upliftcs/internal/models"
	"upliftcs/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefaultSlackChannel 未指定频道时的默认频道
const DefaultSlackChannel = "#general"

// HTTPDoer 发送外部请求，默认使用 http.Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type IntegrationService struct {
	db     *gorm.DB
	key    []byte
	client HTTPDoer
	now    func() time.Time
}

// NewIntegrationService 密钥不足32字节时返回错误，超过时截取前32字节
func NewIntegrationService(db *gorm.DB, encryptionKey string) (*IntegrationService, error) {
	if len(encryptionKey) < 32 {
		return nil, ErrEncryptionKeyTooShort
	}
	return &IntegrationService{
		db:     db,
		key:    []byte(encryptionKey[:32]),
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}, nil
}

// WithHTTPClient 替换外部请求客户端
func (s *IntegrationService) WithHTTPClient(client HTTPDoer) *IntegrationService {
	s.client = client
	return s
}

// AddIntegrationInput 添加集成参数
type AddIntegrationInput struct {
	Platform   string
	APIKey     string
	APISecret  string
	BaseURL    string
	WebhookURL string
	Enabled    *bool
}

// integrationSettings 非敏感配置
type integrationSettings struct {
	BaseURL    string `json:"base_url,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// integrationSecrets 加密保存的凭证
type integrationSecrets struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret,omitempty"`
}

// IntegrationSummary 单个集成的状态
type IntegrationSummary struct {
	Platform     string     `json:"platform"`
	Enabled      bool       `json:"enabled"`
	Status       string     `json:"status"`
	HasWebhook   bool       `json:"has_webhook"`
	WebhookToken string     `json:"webhook_token"`
	LastTested   *time.Time `json:"last_tested"`
	LastEventAt  *time.Time `json:"last_event_at"`
	EventCount   int        `json:"event_count"`
}

// IntegrationStatus 组织集成总览
type IntegrationStatus struct {
	TotalIntegrations   int                           `json:"total_integrations"`
	ActiveIntegrations  int                           `json:"active_integrations"`
	SupportedPlatforms  []string                      `json:"supported_platforms"`
	ConfiguredPlatforms []string                      `json:"configured_platforms"`
	Integrations        map[string]IntegrationSummary `json:"integrations"`
}

// TestResult 连通性测试结果
type TestResult struct {
	Success  bool   `json:"success"`
	Platform string `json:"platform"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IntegrationHealth 集成健康状态
type IntegrationHealth struct {
	Platform              string     `json:"platform"`
	Enabled               bool       `json:"enabled"`
	ConnectionStatus      string     `json:"connection_status"`
	LastTestResult        TestResult `json:"last_test_result"`
	HasWebhook            bool       `json:"has_webhook"`
	ConfigurationComplete bool       `json:"configuration_complete"`
}

// NotifyResult 通知发送结果
type NotifyResult struct {
	Success   bool      `json:"success"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// WebhookReceipt 入站 webhook 回执
type WebhookReceipt struct {
	Success     bool                `json:"success"`
	Message     string              `json:"message"`
	WebhookData WebhookData         `json:"webhook_data"`
	Integration *models.Integration `json:"-"`
}

// WebhookData 入站 webhook 摘要
type WebhookData struct {
	Platform     string      `json:"platform"`
	Timestamp    interface{} `json:"timestamp"`
	EventType    string      `json:"event_type"`
	DataReceived bool        `json:"data_received"`
	HeadersCount int         `json:"headers_count"`
}

// ========== 配置 ==========

// SupportedPlatforms 支持的平台
func (s *IntegrationService) SupportedPlatforms() []models.IntegrationPlatform {
	return models.SupportedPlatforms
}

// Add 添加或覆盖组织的平台配置
func (s *IntegrationService) Add(orgID, createdBy uint, in AddIntegrationInput) (*models.Integration, error) {
	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	if !models.IsSupportedPlatform(platform) {
		return nil, ErrUnsupportedPlatform
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	secrets, err := json.Marshal(integrationSecrets{APIKey: in.APIKey, APISecret: in.APISecret})
	if err != nil {
		return nil, err
	}
	encrypted, err := s.encrypt(string(secrets))
	if err != nil {
		return nil, fmt.Errorf("加密凭证失败: %w", err)
	}
	settings, err := json.Marshal(integrationSettings{BaseURL: in.BaseURL, WebhookURL: in.WebhookURL, Enabled: enabled})
	if err != nil {
		return nil, err
	}
	status := models.IntegrationActive
	if !enabled {
		status = models.IntegrationDisabled
	}

	var integration models.Integration
	err = s.db.Where("organization_id = ? AND platform = ?", orgID, platform).First(&integration).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		integration = models.Integration{
			OrganizationID:  orgID,
			Platform:        platform,
			EncryptedAPIKey: encrypted,
			Settings:        datatypes.JSON(settings),
			WebhookToken:    uuid.New().String(),
			Status:          status,
			CreatedBy:       createdBy,
		}
		if err := s.db.Create(&integration).Error; err != nil {
			return nil, fmt.Errorf("保存集成失败: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		integration.EncryptedAPIKey = encrypted
		integration.Settings = datatypes.JSON(settings)
		integration.Status = status
		if err := s.db.Save(&integration).Error; err != nil {
			return nil, fmt.Errorf("更新集成失败: %w", err)
		}
	}

	logger.ForOrg(orgID).WithField("platform", platform).Info("集成已配置")
	return &integration, nil
}

// Remove 删除组织的平台配置
func (s *IntegrationService) Remove(orgID uint, platform string) error {
	integration, err := s.find(orgID, platform)
	if err != nil {
		return err
	}
	return s.db.Delete(integration).Error
}

func (s *IntegrationService) find(orgID uint, platform string) (*models.Integration, error) {
	var integration models.Integration
	err := s.db.Where("organization_id = ? AND platform = ?", orgID, strings.ToLower(platform)).First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	return &integration, nil
}

// Status 组织集成总览
func (s *IntegrationService) Status(orgID uint) (*IntegrationStatus, error) {
	var integrations []models.Integration
	if err := s.db.Where("organization_id = ?", orgID).Order("platform ASC").Find(&integrations).Error; err != nil {
		return nil, err
	}

	status := &IntegrationStatus{
		TotalIntegrations:   len(integrations),
		SupportedPlatforms:  make([]string, 0, len(models.SupportedPlatforms)),
		ConfiguredPlatforms: make([]string, 0, len(integrations)),
		Integrations:        make(map[string]IntegrationSummary, len(integrations)),
	}
	for _, p := range models.SupportedPlatforms {
		status.SupportedPlatforms = append(status.SupportedPlatforms, p.Key)
	}
	for _, in := range integrations {
		settings := parseSettings(in.Settings)
		if settings.Enabled {
			status.ActiveIntegrations++
		}
		status.ConfiguredPlatforms = append(status.ConfiguredPlatforms, in.Platform)
		status.Integrations[in.Platform] = IntegrationSummary{
			Platform:     in.Platform,
			Enabled:      settings.Enabled,
			Status:       in.Status,
			HasWebhook:   settings.WebhookURL != "",
			WebhookToken: in.WebhookToken,
			LastTested:   in.LastSyncAt,
			LastEventAt:  in.LastEventAt,
			EventCount:   in.EventCount,
		}
	}
	return status, nil
}

func parseSettings(raw datatypes.JSON) integrationSettings {
	var settings integrationSettings
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &settings)
	}
	return settings
}

// ========== 连通性 ==========

// Test 检查配置是否完整，slack 配置了 webhook 时发送探测消息
func (s *IntegrationService) Test(orgID uint, platform string) (*TestResult, error) {
	integration, err := s.find(orgID, platform)
	if err != nil {
		return nil, err
	}
	result := s.test(integration)

	now := s.now()
	status := models.IntegrationActive
	if !result.Success {
		status = models.IntegrationError
	} else if !parseSettings(integration.Settings).Enabled {
		status = models.IntegrationDisabled
	}
	s.db.Model(integration).Updates(map[string]interface{}{"last_sync_at": now, "status": status})
	return result, nil
}

func (s *IntegrationService) test(integration *models.Integration) *TestResult {
	result := &TestResult{Platform: integration.Platform, Status: "disconnected"}
	name := platformName(integration.Platform)

	secrets, err := s.secrets(integration)
	if err != nil {
		result.Error = "stored credentials could not be decrypted"
		return result
	}
	if secrets.APIKey == "" {
		result.Error = "api_key is not configured"
		return result
	}

	settings := parseSettings(integration.Settings)
	if integration.Platform == "slack" && settings.WebhookURL != "" {
		if err := s.postSlack(settings.WebhookURL, map[string]string{"text": "UpliftCS connection test"}); err != nil {
			result.Error = err.Error()
			return result
		}
	}

	result.Success = true
	result.Status = "connected"
	result.Message = "Successfully connected to " + name
	return result
}

// Health 集成健康状态
func (s *IntegrationService) Health(orgID uint, platform string) (*IntegrationHealth, error) {
	integration, err := s.find(orgID, platform)
	if err != nil {
		return nil, err
	}
	result := s.test(integration)
	settings := parseSettings(integration.Settings)
	secrets, _ := s.secrets(integration)

	health := &IntegrationHealth{
		Platform:              integration.Platform,
		Enabled:               settings.Enabled,
		ConnectionStatus:      "unhealthy",
		LastTestResult:        *result,
		HasWebhook:            settings.WebhookURL != "",
		ConfigurationComplete: secrets != nil && secrets.APIKey != "",
	}
	if result.Success {
		health.ConnectionStatus = "healthy"
	}
	return health, nil
}

// ========== 通知 ==========

// Notify 通过 slack webhook 发送消息
func (s *IntegrationService) Notify(orgID uint, platform, message, channel string) (*NotifyResult, error) {
	if strings.ToLower(platform) != "slack" {
		return nil, ErrNotificationPlatform
	}
	integration, err := s.find(orgID, platform)
	if err != nil {
		return nil, err
	}
	settings := parseSettings(integration.Settings)
	if settings.WebhookURL == "" {
		return nil, ErrMissingWebhookURL
	}
	if channel == "" {
		channel = DefaultSlackChannel
	}

	if err := s.postSlack(settings.WebhookURL, map[string]string{"text": message, "channel": channel}); err != nil {
		return nil, fmt.Errorf("发送通知失败: %w", err)
	}
	return &NotifyResult{
		Success:   true,
		Platform:  "slack",
		Channel:   channel,
		Timestamp: s.now().UTC(),
		Message:   "Message sent successfully",
	}, nil
}

func (s *IntegrationService) postSlack(url string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// ========== 入站 webhook ==========

// HandleWebhook 通过 token 找到集成并记录事件
func (s *IntegrationService) HandleWebhook(token string, payload map[string]interface{}, headersCount int) (*WebhookReceipt, error) {
	var integration models.Integration
	err := s.db.Where("webhook_token = ?", token).First(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidWebhookToken
		}
		return nil, err
	}

	now := s.now()
	err = s.db.Model(&integration).Updates(map[string]interface{}{
		"last_event_at": now,
		"event_count":   gorm.Expr("event_count + ?", 1),
	}).Error
	if err != nil {
		return nil, fmt.Errorf("记录webhook失败: %w", err)
	}
	integration.LastEventAt = &now
	integration.EventCount++

	data := WebhookData{
		Platform:     integration.Platform,
		EventType:    "unknown",
		DataReceived: payload != nil,
		HeadersCount: headersCount,
	}
	if payload != nil {
		data.Timestamp = payload["timestamp"]
		if t, ok := payload["type"].(string); ok && t != "" {
			data.EventType = t
		}
	}

	logger.ForOrg(integration.OrganizationID).WithFields(logrus.Fields{
		"platform":   integration.Platform,
		"event_type": data.EventType,
	}).Info("收到集成webhook")

	return &WebhookReceipt{
		Success:     true,
		Message:     "Webhook received for " + integration.Platform,
		WebhookData: data,
		Integration: &integration,
	}, nil
}

// ========== 加解密 ==========

func (s *IntegrationService) secrets(integration *models.Integration) (*integrationSecrets, error) {
	plaintext, err := s.decrypt(integration.EncryptedAPIKey)
	if err != nil {
		return nil, err
	}
	var secrets integrationSecrets
	if plaintext != "" {
		if err := json.Unmarshal([]byte(plaintext), &secrets); err != nil {
			return nil, err
		}
	}
	return &secrets, nil
}

// encrypt AES-256-GCM 加密，nonce 放在密文前
func (s *IntegrationService) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt 解密敏感数据
func (s *IntegrationService) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, data := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func platformName(key string) string {
	for _, p := range models.SupportedPlatforms {
		if p.Key == key {
			return p.Name
		}
	}
	return key
}
