package logger

import (
	"io"
	"os"
	"path/filepath"

	"upliftcs/pkg/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultService 未配置服务名时写入日志的 service 字段
const DefaultService = "upliftcs"

var Logger *logrus.Logger

// serviceHook 给每条日志补上 service 字段，调用方已设置时不覆盖
type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// Initialize 按配置创建日志实例：等级、格式、轮转文件
func Initialize(cfg *config.Config) error {
	log := newLogger(cfg.Log.Service)

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithField("level", cfg.Log.Level).Warn("未知日志等级，使用 info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Log.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.FilePath), 0755); err != nil {
			return err
		}
		// 文件按大小轮转，控制台保留一份
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.FilePath,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		}))
	}

	Logger = log
	return nil
}

func newLogger(service string) *logrus.Logger {
	if service == "" {
		service = DefaultService
	}
	log := logrus.New()
	log.AddHook(serviceHook{service: service})
	return log
}

// GetLogger 获取日志实例，未初始化时返回输出到stderr的默认实例（测试场景）
func GetLogger() *logrus.Logger {
	if Logger == nil {
		Logger = newLogger(DefaultService)
	}
	return Logger
}

// ForOrg 带组织字段的日志条目，租户相关的服务日志统一用它
func ForOrg(orgID uint) *logrus.Entry {
	return GetLogger().WithField("organization_id", orgID)
}
