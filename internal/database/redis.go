package database

import (
	"sync"

	"upliftcs/pkg/config"
	"upliftcs/pkg/queue"
)

var (
	redisInstance *queue.RedisStore
	redisOnce     sync.Once
)

// GetRedis 获取Redis的单例实例
func GetRedis() *queue.RedisStore {
	redisOnce.Do(func() {
		cfg := config.GetConfig()
		redisInstance = queue.NewRedisStore(&queue.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	})
	return redisInstance
}

// CloseRedis 关闭Redis连接
func CloseRedis() error {
	if redisInstance != nil {
		return redisInstance.Close()
	}
	return nil
}
