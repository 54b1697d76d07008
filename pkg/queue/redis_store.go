package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore Redis访问封装：有界列表、分布式锁、事件发布订阅
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore 创建Redis实例
func NewRedisStore(config *Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisStoreWithClient(client, config.Prefix)
}

// NewRedisStoreWithClient 使用已有客户端创建
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "upliftcs"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping 测试Redis连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Key 拼接带前缀的键
func (s *RedisStore) Key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// PushCapped 左侧写入并裁剪列表，只保留最新的 max 条
func (s *RedisStore) PushCapped(ctx context.Context, key string, value []byte, max int64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入列表失败: %w", err)
	}
	return nil
}

// Range 读取列表区间，最新的在前
func (s *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

// Len 列表长度
func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// TryLock 尝试获取锁，ttl 到期自动释放
func (s *RedisStore) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.Key("lock", name), time.Now().Unix(), ttl).Result()
}

// Unlock 释放锁
func (s *RedisStore) Unlock(ctx context.Context, name string) error {
	return s.client.Del(ctx, s.Key("lock", name)).Err()
}

// PublishMessage 发布消息到频道
func (s *RedisStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	return s.client.Publish(ctx, s.Key("channel", channel), data).Err()
}

// SubscribeChannel 订阅频道
func (s *RedisStore) SubscribeChannel(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.Key("channel", channel))
}

// GetClient 获取原始客户端
func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}
