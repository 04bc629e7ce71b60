package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/config"
)

// RedisCache Redis 客户端封装
// 限流器和对话存储共用同一个连接
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 创建 Redis 客户端
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// NewFromClient 从已有客户端构造（测试用）
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close 关闭连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Client 获取原始客户端
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// key 模式
const (
	RateLimitKeyPrefix         = "rate_limit:"
	ConversationKeyPrefix      = "conversation:"
	UserConversationsKeyPrefix = "user_conversations:"
)

// RateLimitKey 生成限流 key
func RateLimitKey(identifier string) string {
	return RateLimitKeyPrefix + identifier
}

// ConversationKey 生成对话记录 key
func ConversationKey(id string) string {
	return ConversationKeyPrefix + id
}

// UserConversationsKey 生成用户对话索引 key
func UserConversationsKey(userID string) string {
	return UserConversationsKeyPrefix + userID
}
