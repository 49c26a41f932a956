package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"maglink/backend/internal/domain"
)

// Cache Redis 缓存实现
//
// 只缓存按 slug 的服务查找：采集管道对同一 local-part 的邮件
// 反复解析同一个服务，这是最热的读路径。
type Cache struct {
	client *redis.Client
	ctx    context.Context
}

// NewCache 创建 Redis 缓存实例
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx := context.Background()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{
		client: client,
		ctx:    ctx,
	}, nil
}

// CacheService 按 slug 缓存服务信息
func (c *Cache) CacheService(service *domain.Service, ttl time.Duration) error {
	key := fmt.Sprintf("service:slug:%s", service.Slug)
	data, err := json.Marshal(service)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// GetCachedService 按 slug 获取缓存的服务信息
func (c *Cache) GetCachedService(slug string) (*domain.Service, error) {
	key := fmt.Sprintf("service:slug:%s", slug)
	data, err := c.client.Get(c.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("service not found in cache")
		}
		return nil, err
	}

	var service domain.Service
	if err := json.Unmarshal([]byte(data), &service); err != nil {
		return nil, err
	}

	return &service, nil
}

// DeleteCachedService 删除缓存的服务信息
func (c *Cache) DeleteCachedService(slug string) error {
	key := fmt.Sprintf("service:slug:%s", slug)
	return c.client.Del(c.ctx, key).Err()
}

// Health 检查 Redis 连接状态
func (c *Cache) Health() error {
	return c.client.Ping(c.ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
