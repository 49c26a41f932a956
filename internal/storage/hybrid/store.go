package hybrid

import (
	"fmt"
	"time"

	"maglink/backend/internal/config"
	"maglink/backend/internal/domain"
	"maglink/backend/internal/storage/postgres"
	"maglink/backend/internal/storage/redis"
)

// Store 混合存储实现，结合 SQL 数据库和 Redis
//
// 写路径全部落库；slug 查找走 cache-aside，其余读路径直连数据库。
type Store struct {
	db    *postgres.Store
	redis *redis.Cache
}

// serviceCacheTTL 服务缓存过期时间
const serviceCacheTTL = 24 * time.Hour

// NewStore 创建混合存储实例（指定数据库类型）
func NewStore(dbCfg *config.DatabaseConfig, redisCfg *config.RedisConfig) (*Store, error) {
	var dbStore *postgres.Store
	var err error

	// 根据数据库类型创建存储
	switch dbCfg.Type {
	case "mysql":
		dbStore, err = postgres.NewMySQLStore(dbCfg)
	case "postgres", "postgresql":
		dbStore, err = postgres.NewStore(dbCfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", dbCfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// 初始化 Redis
	redisCache, err := redis.NewCache(redisCfg.Address, redisCfg.Password, redisCfg.DB)
	if err != nil {
		dbStore.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return &Store{
		db:    dbStore,
		redis: redisCache,
	}, nil
}

// ========== Service Repository ==========

// SaveService 保存服务信息
func (s *Store) SaveService(service *domain.Service) error {
	if err := s.db.SaveService(service); err != nil {
		return err
	}

	// 缓存失败不影响主流程
	_ = s.redis.CacheService(service, serviceCacheTTL)
	return nil
}

// GetService 根据 ID 获取服务
func (s *Store) GetService(id string) (*domain.Service, error) {
	// ID 查询不走缓存（采集管道只按 slug 查找）
	return s.db.GetService(id)
}

// FindServiceBySlug 根据 slug 查找服务
func (s *Store) FindServiceBySlug(slug string) (*domain.Service, error) {
	// 先尝试从 Redis 获取
	if service, err := s.redis.GetCachedService(slug); err == nil {
		return service, nil
	}

	// 从数据库获取
	service, err := s.db.FindServiceBySlug(slug)
	if err != nil {
		return nil, err
	}

	// 回填缓存
	_ = s.redis.CacheService(service, serviceCacheTTL)
	return service, nil
}

// ListServices 返回全部服务（列表查询不缓存）
func (s *Store) ListServices() ([]domain.Service, error) {
	return s.db.ListServices()
}

// DeleteService 删除服务并级联删除其下全部链接
func (s *Store) DeleteService(id string) error {
	// 先取出服务以便删除 slug 缓存
	service, err := s.db.GetService(id)
	if err != nil {
		return err
	}

	if err := s.db.DeleteService(id); err != nil {
		return err
	}

	_ = s.redis.DeleteCachedService(service.Slug)
	return nil
}

// ========== Link Repository ==========

// InsertMagicLink 保存一条登录链接
func (s *Store) InsertMagicLink(link *domain.MagicLink) error {
	// 链接不缓存，直接落库
	return s.db.InsertMagicLink(link)
}

// GetMagicLink 根据 ID 获取链接
func (s *Store) GetMagicLink(id string) (*domain.MagicLink, error) {
	return s.db.GetMagicLink(id)
}

// ListLinksByService 返回指定服务的全部链接，按接收时间降序
func (s *Store) ListLinksByService(serviceID string) ([]domain.MagicLink, error) {
	return s.db.ListLinksByService(serviceID)
}

// MarkLinkUsed 写入链接的 used 标记
func (s *Store) MarkLinkUsed(id, userID string, usedAt time.Time) error {
	return s.db.MarkLinkUsed(id, userID, usedAt)
}

// DeleteLinksBefore 删除接收时间早于 cutoff 的链接，返回删除数量
func (s *Store) DeleteLinksBefore(cutoff time.Time) (int, error) {
	return s.db.DeleteLinksBefore(cutoff)
}

// ========== 工具方法 ==========

// Health 健康检查，数据库和 Redis 任一不可用即视为不健康
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.redis.Health(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close 关闭存储连接
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.redis.Close()
}
