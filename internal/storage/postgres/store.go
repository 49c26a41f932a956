package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"maglink/backend/internal/config"
	"maglink/backend/internal/domain"
	"maglink/backend/internal/storage"
)

// Store SQL 数据库存储实现（PostgreSQL 走 pgx 连接池，MySQL 走原生驱动）
type Store struct {
	db     *gorm.DB
	client *Client // 仅 PostgreSQL 模式持有
}

// NewStore 创建 PostgreSQL 存储实例
//
// 底层通过 pgx 连接池建连，再交由 GORM 管理。
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB := stdlib.OpenDBFromPool(client.Pool())
	store, err := newStoreWithDialector(postgres.New(postgres.Config{Conn: sqlDB}))
	if err != nil {
		client.Close()
		return nil, err
	}
	store.client = client
	return store, nil
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(cfg *config.DatabaseConfig) (*Store, error) {
	store, err := newStoreWithDialector(mysql.Open(cfg.DSN))
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return store, nil
}

// newStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func newStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // 静默模式
		TranslateError: true,                                  // 把方言错误映射为 gorm.Err*
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}

	// 自动迁移数据库表
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Service{},
		&domain.MagicLink{},
	)
}

// ========== Service Repository ==========

// SaveService 保存服务信息
//
// slug 唯一约束冲突映射为 ErrSlugExists，调用方回读已有记录。
func (s *Store) SaveService(service *domain.Service) error {
	err := s.db.Create(service).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrSlugExists
	}
	return err
}

// GetService 根据 ID 获取服务
func (s *Store) GetService(id string) (*domain.Service, error) {
	var service domain.Service
	err := s.db.Where("id = ?", id).First(&service).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrServiceNotFound
		}
		return nil, err
	}
	return &service, nil
}

// FindServiceBySlug 根据 slug 查找服务
func (s *Store) FindServiceBySlug(slug string) (*domain.Service, error) {
	var service domain.Service
	err := s.db.Where("slug = ?", slug).First(&service).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrServiceNotFound
		}
		return nil, err
	}
	return &service, nil
}

// ListServices 返回全部服务，按创建时间升序
func (s *Store) ListServices() ([]domain.Service, error) {
	var services []domain.Service
	err := s.db.Order("created_at ASC").Find(&services).Error
	return services, err
}

// DeleteService 删除服务并级联删除其下全部链接
func (s *Store) DeleteService(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("service_id = ?", id).Delete(&domain.MagicLink{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.Service{}).Error
	})
}

// ========== Link Repository ==========

// InsertMagicLink 保存一条登录链接
func (s *Store) InsertMagicLink(link *domain.MagicLink) error {
	return s.db.Create(link).Error
}

// GetMagicLink 根据 ID 获取链接
func (s *Store) GetMagicLink(id string) (*domain.MagicLink, error) {
	var link domain.MagicLink
	err := s.db.Where("id = ?", id).First(&link).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

// ListLinksByService 返回指定服务的全部链接，按接收时间降序
func (s *Store) ListLinksByService(serviceID string) ([]domain.MagicLink, error) {
	var links []domain.MagicLink
	err := s.db.Where("service_id = ?", serviceID).Order("received_at DESC").Find(&links).Error
	return links, err
}

// MarkLinkUsed 写入链接的 used 标记
func (s *Store) MarkLinkUsed(id, userID string, usedAt time.Time) error {
	result := s.db.Model(&domain.MagicLink{}).
		Where("id = ?", id).
		Updates(map[string]any{"used_at": usedAt, "used_by": userID})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrLinkNotFound
	}
	return nil
}

// DeleteLinksBefore 删除接收时间早于 cutoff 的链接，返回删除数量
func (s *Store) DeleteLinksBefore(cutoff time.Time) (int, error) {
	result := s.db.Where("received_at < ?", cutoff).Delete(&domain.MagicLink{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
