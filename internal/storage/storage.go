package storage

import (
	"errors"
	"time"

	"maglink/backend/internal/domain"
)

var (
	// ErrServiceNotFound 服务未找到错误
	ErrServiceNotFound = errors.New("service not found")
	// ErrLinkNotFound 链接未找到错误
	ErrLinkNotFound = errors.New("magic link not found")
	// ErrSlugExists slug 已存在错误
	ErrSlugExists = errors.New("service slug already exists")
)

// ServiceRepository 定义服务实体的数据存取操作。
type ServiceRepository interface {
	SaveService(service *domain.Service) error
	GetService(id string) (*domain.Service, error)
	FindServiceBySlug(slug string) (*domain.Service, error)
	ListServices() ([]domain.Service, error)
	DeleteService(id string) error // 级联删除其下全部链接
}

// LinkRepository 定义登录链接的数据存取操作。
type LinkRepository interface {
	InsertMagicLink(link *domain.MagicLink) error
	GetMagicLink(id string) (*domain.MagicLink, error)
	ListLinksByService(serviceID string) ([]domain.MagicLink, error)
	MarkLinkUsed(id, userID string, usedAt time.Time) error
	DeleteLinksBefore(cutoff time.Time) (int, error) // 删除早于 cutoff 接收的链接，返回删除数量
}

// Store 聚合管道所需的全部持久化操作。
type Store interface {
	ServiceRepository
	LinkRepository

	Health() error
	Close() error
}
