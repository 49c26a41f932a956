package memory

import (
	"sort"
	"sync"
	"time"

	"maglink/backend/internal/domain"
	"maglink/backend/internal/storage"
)

// Store 使用内存保存服务与链接数据，主要用于开发验证和测试。
type Store struct {
	mu        sync.RWMutex
	services  map[string]*domain.Service     // serviceID -> service
	bySlug    map[string]string              // slug -> serviceID
	links     map[string]*domain.MagicLink   // linkID -> link
	byService map[string]map[string]struct{} // serviceID -> linkID 集合
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		services:  make(map[string]*domain.Service),
		bySlug:    make(map[string]string),
		links:     make(map[string]*domain.MagicLink),
		byService: make(map[string]map[string]struct{}),
	}
}

// SaveService 保存服务信息。
func (s *Store) SaveService(service *domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.bySlug[service.Slug]; ok && existingID != service.ID {
		return storage.ErrSlugExists
	}

	cloned := *service
	s.services[service.ID] = &cloned
	s.bySlug[service.Slug] = service.ID
	return nil
}

// GetService 根据 ID 获取服务。
func (s *Store) GetService(id string) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service, ok := s.services[id]
	if !ok {
		return nil, storage.ErrServiceNotFound
	}
	cloned := *service
	return &cloned, nil
}

// FindServiceBySlug 根据 slug 查找服务。
func (s *Store) FindServiceBySlug(slug string) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySlug[slug]
	if !ok {
		return nil, storage.ErrServiceNotFound
	}
	cloned := *s.services[id]
	return &cloned, nil
}

// ListServices 返回全部服务的快照，按创建时间升序。
func (s *Store) ListServices() ([]domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]domain.Service, 0, len(s.services))
	for _, service := range s.services {
		services = append(services, *service)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].CreatedAt.Before(services[j].CreatedAt)
	})
	return services, nil
}

// DeleteService 删除服务并级联删除其下全部链接。
func (s *Store) DeleteService(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	service, ok := s.services[id]
	if !ok {
		return storage.ErrServiceNotFound
	}

	for linkID := range s.byService[id] {
		delete(s.links, linkID)
	}
	delete(s.byService, id)
	delete(s.bySlug, service.Slug)
	delete(s.services, id)
	return nil
}

// InsertMagicLink 保存一条登录链接。
func (s *Store) InsertMagicLink(link *domain.MagicLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[link.ServiceID]; !ok {
		return storage.ErrServiceNotFound
	}

	cloned := *link
	s.links[link.ID] = &cloned
	if s.byService[link.ServiceID] == nil {
		s.byService[link.ServiceID] = make(map[string]struct{})
	}
	s.byService[link.ServiceID][link.ID] = struct{}{}
	return nil
}

// GetMagicLink 根据 ID 获取链接。
func (s *Store) GetMagicLink(id string) (*domain.MagicLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[id]
	if !ok {
		return nil, storage.ErrLinkNotFound
	}
	cloned := *link
	return &cloned, nil
}

// ListLinksByService 返回指定服务的全部链接，按接收时间降序。
func (s *Store) ListLinksByService(serviceID string) ([]domain.MagicLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]domain.MagicLink, 0, len(s.byService[serviceID]))
	for linkID := range s.byService[serviceID] {
		links = append(links, *s.links[linkID])
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].ReceivedAt.After(links[j].ReceivedAt)
	})
	return links, nil
}

// MarkLinkUsed 写入链接的 used 标记。
func (s *Store) MarkLinkUsed(id, userID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[id]
	if !ok {
		return storage.ErrLinkNotFound
	}
	link.UsedAt = &usedAt
	link.UsedBy = &userID
	return nil
}

// DeleteLinksBefore 删除接收时间早于 cutoff 的链接，返回删除数量。
func (s *Store) DeleteLinksBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, link := range s.links {
		if link.ReceivedAt.Before(cutoff) {
			delete(s.byService[link.ServiceID], id)
			delete(s.links, id)
			count++
		}
	}
	return count, nil
}

// Health 内存存储恒为健康。
func (s *Store) Health() error {
	return nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}
