package service

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maglink/backend/internal/domain"
	"maglink/backend/internal/monitoring"
	"maglink/backend/internal/storage"
)

// LinkNotifier 在新链接入库后向外推送通知。
type LinkNotifier interface {
	NotifyNewLink(service *domain.Service, link *domain.MagicLink)
}

// LinkService 封装服务与登录链接相关的业务操作。
type LinkService struct {
	store    storage.Store
	log      *zap.Logger
	metrics  *monitoring.Metrics
	notifier LinkNotifier // 可选
}

// NewLinkService 创建链接业务服务。
func NewLinkService(store storage.Store, log *zap.Logger, metrics *monitoring.Metrics) *LinkService {
	if log == nil {
		log = zap.NewNop()
	}
	return &LinkService{
		store:   store,
		log:     log,
		metrics: metrics,
	}
}

// SetNotifier 设置新链接通知器。
func (s *LinkService) SetNotifier(notifier LinkNotifier) {
	s.notifier = notifier
}

// ResolveService 根据收件地址的 local-part 查找或创建服务。
//
// slug 由 local-part 派生；服务不存在时创建，显示名取 local-part 原文，
// origin 从首条链接的 URL 提取，仅在创建时写入，之后不再更新。
func (s *LinkService) ResolveService(localPart, linkURL string) (*domain.Service, error) {
	slug := domain.DeriveSlug(localPart)
	if slug == "" {
		return nil, fmt.Errorf("cannot derive slug from local part %q", localPart)
	}

	existing, err := s.store.FindServiceBySlug(slug)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrServiceNotFound) {
		return nil, err
	}

	newService := &domain.Service{
		ID:          uuid.NewString(),
		Slug:        slug,
		DisplayName: localPart,
		OriginURL:   linkOrigin(linkURL),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.SaveService(newService); err != nil {
		// 并发创建撞车时回读已有记录
		if errors.Is(err, storage.ErrSlugExists) {
			return s.store.FindServiceBySlug(slug)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordServiceCreated()
	}
	s.log.Info("service created",
		zap.String("serviceID", newService.ID),
		zap.String("slug", slug))

	return newService, nil
}

// RecordLink 保存一条新的登录链接并推送通知。
func (s *LinkService) RecordLink(svc *domain.Service, linkURL string, subject *string, receivedAt time.Time) (*domain.MagicLink, error) {
	link := &domain.MagicLink{
		ID:         uuid.NewString(),
		ServiceID:  svc.ID,
		LinkURL:    linkURL,
		Subject:    subject,
		ReceivedAt: receivedAt.UTC(),
	}

	if err := s.store.InsertMagicLink(link); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordLinkStored()
	}
	if s.notifier != nil {
		s.notifier.NotifyNewLink(svc, link)
	}

	s.log.Info("magic link stored",
		zap.String("linkID", link.ID),
		zap.String("serviceSlug", svc.Slug))

	return link, nil
}

// ListServices 返回全部服务。
func (s *LinkService) ListServices() ([]domain.Service, error) {
	return s.store.ListServices()
}

// ListLinks 返回指定服务的链接，按接收时间降序。
func (s *LinkService) ListLinks(serviceID string) ([]domain.MagicLink, error) {
	return s.store.ListLinksByService(serviceID)
}

// MarkLinkUsed 将链接标记为已使用。
func (s *LinkService) MarkLinkUsed(linkID, userID string) error {
	return s.store.MarkLinkUsed(linkID, userID, time.Now().UTC())
}

// CleanupExpiredLinks 删除超过保留时长的链接，返回删除数量。
func (s *LinkService) CleanupExpiredLinks(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	count, err := s.store.DeleteLinksBefore(cutoff)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		if s.metrics != nil {
			s.metrics.RecordLinksSwept(count)
		}
		s.log.Info("expired links removed", zap.Int("count", count))
	}
	return count, nil
}

// linkOrigin 从链接 URL 提取 scheme://host，失败时返回 nil。
func linkOrigin(linkURL string) *string {
	parsed, err := url.Parse(linkURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil
	}
	origin := parsed.Scheme + "://" + parsed.Host
	return &origin
}
