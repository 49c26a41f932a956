package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maglink/backend/internal/domain"
	"maglink/backend/internal/storage"
	"maglink/backend/internal/storage/memory"
)

// racingStore 在每次写入前抢先创建同 slug 的服务，模拟并发创建撞车。
type racingStore struct {
	*memory.Store
}

func (s *racingStore) SaveService(service *domain.Service) error {
	winner := *service
	winner.ID = "winner"
	if err := s.Store.SaveService(&winner); err != nil {
		return err
	}
	return storage.ErrSlugExists
}

type recordingNotifier struct {
	services []string
	links    []string
}

func (n *recordingNotifier) NotifyNewLink(service *domain.Service, link *domain.MagicLink) {
	n.services = append(n.services, service.Slug)
	n.links = append(n.links, link.LinkURL)
}

func TestResolveService(t *testing.T) {
	t.Run("首次解析创建服务", func(t *testing.T) {
		svc := NewLinkService(memory.NewStore(), nil, nil)

		created, err := svc.ResolveService("GitHub", "https://github.com/login/verify?token=abc")
		require.NoError(t, err)
		assert.Equal(t, "github", created.Slug)
		assert.Equal(t, "GitHub", created.DisplayName)
		require.NotNil(t, created.OriginURL)
		assert.Equal(t, "https://github.com", *created.OriginURL)
	})

	t.Run("重复解析返回同一服务", func(t *testing.T) {
		svc := NewLinkService(memory.NewStore(), nil, nil)

		first, err := svc.ResolveService("notion-so", "https://notion.so/verify")
		require.NoError(t, err)

		second, err := svc.ResolveService("notion-so", "https://other.example.com/verify")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		// origin 仅在创建时写入
		assert.Equal(t, "https://notion.so", *second.OriginURL)
	})

	t.Run("非法链接不阻止服务创建", func(t *testing.T) {
		svc := NewLinkService(memory.NewStore(), nil, nil)

		created, err := svc.ResolveService("acme", "not a url")
		require.NoError(t, err)
		assert.Nil(t, created.OriginURL)
	})

	t.Run("并发创建撞车回读已有服务", func(t *testing.T) {
		svc := NewLinkService(&racingStore{Store: memory.NewStore()}, nil, nil)

		created, err := svc.ResolveService("acme", "https://acme.example/login")
		require.NoError(t, err)
		assert.Equal(t, "winner", created.ID)
		assert.Equal(t, "acme", created.Slug)
	})

	t.Run("local-part派生slug做规范化", func(t *testing.T) {
		svc := NewLinkService(memory.NewStore(), nil, nil)

		created, err := svc.ResolveService("My.Service+Test", "https://example.com/login")
		require.NoError(t, err)
		assert.Equal(t, "my-service-test", created.Slug)
	})
}

func TestRecordLink(t *testing.T) {
	t.Run("入库并通知", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewLinkService(store, nil, nil)
		notifier := &recordingNotifier{}
		svc.SetNotifier(notifier)

		resolved, err := svc.ResolveService("acme", "https://acme.example/login")
		require.NoError(t, err)

		subject := "Sign in to Acme"
		link, err := svc.RecordLink(resolved, "https://acme.example/login?token=abcDEF1234567890ghijkl", &subject, time.Now())
		require.NoError(t, err)

		stored, err := store.GetMagicLink(link.ID)
		require.NoError(t, err)
		assert.Equal(t, resolved.ID, stored.ServiceID)

		require.Len(t, notifier.links, 1)
		assert.Equal(t, "acme", notifier.services[0])
	})
}

func TestCleanupExpiredLinks(t *testing.T) {
	store := memory.NewStore()
	svc := NewLinkService(store, nil, nil)

	resolved, err := svc.ResolveService("acme", "https://acme.example/login")
	require.NoError(t, err)

	old := &domain.MagicLink{
		ID:         "old-link",
		ServiceID:  resolved.ID,
		LinkURL:    "https://acme.example/login?token=expired",
		ReceivedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, store.InsertMagicLink(old))

	_, err = svc.RecordLink(resolved, "https://acme.example/login?token=fresh", nil, time.Now())
	require.NoError(t, err)

	count, err := svc.CleanupExpiredLinks(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	links, err := svc.ListLinks(resolved.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.NotEqual(t, "old-link", links[0].ID)
}
