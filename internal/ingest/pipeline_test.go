package ingest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maglink/backend/internal/domain"
	"maglink/backend/internal/jmap"
	"maglink/backend/internal/service"
	"maglink/backend/internal/storage/memory"
)

// flakyStore 可注入插入失败，模拟数据库瞬时故障。
type flakyStore struct {
	*memory.Store
	insertErr error
}

func (s *flakyStore) InsertMagicLink(link *domain.MagicLink) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.InsertMagicLink(link)
}

type fakeMailClient struct {
	emails      []jmap.Email
	processed   []string
	session     *jmap.Session
	fetchErr    error
	markErr     error
	invalidated int
}

func (f *fakeMailClient) Session(ctx context.Context) (*jmap.Session, error) {
	if f.session == nil {
		f.session = &jmap.Session{APIURL: "https://api.example.com/jmap", AccountID: "acc-1"}
	}
	return f.session, nil
}

func (f *fakeMailClient) FetchCandidateMessages(ctx context.Context) ([]jmap.Email, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	// 已归档的邮件不再出现在候选查询里
	remaining := make([]jmap.Email, 0, len(f.emails))
	for _, email := range f.emails {
		if !f.isProcessed(email.ID) {
			remaining = append(remaining, email)
		}
	}
	return remaining, nil
}

func (f *fakeMailClient) MarkProcessed(ctx context.Context, emailID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.processed = append(f.processed, emailID)
	return nil
}

func (f *fakeMailClient) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	return nil, jmap.ErrNoEventSource
}

func (f *fakeMailClient) Invalidate() {
	f.invalidated++
}

func (f *fakeMailClient) AccountID() string {
	return "acc-1"
}

func (f *fakeMailClient) isProcessed(id string) bool {
	for _, p := range f.processed {
		if p == id {
			return true
		}
	}
	return false
}

func loginEmail(id, to, subject, linkURL string) jmap.Email {
	return jmap.Email{
		ID:      id,
		Subject: subject,
		From:    []jmap.Address{{Email: "noreply@sender.example"}},
		To:      []jmap.Address{{Email: to}},
		BodyValues: map[string]jmap.BodyValue{
			"1": {Value: `<html><body><a href="` + linkURL + `">Sign in</a></body></html>`},
		},
		HTMLBody:   []jmap.BodyPart{{PartID: "1"}},
		ReceivedAt: time.Now().UTC(),
	}
}

func newTestPipeline(client MailClient) (*Pipeline, *memory.Store) {
	store := memory.NewStore()
	links := service.NewLinkService(store, nil, nil)
	return NewPipeline(client, links, "inbox.example.com", nil, nil), store
}

func TestRunCycle(t *testing.T) {
	t.Run("同一local-part的两封邮件产生一个服务两条链接", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "github@inbox.example.com", "Sign in to GitHub",
				"https://github.com/login/verify?token=abcDEF1234567890ghijkl"),
			loginEmail("m2", "github@inbox.example.com", "Your login link",
				"https://github.com/login/verify?token=zyxWVU0987654321mnopqr"),
		}}
		pipeline, store := newTestPipeline(client)

		result, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, result.Fetched)
		assert.Equal(t, 2, result.Stored)

		services, err := store.ListServices()
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "github", services[0].Slug)

		links, err := store.ListLinksByService(services[0].ID)
		require.NoError(t, err)
		assert.Len(t, links, 2)

		assert.ElementsMatch(t, []string{"m1", "m2"}, client.processed)
	})

	t.Run("非登录邮件跳过但仍然归档", func(t *testing.T) {
		email := loginEmail("m1", "acme@inbox.example.com", "Weekly newsletter",
			"https://acme.example/promo")
		email.From = []jmap.Address{{Email: "marketing@sender.example"}}
		client := &fakeMailClient{emails: []jmap.Email{email}}
		pipeline, store := newTestPipeline(client)

		result, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 0, result.Stored)
		assert.Equal(t, []string{"m1"}, client.processed)

		services, err := store.ListServices()
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("登录邮件无链接跳过但仍然归档", func(t *testing.T) {
		email := jmap.Email{
			ID:      "m1",
			Subject: "Verify your account",
			From:    []jmap.Address{{Email: "noreply@sender.example"}},
			To:      []jmap.Address{{Email: "acme@inbox.example.com"}},
			BodyValues: map[string]jmap.BodyValue{
				"1": {Value: "Your code is 123456"},
			},
			TextBody:   []jmap.BodyPart{{PartID: "1"}},
			ReceivedAt: time.Now().UTC(),
		}
		client := &fakeMailClient{emails: []jmap.Email{email}}
		pipeline, _ := newTestPipeline(client)

		result, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, []string{"m1"}, client.processed)
	})

	t.Run("域外收件地址跳过", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "someone@other.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, store := newTestPipeline(client)

		result, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, []string{"m1"}, client.processed)

		services, err := store.ListServices()
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("拉取失败中止周期", func(t *testing.T) {
		client := &fakeMailClient{fetchErr: errors.New("jmap: request failed")}
		pipeline, _ := newTestPipeline(client)

		_, err := pipeline.RunCycle(context.Background())
		assert.Error(t, err)
		assert.Empty(t, client.processed)
	})

	t.Run("归档失败中止周期", func(t *testing.T) {
		client := &fakeMailClient{
			emails: []jmap.Email{
				loginEmail("m1", "acme@inbox.example.com", "Sign in",
					"https://acme.example/login?token=abcDEF1234567890ghijkl"),
			},
			markErr: errors.New("jmap: request failed"),
		}
		pipeline, _ := newTestPipeline(client)

		_, err := pipeline.RunCycle(context.Background())
		assert.Error(t, err)
	})

	t.Run("周期互斥不排队", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "acme@inbox.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, _ := newTestPipeline(client)

		pipeline.cycleMu.Lock()
		result, err := pipeline.RunCycle(context.Background())
		pipeline.cycleMu.Unlock()

		require.NoError(t, err)
		assert.Nil(t, result)
		assert.Empty(t, client.processed)
	})

	t.Run("入库失败不归档留待重试", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "acme@inbox.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		store := &flakyStore{Store: memory.NewStore(), insertErr: errors.New("db: connection refused")}
		links := service.NewLinkService(store, nil, nil)
		pipeline := NewPipeline(client, links, "inbox.example.com", nil, nil)

		result, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 0, result.Stored)
		assert.Empty(t, client.processed)

		// 存储恢复后，下个周期重新拉到同一封邮件并入库
		store.insertErr = nil
		result, err = pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Stored)
		assert.Equal(t, []string{"m1"}, client.processed)
	})

	t.Run("显示名保留local-part原始大小写", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "GitHub@Inbox.Example.Com", "Sign in to GitHub",
				"https://github.com/login/verify?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, store := newTestPipeline(client)

		_, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)

		services, err := store.ListServices()
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "github", services[0].Slug)
		assert.Equal(t, "GitHub", services[0].DisplayName)
	})

	t.Run("重复执行周期不产生重复链接", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "acme@inbox.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, store := newTestPipeline(client)

		_, err := pipeline.RunCycle(context.Background())
		require.NoError(t, err)
		_, err = pipeline.RunCycle(context.Background())
		require.NoError(t, err)

		services, err := store.ListServices()
		require.NoError(t, err)
		require.Len(t, services, 1)

		links, err := store.ListLinksByService(services[0].ID)
		require.NoError(t, err)
		assert.Len(t, links, 1)
	})
}

func TestHandleEvent(t *testing.T) {
	t.Run("本账号邮件变更触发周期", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "acme@inbox.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, _ := newTestPipeline(client)

		payload := `{"@type":"StateChange","changed":{"acc-1":{"Email":"s123"}}}`
		pipeline.handleEvent(context.Background(), payload, "acc-1")

		assert.Equal(t, []string{"m1"}, client.processed)
	})

	t.Run("其他账号的变更不触发周期", func(t *testing.T) {
		client := &fakeMailClient{emails: []jmap.Email{
			loginEmail("m1", "acme@inbox.example.com", "Sign in",
				"https://acme.example/login?token=abcDEF1234567890ghijkl"),
		}}
		pipeline, _ := newTestPipeline(client)

		payload := `{"@type":"StateChange","changed":{"acc-other":{"Email":"s123"}}}`
		pipeline.handleEvent(context.Background(), payload, "acc-1")

		assert.Empty(t, client.processed)
	})

	t.Run("非JSON心跳消息被忽略", func(t *testing.T) {
		client := &fakeMailClient{}
		pipeline, _ := newTestPipeline(client)

		pipeline.handleEvent(context.Background(), "ping", "acc-1")
		assert.Empty(t, client.processed)
	})
}
