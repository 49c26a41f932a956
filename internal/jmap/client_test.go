package jmap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"maglink/backend/internal/config"
)

// fakeServer 模拟 JMAP 服务端，记录收到的方法调用。
type fakeServer struct {
	t         *testing.T
	server    *httptest.Server
	sessions  int
	calls     []capturedCall
	responses map[string]json.RawMessage // 方法名 -> 响应参数
	failAPI   bool
}

type capturedCall struct {
	Name string
	Args map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, responses: make(map[string]json.RawMessage)}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		f.sessions++
		json.NewEncoder(w).Encode(map[string]any{
			"apiUrl": f.server.URL + "/api",
			"primaryAccounts": map[string]string{
				"urn:ietf:params:jmap:mail": "acc-1",
			},
			"eventSourceUrl": f.server.URL + "/event/?types={types}&closeafter={closeafter}&ping={ping}",
		})
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if f.failAPI {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}

		var envelope struct {
			MethodCalls []json.RawMessage `json:"methodCalls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))

		var responses []any
		for _, raw := range envelope.MethodCalls {
			var triple []json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &triple))
			require.Len(t, triple, 3)

			var name string
			require.NoError(t, json.Unmarshal(triple[0], &name))
			var args map[string]any
			require.NoError(t, json.Unmarshal(triple[1], &args))
			f.calls = append(f.calls, capturedCall{Name: name, Args: args})

			// Mailbox/query 按过滤条件区分收件箱查询与哨兵目录查询
			key := name
			if name == "Mailbox/query" {
				if filter, ok := args["filter"].(map[string]any); ok {
					if _, ok := filter["role"]; ok {
						key = "Mailbox/query:role"
					} else if _, ok := filter["name"]; ok {
						key = "Mailbox/query:name"
					}
				}
			}

			resp, ok := f.responses[key]
			if !ok {
				resp, ok = f.responses[name]
			}
			if !ok {
				resp = json.RawMessage(`{}`)
			}
			responses = append(responses, []any{name, resp, "0"})
		}

		json.NewEncoder(w).Encode(map[string]any{"methodResponses": responses})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) client() *Client {
	cfg := &config.JMAPConfig{
		SessionURL:       f.server.URL + "/session",
		Token:            "test-token",
		Domain:           "inbox.example.com",
		ProcessedMailbox: "Magic Link Processed",
	}
	return NewClient(cfg, zap.NewNop())
}

func (f *fakeServer) lastCall(name string) *capturedCall {
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Name == name {
			return &f.calls[i]
		}
	}
	return nil
}

func TestSession(t *testing.T) {
	t.Run("协商并缓存会话", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		sess, err := client.Session(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "acc-1", sess.AccountID)
		assert.Equal(t, server.server.URL+"/api", sess.APIURL)
		assert.Contains(t, sess.EventSourceURL, "{types}")

		// 第二次调用不再访问服务端
		_, err = client.Session(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, server.sessions)
	})

	t.Run("请求失败作废会话", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		_, err := client.Session(context.Background())
		require.NoError(t, err)

		server.failAPI = true
		_, err = client.FetchCandidateMessages(context.Background())
		require.Error(t, err)

		// 下一次调用重新协商
		server.failAPI = false
		server.responses["Mailbox/query"] = json.RawMessage(`{"ids":["inbox-1"]}`)
		server.responses["Email/query"] = json.RawMessage(`{"ids":[]}`)
		_, err = client.FetchCandidateMessages(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, server.sessions)
	})

	t.Run("方法级错误作废会话", func(t *testing.T) {
		mux := http.NewServeMux()
		errServer := httptest.NewServer(mux)
		t.Cleanup(errServer.Close)

		mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"apiUrl":          errServer.URL + "/api",
				"primaryAccounts": map[string]string{"urn:ietf:params:jmap:mail": "acc-1"},
			})
		})
		mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"methodResponses": []any{
					[]any{"error", map[string]string{"type": "serverUnavailable"}, "0"},
				},
			})
		})

		cfg := &config.JMAPConfig{
			SessionURL:       errServer.URL + "/session",
			Token:            "test-token",
			Domain:           "inbox.example.com",
			ProcessedMailbox: "Magic Link Processed",
		}
		client := NewClient(cfg, zap.NewNop())

		_, err := client.GetInboxID(context.Background())
		assert.Error(t, err)
		assert.Empty(t, client.AccountID())
	})
}

func TestFetchCandidateMessages(t *testing.T) {
	t.Run("两步查询并解码正文", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		server.responses["Mailbox/query"] = json.RawMessage(`{"ids":["inbox-1"]}`)
		server.responses["Email/query"] = json.RawMessage(`{"ids":["e1"]}`)
		server.responses["Email/get"] = json.RawMessage(`{
			"list": [{
				"id": "e1",
				"subject": "Sign in",
				"from": [{"email": "noreply@sender.example"}],
				"to": [{"email": "acme@inbox.example.com"}],
				"receivedAt": "2026-08-01T12:00:00Z",
				"bodyValues": {"1": {"value": "<a href=\"https://x.example/login\">go</a>"}},
				"htmlBody": [{"partId": "1"}]
			}]
		}`)

		emails, err := client.FetchCandidateMessages(context.Background())
		require.NoError(t, err)
		require.Len(t, emails, 1)
		assert.Equal(t, "Sign in", emails[0].Subject)
		assert.Contains(t, emails[0].BodyContent(), "x.example/login")

		// 候选查询限定收件箱与 catch-all 域名
		query := server.lastCall("Email/query")
		require.NotNil(t, query)
		filter := query.Args["filter"].(map[string]any)
		assert.Equal(t, "inbox-1", filter["inMailbox"])
		assert.Equal(t, "@inbox.example.com", filter["to"])
		assert.Equal(t, float64(50), query.Args["limit"])

		get := server.lastCall("Email/get")
		require.NotNil(t, get)
		assert.Equal(t, true, get.Args["fetchAllBodyValues"])
	})

	t.Run("无候选邮件时不执行第二步", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		server.responses["Mailbox/query"] = json.RawMessage(`{"ids":["inbox-1"]}`)
		server.responses["Email/query"] = json.RawMessage(`{"ids":[]}`)

		emails, err := client.FetchCandidateMessages(context.Background())
		require.NoError(t, err)
		assert.Empty(t, emails)
		assert.Nil(t, server.lastCall("Email/get"))
	})
}

func TestGetOrCreateProcessedMailbox(t *testing.T) {
	t.Run("目录已存在直接复用", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		server.responses["Mailbox/query"] = json.RawMessage(`{"ids":["mb-processed"]}`)

		id, err := client.GetOrCreateProcessedMailbox(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "mb-processed", id)
		assert.Nil(t, server.lastCall("Mailbox/set"))

		query := server.lastCall("Mailbox/query")
		require.NotNil(t, query)
		filter := query.Args["filter"].(map[string]any)
		assert.Equal(t, "Magic Link Processed", filter["name"])
	})

	t.Run("目录不存在时创建", func(t *testing.T) {
		server := newFakeServer(t)
		client := server.client()

		server.responses["Mailbox/query"] = json.RawMessage(`{"ids":[]}`)
		server.responses["Mailbox/set"] = json.RawMessage(`{"created":{"processed":{"id":"mb-new"}}}`)

		id, err := client.GetOrCreateProcessedMailbox(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "mb-new", id)

		set := server.lastCall("Mailbox/set")
		require.NotNil(t, set)
		create := set.Args["create"].(map[string]any)
		props := create["processed"].(map[string]any)
		assert.Equal(t, "Magic Link Processed", props["name"])
	})
}

func TestMarkProcessed(t *testing.T) {
	server := newFakeServer(t)
	client := server.client()

	server.responses["Mailbox/query:role"] = json.RawMessage(`{"ids":["mb-inbox"]}`)
	server.responses["Mailbox/query:name"] = json.RawMessage(`{"ids":["mb-processed"]}`)
	server.responses["Email/set"] = json.RawMessage(`{"updated":{"e1":null}}`)

	require.NoError(t, client.MarkProcessed(context.Background(), "e1"))

	set := server.lastCall("Email/set")
	require.NotNil(t, set)
	update := set.Args["update"].(map[string]any)
	patch := update["e1"].(map[string]any)

	// 原子地移出收件箱并加入已处理目录
	assert.Contains(t, patch, "mailboxIds/mb-inbox")
	assert.Nil(t, patch["mailboxIds/mb-inbox"])
	assert.Equal(t, true, patch["mailboxIds/mb-processed"])
}
