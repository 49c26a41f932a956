package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"maglink/backend/internal/config"
)

const (
	usingCore      = "urn:ietf:params:jmap:core"
	usingMail      = "urn:ietf:params:jmap:mail"
	mailAccountKey = "urn:ietf:params:jmap:mail"

	// fetchLimit 单次候选查询的最大邮件数
	fetchLimit = 50

	// eventStreamPingSeconds 事件流服务端 keep-alive 间隔（秒）
	eventStreamPingSeconds = 30
)

var (
	ErrNoInbox       = errors.New("jmap: account has no inbox mailbox")
	ErrNoEventSource = errors.New("jmap: session does not expose an event source url")
	ErrEmptyResponse = errors.New("jmap: empty method response")
)

// Client JMAP 邮箱协议客户端。
//
// 持有一个进程内缓存的会话（API 端点 + 账号ID）以及 inbox/processed
// 两个邮箱目录ID；任何请求失败都会整体作废这些缓存并把错误上抛，
// 客户端自身不做重试，重试策略由采集编排层负责。
type Client struct {
	cfg    *config.JMAPConfig
	log    *zap.Logger
	client *http.Client
	stream *http.Client // 事件流专用，不设整体超时
	limit  *rate.Limiter

	mu          sync.Mutex
	session     *Session
	inboxID     string
	processedID string
}

// NewClient 创建 JMAP 客户端。
func NewClient(cfg *config.JMAPConfig, log *zap.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		stream: &http.Client{},
		// Fastmail 对 API 调用有速率限制，客户端侧先行限速
		limit: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// Session 返回缓存的会话，没有时向服务端协商一个新会话。
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked(ctx)
}

func (c *Client) sessionLocked(ctx context.Context) (*Session, error) {
	if c.session != nil {
		return c.session, nil
	}

	if err := c.limit.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SessionURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jmap: session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jmap: session request failed: %s", resp.Status)
	}

	var payload struct {
		APIURL          string            `json:"apiUrl"`
		PrimaryAccounts map[string]string `json:"primaryAccounts"`
		EventSourceURL  string            `json:"eventSourceUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("jmap: invalid session response: %w", err)
	}

	accountID, ok := payload.PrimaryAccounts[mailAccountKey]
	if !ok || accountID == "" {
		return nil, fmt.Errorf("jmap: session has no primary mail account")
	}

	c.session = &Session{
		APIURL:         payload.APIURL,
		AccountID:      accountID,
		EventSourceURL: payload.EventSourceURL,
	}
	c.log.Info("jmap session negotiated",
		zap.String("api_url", c.session.APIURL),
		zap.String("account_id", c.session.AccountID),
	)

	return c.session, nil
}

// Invalidate 作废缓存的会话与目录ID，下一次调用会重新协商。
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.inboxID = ""
	c.processedID = ""
}

// methodCall 一次 JMAP 方法调用，序列化为 [name, args, tag] 三元组。
type methodCall struct {
	Name string
	Args any
	Tag  string
}

func (m methodCall) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Name, m.Args, m.Tag})
}

// request 发送一批方法调用，返回与调用一一对应的响应参数。
//
// 任何传输错误、非 2xx 响应或方法级错误都会作废会话并上抛。
func (c *Client) request(ctx context.Context, calls ...methodCall) ([]json.RawMessage, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.limit.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"using":       []string{usingCore, usingMail},
		"methodCalls": calls,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sess.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: request failed: %s", resp.Status)
	}

	var envelope struct {
		MethodResponses []json.RawMessage `json:"methodResponses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: invalid response: %w", err)
	}

	results := make([]json.RawMessage, 0, len(envelope.MethodResponses))
	for _, raw := range envelope.MethodResponses {
		var triple []json.RawMessage
		if err := json.Unmarshal(raw, &triple); err != nil || len(triple) < 2 {
			c.Invalidate()
			return nil, fmt.Errorf("jmap: malformed method response")
		}
		var name string
		if err := json.Unmarshal(triple[0], &name); err != nil {
			c.Invalidate()
			return nil, fmt.Errorf("jmap: malformed method response name")
		}
		if name == "error" {
			c.Invalidate()
			return nil, fmt.Errorf("jmap: method error: %s", string(triple[1]))
		}
		results = append(results, triple[1])
	}

	if len(results) == 0 {
		c.Invalidate()
		return nil, ErrEmptyResponse
	}

	return results, nil
}

// GetInboxID 解析账号收件箱目录的ID（随会话缓存）。
func (c *Client) GetInboxID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.inboxID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	sess, err := c.Session(ctx)
	if err != nil {
		return "", err
	}

	results, err := c.request(ctx, methodCall{
		Name: "Mailbox/query",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"filter":    map[string]any{"role": "inbox"},
		},
		Tag: "0",
	})
	if err != nil {
		return "", err
	}

	var result struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(results[0], &result); err != nil {
		c.Invalidate()
		return "", fmt.Errorf("jmap: invalid mailbox query result: %w", err)
	}
	if len(result.IDs) == 0 {
		return "", ErrNoInbox
	}

	c.mu.Lock()
	c.inboxID = result.IDs[0]
	c.mu.Unlock()
	return result.IDs[0], nil
}

// GetOrCreateProcessedMailbox 解析"已处理"哨兵目录的ID，不存在时创建。
//
// 先按目录名精确查找，找不到才创建，避免重复建目录。
func (c *Client) GetOrCreateProcessedMailbox(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.processedID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	sess, err := c.Session(ctx)
	if err != nil {
		return "", err
	}

	results, err := c.request(ctx, methodCall{
		Name: "Mailbox/query",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"filter":    map[string]any{"name": c.cfg.ProcessedMailbox},
		},
		Tag: "0",
	})
	if err != nil {
		return "", err
	}

	var queryResult struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(results[0], &queryResult); err != nil {
		c.Invalidate()
		return "", fmt.Errorf("jmap: invalid mailbox query result: %w", err)
	}
	if len(queryResult.IDs) > 0 {
		c.mu.Lock()
		c.processedID = queryResult.IDs[0]
		c.mu.Unlock()
		return queryResult.IDs[0], nil
	}

	createResults, err := c.request(ctx, methodCall{
		Name: "Mailbox/set",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"create": map[string]any{
				"processed": map[string]any{"name": c.cfg.ProcessedMailbox},
			},
		},
		Tag: "0",
	})
	if err != nil {
		return "", err
	}

	var createResult struct {
		Created map[string]struct {
			ID string `json:"id"`
		} `json:"created"`
	}
	if err := json.Unmarshal(createResults[0], &createResult); err != nil {
		c.Invalidate()
		return "", fmt.Errorf("jmap: invalid mailbox set result: %w", err)
	}
	created, ok := createResult.Created["processed"]
	if !ok || created.ID == "" {
		c.Invalidate()
		return "", fmt.Errorf("jmap: processed mailbox was not created")
	}

	c.mu.Lock()
	c.processedID = created.ID
	c.mu.Unlock()
	return created.ID, nil
}

// FetchCandidateMessages 查询收件箱内发往 catch-all 域名的邮件并拉取正文。
//
// 按接收时间降序，单次最多 fetchLimit 封；第二步批量获取
// 标题、收发件人、时间戳与正文部件。
func (c *Client) FetchCandidateMessages(ctx context.Context) ([]Email, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	inboxID, err := c.GetInboxID(ctx)
	if err != nil {
		return nil, err
	}

	results, err := c.request(ctx, methodCall{
		Name: "Email/query",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"filter": map[string]any{
				"inMailbox": inboxID,
				"to":        "@" + c.cfg.Domain,
			},
			"sort": []map[string]any{
				{"property": "receivedAt", "isAscending": false},
			},
			"limit": fetchLimit,
		},
		Tag: "0",
	})
	if err != nil {
		return nil, err
	}

	var queryResult struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(results[0], &queryResult); err != nil {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: invalid email query result: %w", err)
	}
	if len(queryResult.IDs) == 0 {
		return nil, nil
	}

	getResults, err := c.request(ctx, methodCall{
		Name: "Email/get",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"ids":       queryResult.IDs,
			"properties": []string{
				"id", "subject", "from", "to", "receivedAt",
				"bodyValues", "htmlBody", "textBody",
			},
			"fetchAllBodyValues": true,
		},
		Tag: "0",
	})
	if err != nil {
		return nil, err
	}

	var getResult struct {
		List []Email `json:"list"`
	}
	if err := json.Unmarshal(getResults[0], &getResult); err != nil {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: invalid email get result: %w", err)
	}

	return getResult.List, nil
}

// MarkProcessed 把邮件移出收件箱并加入"已处理"目录。
//
// 这是管道唯一的去重信号：离开收件箱的邮件不会再被候选查询命中。
func (c *Client) MarkProcessed(ctx context.Context, emailID string) error {
	sess, err := c.Session(ctx)
	if err != nil {
		return err
	}

	inboxID, err := c.GetInboxID(ctx)
	if err != nil {
		return err
	}

	processedID, err := c.GetOrCreateProcessedMailbox(ctx)
	if err != nil {
		return err
	}

	_, err = c.request(ctx, methodCall{
		Name: "Email/set",
		Args: map[string]any{
			"accountId": sess.AccountID,
			"update": map[string]any{
				emailID: map[string]any{
					"mailboxIds/" + inboxID:     nil,
					"mailboxIds/" + processedID: true,
				},
			},
		},
		Tag: "0",
	})
	return err
}

// OpenEventStream 建立服务端推送事件流连接。
//
// 返回的 ReadCloser 由调用方消费与关闭；连接失败会作废会话。
func (c *Client) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if sess.EventSourceURL == "" {
		return nil, ErrNoEventSource
	}

	// URL 模板形如 .../event/?types={types}&closeafter={closeafter}&ping={ping}
	streamURL := strings.NewReplacer(
		"{types}", "Email",
		"{closeafter}", "no",
		"{ping}", fmt.Sprintf("%d", eventStreamPingSeconds),
	).Replace(sess.EventSourceURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		c.Invalidate()
		return nil, fmt.Errorf("jmap: event stream connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.Invalidate()
		return nil, fmt.Errorf("jmap: event stream connection failed: %s", resp.Status)
	}

	return resp.Body, nil
}

// AccountID 返回当前会话的账号ID（无会话时为空串）。
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccountID
}
