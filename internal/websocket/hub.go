package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"maglink/backend/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 如果允许所有来源
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// MessageType 定义 WebSocket 消息类型
type MessageType string

const (
	MessageTypeNewLink     MessageType = "new_link"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义 WebSocket 消息结构
type Message struct {
	Type        MessageType     `json:"type"`
	ServiceSlug string          `json:"serviceSlug,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Client 代表一个 WebSocket 客户端连接
//
// 未订阅任何服务的客户端接收全部新链接通知，
// 订阅过服务 slug 的客户端只接收对应服务的通知。
type Client struct {
	ID    string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	slugs map[string]bool // 订阅的服务 slug
	mu    sync.RWMutex
	log   *zap.Logger
}

// Hub 管理所有 WebSocket 连接
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *Message
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	onClientCount  func(int) // 连接数变化回调，用于监控指标
}

// NewHub 创建 WebSocket Hub
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
}

// OnClientCount 设置连接数变化回调
func (h *Hub) OnClientCount(fn func(int)) {
	h.onClientCount = fn
}

// Run 启动 Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.notifyClientCount(count)
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.notifyClientCount(count)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NewLinkData 新链接通知数据
type NewLinkData struct {
	LinkID      string `json:"linkId"`
	ServiceID   string `json:"serviceId"`
	ServiceSlug string `json:"serviceSlug"`
	LinkURL     string `json:"linkUrl"`
	Subject     string `json:"subject,omitempty"`
	ReceivedAt  string `json:"receivedAt"`
}

// NotifyNewLink 通知新的登录链接入库
func (h *Hub) NotifyNewLink(service *domain.Service, link *domain.MagicLink) {
	data := NewLinkData{
		LinkID:      link.ID,
		ServiceID:   service.ID,
		ServiceSlug: service.Slug,
		LinkURL:     link.LinkURL,
		ReceivedAt:  link.ReceivedAt.Format(time.RFC3339),
	}
	if link.Subject != nil {
		data.Subject = *link.Subject
	}

	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to marshal new link data", zap.Error(err))
		return
	}

	msg := &Message{
		Type:        MessageTypeNewLink,
		ServiceSlug: service.Slug,
		Data:        payload,
		Timestamp:   time.Now(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast channel full, dropping notification",
			zap.String("serviceSlug", service.Slug))
	}
}

// broadcastMessage 将消息分发给匹配的客户端
func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.wants(msg.ServiceSlug) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送 ping
func (h *Hub) pingAllClients() {
	msg := &Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.notifyClientCount(0)
}

// notifyClientCount 上报当前连接数
func (h *Hub) notifyClientCount(count int) {
	if h.onClientCount != nil {
		h.onClientCount(count)
	}
}

// HandleWebSocket 处理 WebSocket 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:    uuid.NewString(),
			conn:  conn,
			send:  make(chan []byte, 256),
			hub:   hub,
			slugs: make(map[string]bool),
			log:   hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// wants 判断客户端是否应接收指定服务的消息
func (c *Client) wants(slug string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// 未订阅任何服务时接收全部通知
	if len(c.slugs) == 0 {
		return true
	}
	return c.slugs[slug]
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.ServiceSlug)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.ServiceSlug)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 订阅指定服务的新链接通知
func (c *Client) subscribe(slug string) {
	if slug == "" {
		c.sendError("service slug is required")
		return
	}

	c.mu.Lock()
	c.slugs[slug] = true
	c.mu.Unlock()

	c.log.Info("subscribed to service",
		zap.String("clientID", c.ID),
		zap.String("serviceSlug", slug))

	c.sendMessage(&Message{
		Type:        MessageTypeSubscribed,
		ServiceSlug: slug,
		Timestamp:   time.Now(),
	})
}

// unsubscribe 取消订阅
func (c *Client) unsubscribe(slug string) {
	c.mu.Lock()
	delete(c.slugs, slug)
	c.mu.Unlock()

	c.log.Info("unsubscribed from service",
		zap.String("clientID", c.ID),
		zap.String("serviceSlug", slug))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
