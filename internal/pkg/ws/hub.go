package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/qs3c/archmind/internal/pkg/pubsub"
)

// Hub 按订阅方（登录用户或匿名会话）管理 websocket 连接
type Hub struct {
	// 每个订阅方可以有多个连接（多标签页、重连等场景）
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	Key  string
	Conn *websocket.Conn
	mu   sync.Mutex // 写锁，防止并发写入
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// UserKey 登录用户的订阅键
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// SessionKey 匿名会话的订阅键
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SubscriberKey 登录用户优先，其次匿名会话；都没有返回空
func SubscriberKey(userID int64, sessionID string) string {
	if userID > 0 {
		return UserKey(userID)
	}
	if sessionID != "" {
		return SessionKey(sessionID)
	}
	return ""
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Key] == nil {
		h.clients[client.Key] = make(map[*Client]struct{})
	}
	h.clients[client.Key][client] = struct{}{}

	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	log.Printf("WS: %s connected, conns: %d, total: %d", client.Key, len(h.clients[client.Key]), total)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.Key]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.Key)
		}
	}
	log.Printf("WS: %s disconnected", client.Key)
}

// SendTo 向订阅方的所有连接发送消息
func (h *Hub) SendTo(key string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns, ok := h.clients[key]
	if !ok {
		h.mu.RUnlock()
		return nil
	}
	// 复制一份引用，避免长时间持锁
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.write(data)
	}
	return nil
}

// Broadcast 发给所有连接
func (h *Hub) Broadcast(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var clients []*Client
	for _, conns := range h.clients {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.write(data)
	}
	return nil
}

// ForwardProgress 订阅回调：进度消息路由到发起方，无发起方时广播
func (h *Hub) ForwardProgress(p *pubsub.ProgressMessage) {
	msg := &Message{Type: p.Type, Data: p}
	key := SubscriberKey(p.UserID, p.SessionID)

	var err error
	if key == "" {
		err = h.Broadcast(msg)
	} else {
		err = h.SendTo(key, msg)
	}
	if err != nil {
		log.Printf("WS: failed to forward progress for log %d: %v", p.LogID, err)
	}
}

func (c *Client) write(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("WS: write error for %s: %v", c.Key, err)
	}
}

// IsOnline 检查订阅方是否在线
func (h *Hub) IsOnline(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[key]
	return ok && len(conns) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}
