package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/service/settlement/domain/port"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 运营后台与服务同源部署，管理端口不对外暴露
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AlertHub 维护所有订阅运营告警的 websocket 连接，并负责广播。它实现了 port.AlertPublisher。
type AlertHub struct {
	clients    map[string]*alertClient
	register   chan *alertClient
	unregister chan *alertClient
	lock       sync.RWMutex
	done       chan struct{}
}

func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients:    make(map[string]*alertClient),
		register:   make(chan *alertClient),
		unregister: make(chan *alertClient),
		done:       make(chan struct{}),
	}
}

// Run 处理连接的注册与注销，ctx 结束时关闭所有连接。
func (h *AlertHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c.id] = c
			h.lock.Unlock()
			logger.Ctx(ctx).Info().Str("client", c.id).Msg("operator alert subscriber connected")
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			h.lock.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.lock.Unlock()
			return
		}
	}
}

func (h *AlertHub) remove(c *alertClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Subscribers 返回当前连接数。
func (h *AlertHub) Subscribers() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Publish 广播告警。发送缓冲已满的慢连接会被断开，不阻塞发布方。
func (h *AlertHub) Publish(ctx context.Context, alert port.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}

	var slow []*alertClient
	h.lock.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- body:
		default:
			slow = append(slow, c)
		}
	}
	h.lock.RUnlock()

	for _, c := range slow {
		logger.Ctx(ctx).Warn().Str("client", c.id).Msg("alert subscriber too slow, disconnecting")
		h.remove(c)
	}
	return nil
}

// ServeWS 把请求升级为 websocket 并注册为告警订阅者。
func (h *AlertHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &alertClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), id: uuid.New().String()}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// alertClient 是一个 websocket 订阅连接
type alertClient struct {
	hub  *AlertHub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// writePump 把 send 中的告警写入连接，并定期发送 ping。
func (c *alertClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理心跳，订阅者不会发送业务消息。
func (c *alertClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
