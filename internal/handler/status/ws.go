package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"coinpilot/internal/model"
	"coinpilot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 决策推送：客户端通过 websocket 订阅标的，每轮评估结束后收到决策快照

// 客户端请求的消息格式
type ClientMessage struct {
	Action  string   `json:"action"`  // subscribe | unsubscribe
	Symbols []string `json:"symbols"` // ["BTC-USDT", "ETH-USDT"]
}

type ClientConn struct {
	Conn    *websocket.Conn
	Send    chan []byte // 异步发送通道
	Symbols map[string]struct{}
}

type WsHub struct {
	mu sync.RWMutex
	// 每个标的对应的订阅客户端集合
	symbolSubscribers map[string]map[*ClientConn]struct{}
	upgrader          websocket.Upgrader
}

func NewWsHub() *WsHub {
	return &WsHub{
		symbolSubscribers: make(map[string]map[*ClientConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // 允许跨域
		},
	}
}

// Broadcast 把决策推给订阅了该标的的所有客户端，发送通道满则丢弃
func (h *WsHub) Broadcast(dec model.TradeDecision) {
	data, err := json.Marshal(gin.H{"type": "decision", "data": dec})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.symbolSubscribers[dec.Symbol] {
		select {
		case client.Send <- data:
		default:
			// 慢客户端，丢掉这条，不能阻塞评估循环
		}
	}
}

// ServeWS 接入一个订阅客户端
func (h *WsHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("websocket upgrade error: %v", err)
		return
	}
	client := &ClientConn{
		Conn:    conn,
		Send:    make(chan []byte, 100),
		Symbols: make(map[string]struct{}),
	}

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *WsHub) readLoop(client *ClientConn) {
	defer h.dropClient(client)

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribe(client, msg.Symbols)
		case "unsubscribe":
			h.unsubscribe(client, msg.Symbols)
		}
	}
}

func (h *WsHub) writeLoop(client *ClientConn) {
	for data := range client.Send {
		if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *WsHub) subscribe(client *ClientConn, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range symbols {
		if h.symbolSubscribers[s] == nil {
			h.symbolSubscribers[s] = make(map[*ClientConn]struct{})
		}
		h.symbolSubscribers[s][client] = struct{}{}
		client.Symbols[s] = struct{}{}
	}
}

func (h *WsHub) unsubscribe(client *ClientConn, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range symbols {
		delete(h.symbolSubscribers[s], client)
		delete(client.Symbols, s)
		if len(h.symbolSubscribers[s]) == 0 {
			delete(h.symbolSubscribers, s)
		}
	}
}

func (h *WsHub) dropClient(client *ClientConn) {
	h.mu.Lock()
	for s := range client.Symbols {
		delete(h.symbolSubscribers[s], client)
		if len(h.symbolSubscribers[s]) == 0 {
			delete(h.symbolSubscribers, s)
		}
	}
	h.mu.Unlock()

	close(client.Send)
	client.Conn.Close()
}
