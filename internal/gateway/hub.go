package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/json"
	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// Envelope 为通道上收发的统一消息格式。
//
// 出站：event 为协调器事件名（session_update/status_update 等）；
// 入站：event 为客户端请求名（request_status_update 等）。
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// DefaultWriteTimeout 为单次写出的兜底截止时间。
// 投递上下文自带更早的截止时间时优先使用上下文的。
const DefaultWriteTimeout = 10 * time.Second

// channel 将一条连接与其写锁绑定。
// gorilla 不允许并发写，扇出与读协程的控制帧必须经过同一把锁。
type channel struct {
	conn Conn

	writeMu sync.Mutex
}

func (c *channel) write(deadline time.Time, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Hub 维护 通道标识 -> 连接 的索引，并以此实现协调器的发送能力。
//
// 职责说明：
//   - 只负责连接的登记、查找和写出，不理解任何业务事件的语义；
//   - 通道与会话的对应关系由协调器维护，Hub 不持有用户信息。
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// 确保 Hub 实现了协调器的发送接口。
var _ coordinator.ChannelSender = (*Hub)(nil)

// NewHub 创建一个空的 Hub。
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*channel),
	}
}

// Add 登记一条已完成升级的连接，返回 false 表示通道标识冲突。
func (h *Hub) Add(channelID string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.channels[channelID]; exists {
		return false
	}
	h.channels[channelID] = &channel{conn: conn}
	return true
}

// Remove 移除指定通道并关闭底层连接。
func (h *Hub) Remove(channelID string) {
	h.mu.Lock()
	ch, ok := h.channels[channelID]
	delete(h.channels, channelID)
	h.mu.Unlock()

	if ok {
		_ = ch.conn.Close()
	}
}

// Count 返回当前登记的连接数，仅用于诊断。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Send 实现 coordinator.ChannelSender。
//
// 行为：
//   - 通道不存在时返回错误（连接可能刚刚断开，由扇出逻辑记录并隔离）；
//   - 消息以 JSON Envelope 文本帧写出；
//   - 写截止时间取 ctx 的 deadline，无 deadline 时使用兜底超时。
func (h *Hub) Send(ctx context.Context, channelID, event string, payload any) error {
	h.mu.RLock()
	ch, ok := h.channels[channelID]
	h.mu.RUnlock()

	if !ok {
		return merr.WrapErrChannelNotFound(channelID)
	}

	data, err := json.Marshal(&Envelope{Event: event, Data: payload})
	if err != nil {
		return merr.WrapErrChannelSendFailed(channelID, event, err.Error())
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	if err := ch.write(deadline, websocket.TextMessage, data); err != nil {
		return merr.WrapErrChannelSendFailed(channelID, event, err.Error())
	}
	return nil
}

// Shutdown 向所有连接发送关闭帧并关闭它们，用于进程退出。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for channelID, ch := range channels {
		if err := ch.write(time.Now().Add(time.Second), websocket.CloseMessage, closeMsg); err != nil {
			log.Debug("failed to send close frame",
				log.FieldChannelID(channelID))
		}
		_ = ch.conn.Close()
	}
}
