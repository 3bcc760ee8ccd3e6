package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn 抽象了一条已完成升级的 WebSocket 连接。
//
// 说明：
//   - *websocket.Conn 天然满足该接口，测试中可用内存实现替代；
//   - gorilla 要求同一连接的并发写必须由调用方自行串行化，
//     本包在 channel 层面为每条连接维护一把写锁。
type Conn interface {
	// ReadMessage 读取下一条完整消息。
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage 写出一条完整消息。
	WriteMessage(messageType int, data []byte) error

	// SetWriteDeadline 设置后续写操作的截止时间。
	SetWriteDeadline(t time.Time) error

	// Close 关闭底层连接。多次调用应是幂等的。
	Close() error
}

// 确保 gorilla 连接满足 Conn 接口。
var _ Conn = (*websocket.Conn)(nil)
