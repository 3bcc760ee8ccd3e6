package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/json"
	"github.com/lk2023060901/blog-garden-go/pkg/log"
)

const (
	// UserIDParam 为握手请求中携带用户标识的查询参数名。
	UserIDParam = "user_id"

	// SessionCookieName 为 HTTP 会话协作方下发的会话 cookie 名。
	// 握手请求带有该 cookie 时，通道复用对应的访问会话。
	SessionCookieName = "session"

	// RequestStatusUpdate 为客户端主动请求一次状态广播的入站事件名。
	RequestStatusUpdate = "request_status_update"
)

// Handler 处理 /ws 升级请求并驱动每条通道的读循环。
//
// 生命周期：
//   1. 校验 user_id，缺失则直接拒绝握手；
//   2. 升级为 WebSocket，铸造通道标识并登记到 Hub；
//   3. 通过协调器完成通道绑定（绑定失败则关闭通道）；
//   4. 读循环串行处理入站事件直到连接断开；
//   5. 移除 Hub 登记并通知协调器解绑。
type Handler struct {
	coord *coordinator.Coordinator
	hub   *Hub

	upgrader websocket.Upgrader
}

// NewHandler 创建一个 Handler。
func NewHandler(coord *coordinator.Coordinator, hub *Hub) *Handler {
	return &Handler{
		coord: coord,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeHTTP 实现 http.Handler。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get(UserIDParam)
	if userID == "" {
		log.Warn("websocket handshake rejected: no user_id provided",
			zap.String("remoteAddr", r.RemoteAddr))
		http.Error(w, "user_id is required", http.StatusUnauthorized)
		return
	}

	var sessionID string
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		sessionID = cookie.Value
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时 gorilla 已经写出了 HTTP 错误响应。
		log.Warn("websocket upgrade failed",
			zap.String("remoteAddr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	channelID := uuid.NewString()
	if !h.hub.Add(channelID, conn) {
		log.Error("channel id conflict, dropping connection",
			log.FieldChannelID(channelID))
		_ = conn.Close()
		return
	}

	boundSession, err := h.coord.OnConnect(channelID, coordinator.ConnectAttributes{
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		h.hub.Remove(channelID)
		return
	}

	h.serve(r, conn, channelID, userID, boundSession)
}

// serve 驱动单条通道的读循环，连接断开后完成清理。
// 同一通道的入站事件在此协程中串行处理。
func (h *Handler) serve(r *http.Request, conn Conn, channelID, userID, sessionID string) {
	defer func() {
		h.hub.Remove(channelID)
		h.coord.OnDisconnect(r.Context(), channelID)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("channel closed unexpectedly",
					log.FieldChannelID(channelID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("discarding malformed channel message",
				log.FieldUserID(userID),
				log.FieldChannelID(channelID),
				zap.Error(err))
			continue
		}

		h.handleEvent(r, channelID, userID, sessionID, &env)
	}
}

func (h *Handler) handleEvent(r *http.Request, channelID, userID, sessionID string, env *Envelope) {
	switch env.Event {
	case RequestStatusUpdate:
		// 客户端请求一次状态广播：刷新会话活跃时间，
		// 再把当前状态扇出到该用户的全部通道（包括请求方自身）。
		h.coord.Touch(userID, sessionID)
		h.coord.Notify(r.Context(), userID, coordinator.EventStatusUpdate, env.Data)
	default:
		log.Debug("ignoring unknown channel event",
			log.FieldUserID(userID),
			log.FieldChannelID(channelID),
			zap.String("event", env.Event))
	}
}
