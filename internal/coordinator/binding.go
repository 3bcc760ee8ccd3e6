package coordinator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// ConnectAttributes 为通道建立时由传输层提取的握手属性。
//
// 说明：
//   - UserID 来自外部身份提供方（缺失则必须拒绝连接）；
//   - SessionID 为 HTTP 会话协作方透传的既有访问会话标识（例如握手中携带
//     的 cookie），为空时由绑定协议现场铸造一个新的标识。
type ConnectAttributes struct {
	UserID    string
	SessionID string
}

// Binder 实现通道的接入/断开生命周期，负责维护通道与会话记录的绑定关系。
//
// 同一用户可以合法地同时持有多条通道（多设备/多标签页），每条通道对应
// 一条独立的会话记录；本协议从不假设“一用户一通道”。
type Binder struct {
	registry *Registry
	notifier *Notifier
}

// NewBinder 创建一个 Binder。
func NewBinder(registry *Registry, notifier *Notifier) *Binder {
	return &Binder{
		registry: registry,
		notifier: notifier,
	}
}

// OnConnect 处理一次通道接入，返回该通道绑定到的访问会话标识。
//
// 流程：
//  1. 属性中缺失用户标识时返回错误，调用方必须拒绝该通道；
//  2. 复用属性中携带的会话标识，否则铸造一个新的；
//  3. 先对该用户执行一次 validate；
//  4. 写入/刷新 (用户, 会话) 记录并绑定通道。
func (b *Binder) OnConnect(channelID string, attrs ConnectAttributes) (string, error) {
	if attrs.UserID == "" {
		log.Warn("connection rejected: no user_id provided",
			log.FieldChannelID(channelID))
		return "", merr.WrapErrChannelUnauthorized(channelID)
	}

	sessionID := attrs.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	b.registry.Validate(attrs.UserID)
	b.registry.bindChannel(attrs.UserID, sessionID, channelID)

	log.Info("channel connected",
		log.FieldUserID(attrs.UserID),
		log.FieldSessionID(sessionID),
		log.FieldChannelID(channelID))
	return sessionID, nil
}

// OnDisconnect 处理一次通道断开。
//
// 流程：
//  1. 线性扫描找到绑定该通道的会话记录（正常情况下至多一条，
//     出现多条时按相同规则逐条处理）；
//  2. HTTPActive 的会话只解绑通道，其余会话连同记录一起删除；
//  3. 基于移除后的状态向该用户剩余通道广播 disconnect 子类型的
//     session_update 事件，因此断开的通道自身不会收到该事件；
//  4. 会话集清空的用户条目随之移除。
func (b *Binder) OnDisconnect(ctx context.Context, channelID string) {
	results := b.registry.unbindChannel(channelID)
	if len(results) == 0 {
		log.Debug("disconnect for unknown channel",
			log.FieldChannelID(channelID))
		return
	}

	for _, res := range results {
		log.Info("channel disconnected",
			log.FieldUserID(res.userID),
			log.FieldSessionID(res.sessionID),
			log.FieldChannelID(channelID),
			zap.Bool("recordRemoved", res.removed))

		b.notifier.Notify(ctx, res.userID, EventSessionUpdate, map[string]any{
			"type":       SessionUpdateTypeDisconnect,
			"session_id": res.sessionID,
		})
	}
}
