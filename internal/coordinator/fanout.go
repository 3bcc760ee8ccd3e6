package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/metrics"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
	"github.com/lk2023060901/blog-garden-go/pkg/util/retry"
	"github.com/lk2023060901/blog-garden-go/pkg/util/typeutil"
)

// 协调器对外广播的事件名。
// 事件负载对协调器不透明，由调用方定义，要求可被 JSON 序列化。
const (
	EventSessionUpdate = "session_update"
	EventStatusUpdate  = "status_update"
)

// SessionUpdateTypeDisconnect 为 session_update 事件的“通道断开”子类型。
const SessionUpdateTypeDisconnect = "disconnect"

// ChannelSender 是通道传输层注入的发送能力。
//
// 约定：
//   - 实现方应尊重 ctx 的超时/取消，避免单次投递无限阻塞；
//   - 发送失败返回非 nil error，由扇出逻辑记录并隔离。
type ChannelSender interface {
	Send(ctx context.Context, channelID, event string, payload any) error
}

// DefaultDeliveryTimeout 为单条通道投递的超时时间。
//
// 投递按顺序进行；若不加超时，单个挂死的通道会拖住同一次扇出中
// 排在其后的所有通道，因此每次投递都携带独立的超时上下文。
const DefaultDeliveryTimeout = 5 * time.Second

// Notifier 将一个逻辑事件投递到指定用户当前持有的所有在线通道。
//
// 投递语义为每通道至多一次、尽力而为：
//   - 单条通道投递失败只记录日志并计入失败，不影响其余通道；
//   - 返回值为成功投递数，是调用方唯一可以依赖的契约。
type Notifier struct {
	registry *Registry

	mu     sync.RWMutex
	sender ChannelSender

	deliveryTimeout time.Duration
}

// NewNotifier 创建一个 Notifier。
// 传输能力需在初始化完成后通过 SetSender 注入。
func NewNotifier(registry *Registry) *Notifier {
	return &Notifier{
		registry:        registry,
		deliveryTimeout: DefaultDeliveryTimeout,
	}
}

// SetSender 注入通道传输层的发送能力。
func (n *Notifier) SetSender(sender ChannelSender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sender = sender
}

func (n *Notifier) currentSender() ChannelSender {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sender
}

// Notify 将事件投递到指定用户的全部在线通道，返回成功投递数。
//
// 行为：
//   - 传输能力尚未注入（协调器未完成初始化）时记录错误并返回 0，不抛错；
//   - 用户没有任何登记条目时返回 0，仅记 Warn（对无在线通道的用户属正常情形）；
//   - 未绑定通道的会话直接跳过；
//   - 各通道投递相互独立，失败不会中断后续投递。
func (n *Notifier) Notify(ctx context.Context, userID, event string, payload any) int {
	sender := n.currentSender()
	if sender == nil {
		log.Error("channel sender is not set, cannot deliver",
			log.FieldUserID(userID),
			zap.String("event", event))
		return 0
	}

	channels, ok := n.registry.channelsFor(userID)
	if !ok {
		log.Warn("no active sessions for user",
			log.FieldUserID(userID),
			zap.String("event", event))
		return 0
	}

	successful := 0
	delivered := typeutil.NewSet[string]()

	for _, ch := range channels {
		if ch.channelID == "" {
			log.Debug("session has no channel bound, skipping",
				log.FieldUserID(userID),
				log.FieldSessionID(ch.sessionID))
			continue
		}
		// 同一通道被多条记录引用属于损坏形态，只投递一次。
		if delivered.Contain(ch.channelID) {
			continue
		}
		delivered.Insert(ch.channelID)

		if err := n.deliver(ctx, sender, ch.channelID, event, payload); err != nil {
			log.Error("failed to deliver event to channel",
				log.FieldUserID(userID),
				log.FieldSessionID(ch.sessionID),
				log.FieldChannelID(ch.channelID),
				zap.String("event", event),
				zap.Error(err))
			metrics.PresenceDeliveries.WithLabelValues(event, "error").Inc()
			continue
		}

		successful++
		metrics.PresenceDeliveries.WithLabelValues(event, "ok").Inc()
		log.Debug("delivered event to channel",
			log.FieldSessionID(ch.sessionID),
			log.FieldChannelID(ch.channelID),
			zap.String("event", event))
	}

	return successful
}

// deliverRetrySleep 为单条投递中补发前的初始休眠时间。
const deliverRetrySleep = 100 * time.Millisecond

func (n *Notifier) deliver(ctx context.Context, sender ChannelSender, channelID, event string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, n.deliveryTimeout)
	defer cancel()

	// 仅对标记为可重试的发送失败（如写超时）在投递窗口内补发一次，
	// 通道已注销等确定性失败立即放弃。
	return retry.Do(ctx, func() error {
		return sender.Send(ctx, channelID, event, payload)
	}, retry.Attempts(2), retry.Sleep(deliverRetrySleep), retry.RetryErr(merr.IsRetryableErr))
}
