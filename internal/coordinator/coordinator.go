package coordinator

import (
	"context"
	"sync"
	"time"
)

// Coordinator 将在线状态的各个子组件组合为一个显式持有生命周期的服务对象：
//
//   - Registry     ：用户 -> 会话 -> 记录 的权威登记表；
//   - KeyedMutex   ：按用户串行化敏感操作的锁表；
//   - Binder       ：通道接入/断开协议；
//   - Notifier     ：按用户扇出事件到全部在线通道；
//   - Reaper       ：后台过期清理任务（随 Start 启动，随 Stop 结束）。
//
// 进程启动时构造一个实例并注入到所有使用方，组件之间不共享裸全局变量。
// 会话状态只存在于内存中，进程重启后不保留（尽力而为的在线层，非持久存储）。
type Coordinator struct {
	registry *Registry
	locks    *KeyedMutex
	binder   *Binder
	notifier *Notifier
	reaper   *Reaper

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option 用于调整 Coordinator 的构造参数。
type Option func(*options)

type options struct {
	reapInterval    time.Duration
	staleAfter      time.Duration
	deliveryTimeout time.Duration
	now             func() time.Time
}

// WithReapInterval 设置后台清理任务的执行间隔。
func WithReapInterval(d time.Duration) Option {
	return func(o *options) { o.reapInterval = d }
}

// WithStaleAfter 设置会话的过期阈值。
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

// WithDeliveryTimeout 设置单条通道投递的超时时间。
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *options) { o.deliveryTimeout = d }
}

// WithClock 替换时间源，仅用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New 创建一个 Coordinator。
// 通道传输能力需在传输层就绪后通过 SetSender 注入。
func New(opts ...Option) *Coordinator {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	registry := NewRegistry()
	if o.now != nil {
		registry.now = o.now
	}

	notifier := NewNotifier(registry)
	if o.deliveryTimeout > 0 {
		notifier.deliveryTimeout = o.deliveryTimeout
	}

	return &Coordinator{
		registry: registry,
		locks:    NewKeyedMutex(),
		binder:   NewBinder(registry, notifier),
		notifier: notifier,
		reaper:   NewReaper(registry, o.reapInterval, o.staleAfter),
	}
}

// Start 启动后台清理任务。重复调用只生效一次。
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.reaper.Run(ctx)
		}()
	})
}

// Stop 结束后台清理任务并等待其退出。重复调用只生效一次。
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// Touch 刷新或创建一条访问会话记录，由无状态会话层在每个请求上调用。
func (c *Coordinator) Touch(userID, sessionID string) {
	c.registry.Touch(userID, sessionID)
}

// MarkHTTPActive 更新会话的 HTTPActive 标记。
func (c *Coordinator) MarkHTTPActive(userID, sessionID string, active bool) bool {
	return c.registry.MarkHTTPActive(userID, sessionID, active)
}

// SessionsFor 返回指定用户当前的会话集快照，用于诊断查询。
func (c *Coordinator) SessionsFor(userID string) map[string]*SessionRecord {
	return c.registry.SessionsFor(userID)
}

// Notify 将事件扇出到指定用户的全部在线通道，返回成功投递数。
func (c *Coordinator) Notify(ctx context.Context, userID, event string, payload any) int {
	return c.notifier.Notify(ctx, userID, event, payload)
}

// SetSender 注入通道传输层的发送能力。
func (c *Coordinator) SetSender(sender ChannelSender) {
	c.notifier.SetSender(sender)
}

// OnConnect 处理一次通道接入。
func (c *Coordinator) OnConnect(channelID string, attrs ConnectAttributes) (string, error) {
	return c.binder.OnConnect(channelID, attrs)
}

// OnDisconnect 处理一次通道断开。
func (c *Coordinator) OnDisconnect(ctx context.Context, channelID string) {
	c.binder.OnDisconnect(ctx, channelID)
}

// LockUser 获取指定用户的互斥锁，返回解锁函数。
func (c *Coordinator) LockUser(userID string) (unlock func()) {
	return c.locks.Lock(userID)
}

// Registry 返回底层登记表。
func (c *Coordinator) Registry() *Registry {
	return c.registry
}
