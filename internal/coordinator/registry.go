package coordinator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/metrics"
)

// Registry 维护 用户 -> 会话 -> 记录 的两级索引，是进程内在线状态的唯一权威。
//
// 职责说明：
//   - 只负责会话记录的登记、查询、校验和移除，不关心通道的实际收发；
//   - 所有变更都必须经过本类型的方法，外部不允许直接操作内部映射；
//   - 一个用户的会话集为空时，该用户条目会被立即移除，不允许空壳用户存在。
//
// 并发模型：
//   - 内部使用单把互斥锁保护两级映射，临界区内不做任何可能阻塞的调用；
//   - 对外返回的会话集合一律为深拷贝快照，调用方不能假设快照与当前状态一致。
type Registry struct {
	mu    sync.Mutex
	users map[string]map[string]*SessionRecord

	// now 用于获取当前时间，测试中可替换。
	now func() time.Time
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]*SessionRecord),
		now:   time.Now,
	}
}

// Touch 刷新或创建一条访问会话记录。
//
// 行为：
//   - (userID, sessionID) 已存在时仅更新 LastActive；
//   - 不存在时插入一条新记录：StatusActive、无绑定通道；
//   - 幂等：重复调用不会产生重复记录，也不会报错。
func (r *Registry) Touch(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[string]*SessionRecord)
		r.users[userID] = sessions
	}

	if rec, ok := sessions[sessionID]; ok && rec != nil {
		rec.LastActive = r.now()
		return
	}

	sessions[sessionID] = &SessionRecord{
		SessionID:  sessionID,
		LastActive: r.now(),
		Status:     StatusActive,
	}
	r.updateGaugesLocked()
}

// MarkHTTPActive 更新会话的 HTTPActive 标记。
//
// 该标记由 HTTP 会话协作方维护，决定通道断开时会话记录的去留。
// 返回 false 表示对应会话不存在。
func (r *Registry) MarkHTTPActive(userID, sessionID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.users[userID][sessionID]
	if !ok || rec == nil {
		return false
	}
	rec.HTTPActive = active
	return true
}

// SessionsFor 返回指定用户当前的会话集快照。
//
// 行为：
//   - 先执行一次 Validate，清除该用户名下的损坏条目；
//   - 用户不存在时返回空映射而不是错误；
//   - 返回值为深拷贝，调用方修改快照不会影响登记表。
func (r *Registry) SessionsFor(userID string) map[string]*SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validateLocked(userID)

	snapshot := make(map[string]*SessionRecord, len(r.users[userID]))
	for id, rec := range r.users[userID] {
		snapshot[id] = rec.clone()
	}
	return snapshot
}

// Validate 清除指定用户名下的损坏条目（保留键、形态非法的记录）。
//
// 该操作属于防御性自愈：正常路径不会产生损坏条目，一旦出现只记录日志并
// 原地修复，绝不向调用方抛错。
func (r *Registry) Validate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.validateLocked(userID)
}

func (r *Registry) validateLocked(userID string) {
	sessions, ok := r.users[userID]
	if !ok {
		return
	}

	for key, rec := range sessions {
		if rec.wellFormed(key) {
			continue
		}
		log.Warn("removing invalid session entry",
			log.FieldUserID(userID),
			zap.String("key", key))
		delete(sessions, key)
		metrics.PresenceEvictions.WithLabelValues("malformed").Inc()
	}

	r.removeUserIfEmptyLocked(userID)
	r.updateGaugesLocked()
}

// bindChannel 将通道绑定到 (userID, sessionID) 上，必要时创建会话记录。
// 由通道绑定协议在连接建立时调用。
func (r *Registry) bindChannel(userID, sessionID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[string]*SessionRecord)
		r.users[userID] = sessions
	}

	rec, ok := sessions[sessionID]
	if !ok || rec == nil {
		rec = &SessionRecord{SessionID: sessionID}
		sessions[sessionID] = rec
	}
	rec.LastActive = r.now()
	rec.Status = StatusActive
	rec.ChannelID = channelID

	r.updateGaugesLocked()
}

// unboundSession 描述一次通道解绑的结果。
type unboundSession struct {
	userID    string
	sessionID string
	removed   bool
}

// unbindChannel 解除指定通道与所有会话记录的绑定。
//
// 行为：
//   - 线性扫描全部用户的会话记录，正常情况下至多命中一条；
//   - 命中多条（损坏形态）时按相同规则逐条处理；
//   - HTTPActive 为 true 的会话仅清空 ChannelID，记录保留以待重连；
//     否则整条记录删除；
//   - 处理后会话集为空的用户条目一并移除。
func (r *Registry) unbindChannel(channelID string) []unboundSession {
	if channelID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var results []unboundSession
	for userID, sessions := range r.users {
		for sessionID, rec := range sessions {
			if rec == nil || rec.ChannelID != channelID {
				continue
			}
			if rec.HTTPActive {
				rec.ChannelID = ""
				results = append(results, unboundSession{userID: userID, sessionID: sessionID})
			} else {
				delete(sessions, sessionID)
				results = append(results, unboundSession{userID: userID, sessionID: sessionID, removed: true})
			}
		}
		r.removeUserIfEmptyLocked(userID)
	}

	r.updateGaugesLocked()
	return results
}

// boundChannel 描述一条可投递的 (会话, 通道) 对。
type boundChannel struct {
	sessionID string
	channelID string
}

// channelsFor 返回指定用户当前全部会话的 (会话, 通道) 快照。
// 未绑定通道的会话也会出现在结果中（channelID 为空），由扇出逻辑跳过。
// 第二个返回值表示该用户是否存在登记条目。
func (r *Registry) channelsFor(userID string) ([]boundChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.users[userID]
	if !ok {
		return nil, false
	}

	channels := make([]boundChannel, 0, len(sessions))
	for sessionID, rec := range sessions {
		if rec == nil {
			continue
		}
		channels = append(channels, boundChannel{sessionID: sessionID, channelID: rec.ChannelID})
	}
	return channels, true
}

// evictStale 移除活跃时间早于 cutoff 的会话记录以及损坏条目。
// 由后台清理任务周期性调用，返回本轮移除的记录数。
func (r *Registry) evictStale(staleAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0

	for userID, sessions := range r.users {
		for key, rec := range sessions {
			if !rec.wellFormed(key) {
				delete(sessions, key)
				removed++
				metrics.PresenceEvictions.WithLabelValues("malformed").Inc()
				continue
			}
			if now.Sub(rec.LastActive) > staleAfter {
				delete(sessions, key)
				removed++
				metrics.PresenceEvictions.WithLabelValues("stale").Inc()
				log.Info("cleaned up stale session",
					log.FieldUserID(userID),
					log.FieldSessionID(key))
			}
		}
		r.removeUserIfEmptyLocked(userID)
	}

	r.updateGaugesLocked()
	return removed
}

// UserCount 返回当前持有至少一条会话记录的用户数。
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// removeUserIfEmptyLocked 在用户的会话集为空时移除用户条目。
// 调用方必须持有 r.mu。
func (r *Registry) removeUserIfEmptyLocked(userID string) {
	if sessions, ok := r.users[userID]; ok && len(sessions) == 0 {
		delete(r.users, userID)
	}
}

// updateGaugesLocked 重新计算在线会话与在线通道指标。
// 调用方必须持有 r.mu。
func (r *Registry) updateGaugesLocked() {
	var numSessions, numChannels int
	for _, sessions := range r.users {
		numSessions += len(sessions)
		for _, rec := range sessions {
			if rec.Bound() {
				numChannels++
			}
		}
	}
	metrics.PresenceSessions.Set(float64(numSessions))
	metrics.PresenceChannels.Set(float64(numChannels))
}
