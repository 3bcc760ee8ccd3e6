package coordinator

import "time"

// Status 表示访问会话的状态。
//
// 说明：
//   - 当前实现只会写入 StatusActive；
//   - 预留该枚举是为了后续扩展（例如“即将过期”“已挂起”等状态）。
type Status string

const (
	// StatusActive 表示会话处于活跃状态。
	StatusActive Status = "active"
)

// reservedChannelKey 为保留的会话键名。
//
// 历史实现曾把通道标识直接写进用户的会话表（键为 "channel_id"），
// 该形态的条目不代表真实会话，validate 过程会将其清除。
const reservedChannelKey = "channel_id"

// SessionRecord 表示一个 (用户, 会话) 对的登记信息。
//
// 约定：
//   - SessionID 在单个用户的会话集内唯一，且在多次 touch 之间保持稳定；
//   - ChannelID 非空时表示该会话当前绑定着一条在线长连接通道；
//   - ChannelID 为空时表示纯 HTTP 访问会话（尚未建立通道，或通道已断开
//     但会话仍被视为“近期活跃”）；
//   - HTTPActive 由 HTTP 会话协作方设置：为 true 时通道断开仅解绑通道，
//     会话记录保留以待重连；为 false 时通道断开会连同记录一起删除。
type SessionRecord struct {
	SessionID  string
	LastActive time.Time
	Status     Status
	ChannelID  string
	HTTPActive bool
}

// Bound 返回该会话当前是否绑定着长连接通道。
func (r *SessionRecord) Bound() bool {
	return r != nil && r.ChannelID != ""
}

// wellFormed 判断记录在给定会话键下是否为合法形态。
//
// 非法形态（nil、键与 SessionID 不一致、缺失活跃时间、保留键）一律视为
// 损坏条目，由 validate 或后台清理任务删除。
func (r *SessionRecord) wellFormed(key string) bool {
	if r == nil {
		return false
	}
	if key == reservedChannelKey {
		return false
	}
	if r.SessionID == "" || r.SessionID != key {
		return false
	}
	if r.LastActive.IsZero() {
		return false
	}
	return true
}

// clone 返回记录的深拷贝，用于对外暴露快照。
func (r *SessionRecord) clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cloned := *r
	return &cloned
}
