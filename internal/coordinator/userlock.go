package coordinator

import "sync"

// KeyedMutex 维护 用户标识 -> 互斥锁 的表，用于串行化同一用户的敏感操作。
//
// 典型用法是登录/凭据流程中的“读-判-写”序列：同一用户的两次并发认证
// 不允许交错写入会话建立状态。
//
// 生命周期：
//   - 锁按用户惰性创建，创建动作本身由表级锁保护；
//   - 创建后不再销毁（泄漏上限为不同用户数，可接受）；
//   - 调用方必须通过返回的 unlock 以 defer 方式释放，保证任意退出路径
//     （包括出错）都不会令该用户的临界区永久卡死。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex 创建一个空的 KeyedMutex。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock 获取指定用户的互斥锁并立即加锁，返回对应的解锁函数。
//
// 用法：
//
//	unlock := locks.Lock(userID)
//	defer unlock()
func (km *KeyedMutex) Lock(userID string) (unlock func()) {
	km.mu.Lock()
	l, ok := km.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		km.locks[userID] = l
	}
	km.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Len 返回当前已创建的用户锁数量，仅用于诊断。
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
