package build

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/metrics"
	"github.com/lk2023060901/blog-garden-go/pkg/util/conc"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

const (
	// DefaultBuildTimeout 为单次构建的总超时时间。
	DefaultBuildTimeout = 5 * time.Minute

	// historyLimit 为保留的构建历史条数上限。
	historyLimit = 10

	// maxTransientRetries 为瞬时失败的最大重试次数。
	maxTransientRetries = 3

	// singleflightKey 恒定不变：全站只有一个构建产物，所有触发共享同一次执行。
	singleflightKey = "site"
)

// Status 表示一次构建的最终状态。
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// EventBuildComplete 为构建完成时扇出的 status_update 负载子类型。
const EventBuildComplete = "build_complete"

// Result 记录一次构建的执行结果。
type Result struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Notifier 为构建完成通知所需的最小扇出能力。
// *coordinator.Coordinator 满足该接口。
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) int
}

// Manager 负责站点构建的触发、去重、执行与历史记录。
//
// 并发模型：
//   - 任意时刻至多一次构建在执行（in-flight 标记快速拒绝，
//     singleflight 合并越过标记竞态的并发触发）；
//   - 构建在共享工作池上异步执行，Trigger 立即返回 Future；
//   - 历史记录最多保留最近 historyLimit 条，新的在前。
type Manager struct {
	log.Binder

	runner   Runner
	notifier Notifier
	pool     *conc.Pool[*Result]

	sf      singleflight.Group
	running *atomic.Bool

	timeout time.Duration

	historyMu sync.Mutex
	history   []*Result
}

// ManagerOption 用于调整 Manager 的构造参数。
type ManagerOption func(*Manager)

// WithTimeout 设置单次构建的总超时时间。
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// NewManager 创建一个 Manager。
// notifier 可为 nil，此时构建完成不做扇出通知。
func NewManager(runner Runner, notifier Notifier, pool *conc.Pool[*Result], opts ...ManagerOption) *Manager {
	m := &Manager{
		runner:   runner,
		notifier: notifier,
		pool:     pool,
		running:  atomic.NewBool(false),
		timeout:  DefaultBuildTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Trigger 触发一次站点构建，立即返回对应的 Future。
//
// 行为：
//   - 已有构建在执行时返回错误，不排队；
//   - source 仅用于审计（标记触发来源，例如 "api" 或用户标识）；
//   - 构建完成后向 userID 的全部在线通道扇出 build_complete 通知。
func (m *Manager) Trigger(userID, source string) (*conc.Future[*Result], error) {
	if m.running.Load() {
		return nil, merr.WrapErrBuildInProgress(source)
	}

	future := m.pool.Submit(func() (*Result, error) {
		v, err, _ := m.sf.Do(singleflightKey, func() (any, error) {
			return m.runOnce(userID, source), nil
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	})
	return future, nil
}

// Running 返回当前是否有构建在执行。
func (m *Manager) Running() bool {
	return m.running.Load()
}

// History 返回构建历史的快照，新的在前。
func (m *Manager) History() []*Result {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	snapshot := make([]*Result, len(m.history))
	for i, res := range m.history {
		cloned := *res
		snapshot[i] = &cloned
	}
	return snapshot
}

// runOnce 执行一次完整的构建：重试、记账、扇出通知。
func (m *Manager) runOnce(userID, source string) *Result {
	m.running.Store(true)
	defer m.running.Store(false)

	result := &Result{
		ID:        uuid.NewString(),
		Source:    source,
		StartedAt: time.Now(),
	}

	m.Logger().Info("site build started",
		zap.String("buildID", result.ID),
		zap.String("source", source))

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	output, err := m.runWithRetry(ctx)
	result.FinishedAt = time.Now()
	result.Output = output

	elapsed := result.FinishedAt.Sub(result.StartedAt)
	metrics.BuildDuration.Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		metrics.BuildTotal.WithLabelValues("failed").Inc()
		m.Logger().Error("site build failed",
			zap.String("buildID", result.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		result.Status = StatusSucceeded
		metrics.BuildTotal.WithLabelValues("succeeded").Inc()
		m.Logger().Info("site build succeeded",
			zap.String("buildID", result.ID),
			zap.Duration("elapsed", elapsed))
	}

	m.appendHistory(result)
	m.notifyComplete(userID, result)
	return result
}

// runWithRetry 执行构建命令，仅对瞬时失败做指数退避重试。
// 确定性失败（脚本以非零码退出等）与 ctx 结束（总超时）直接放弃。
func (m *Manager) runWithRetry(ctx context.Context) (string, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	var output string
	err := backoff.Retry(func() error {
		var runErr error
		output, runErr = m.runner.Run(ctx)
		if runErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			// 总超时已到，结果不会再变化。
			return backoff.Permanent(runErr)
		}
		if !merr.IsRetryableErr(runErr) {
			return backoff.Permanent(runErr)
		}
		return runErr
	}, backoff.WithContext(backoff.WithMaxRetries(expBackoff, maxTransientRetries), ctx))

	return output, err
}

func (m *Manager) appendHistory(result *Result) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	m.history = append([]*Result{result}, m.history...)
	if len(m.history) > historyLimit {
		m.history = m.history[:historyLimit]
	}
}

// notifyComplete 将构建结果扇出到触发者的全部在线通道。
func (m *Manager) notifyComplete(userID string, result *Result) {
	if m.notifier == nil || userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), coordinator.DefaultDeliveryTimeout)
	defer cancel()

	m.notifier.Notify(ctx, userID, coordinator.EventStatusUpdate, map[string]any{
		"type":     EventBuildComplete,
		"build_id": result.ID,
		"status":   string(result.Status),
		"error":    result.Error,
	})
}
