package build

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/blog-garden-go/pkg/util/conc"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// fakeRunner 按脚本返回结果，记录调用次数。
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	results []fakeRun
	block   chan struct{}
}

type fakeRun struct {
	output string
	err    error
}

func (r *fakeRunner) Run(ctx context.Context) (string, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	if i < 0 {
		return "", nil
	}
	return r.results[i].output, r.results[i].err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeNotifier 记录扇出调用。
type fakeNotifier struct {
	mu     sync.Mutex
	events []fanout
}

type fanout struct {
	userID  string
	event   string
	payload any
}

func (n *fakeNotifier) Notify(_ context.Context, userID, event string, payload any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, fanout{userID: userID, event: event, payload: payload})
	return 1
}

func (n *fakeNotifier) snapshot() []fanout {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]fanout(nil), n.events...)
}

type ManagerSuite struct {
	suite.Suite

	pool     *conc.Pool[*Result]
	notifier *fakeNotifier
}

func (s *ManagerSuite) SetupTest() {
	s.pool = conc.NewPool[*Result](4)
	s.notifier = &fakeNotifier{}
}

func (s *ManagerSuite) TearDownTest() {
	s.pool.Release()
}

func (s *ManagerSuite) TestTriggerSucceeds() {
	runner := &fakeRunner{results: []fakeRun{{output: "built 12 pages"}}}
	manager := NewManager(runner, s.notifier, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	result, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusSucceeded, result.Status)
	s.Equal("built 12 pages", result.Output)
	s.Equal("api", result.Source)
	s.NotEmpty(result.ID)
	s.False(result.FinishedAt.Before(result.StartedAt))

	events := s.notifier.snapshot()
	s.Require().Len(events, 1)
	s.Equal("42", events[0].userID)
	payload, ok := events[0].payload.(map[string]any)
	s.Require().True(ok)
	s.Equal(EventBuildComplete, payload["type"])
	s.Equal(string(StatusSucceeded), payload["status"])
}

func (s *ManagerSuite) TestTriggerRetriesTransientFailure() {
	runner := &fakeRunner{results: []fakeRun{
		{err: merr.WrapErrIoFailed("hugo", errors.New("fork/exec: resource temporarily unavailable"))},
		{output: "built"},
	}}
	manager := NewManager(runner, s.notifier, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	result, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusSucceeded, result.Status)
	s.Equal(2, runner.callCount())
}

func (s *ManagerSuite) TestTriggerExhaustsRetries() {
	runner := &fakeRunner{results: []fakeRun{
		{err: merr.WrapErrIoFailed("hugo", errors.New("read /theme: input/output error"))},
	}}
	manager := NewManager(runner, s.notifier, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	result, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusFailed, result.Status)
	s.NotEmpty(result.Error)
	s.Equal(1+maxTransientRetries, runner.callCount())
}

func (s *ManagerSuite) TestTriggerFailsFastOnScriptError() {
	runner := &fakeRunner{results: []fakeRun{
		{output: "config error: bad baseURL", err: merr.WrapErrBuildFailed("hugo", errors.New("exit status 1"))},
	}}
	manager := NewManager(runner, s.notifier, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	result, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusFailed, result.Status)
	s.Equal("config error: bad baseURL", result.Output)
	s.Equal(1, runner.callCount())
}

func (s *ManagerSuite) TestTriggerRejectsConcurrentBuild() {
	block := make(chan struct{})
	runner := &fakeRunner{results: []fakeRun{{output: "built"}}, block: block}
	manager := NewManager(runner, s.notifier, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	s.Eventually(manager.Running, time.Second, 5*time.Millisecond)

	_, err = manager.Trigger("42", "api")
	s.Require().Error(err)
	s.ErrorIs(err, merr.ErrBuildInProgress)

	close(block)
	_, err = future.Await()
	s.NoError(err)
	s.False(manager.Running())
}

func (s *ManagerSuite) TestBuildTimeout() {
	block := make(chan struct{})
	defer close(block)
	runner := &fakeRunner{block: block}
	manager := NewManager(runner, s.notifier, s.pool, WithTimeout(20*time.Millisecond))

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)

	result, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusFailed, result.Status)
}

func (s *ManagerSuite) TestHistoryBounded() {
	runner := &fakeRunner{results: []fakeRun{{output: "built"}}}
	manager := NewManager(runner, nil, s.pool)

	for i := 0; i < historyLimit+3; i++ {
		future, err := manager.Trigger("42", "api")
		s.Require().NoError(err)
		_, err = future.Await()
		s.Require().NoError(err)
	}

	history := manager.History()
	s.Len(history, historyLimit)
}

func (s *ManagerSuite) TestHistoryNewestFirst() {
	runner := &fakeRunner{results: []fakeRun{
		{err: merr.WrapErrBuildFailed("hugo", errors.New("exit status 1"))},
		{output: "built"},
	}}
	manager := NewManager(runner, nil, s.pool)

	future, err := manager.Trigger("42", "api")
	s.Require().NoError(err)
	first, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusFailed, first.Status)

	future, err = manager.Trigger("42", "api")
	s.Require().NoError(err)
	second, err := future.Await()
	s.Require().NoError(err)
	s.Equal(StatusSucceeded, second.Status)

	history := manager.History()
	s.Require().Len(history, 2)
	s.Equal(second.ID, history[0].ID)
	s.Equal(first.ID, history[1].ID)
}

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}
