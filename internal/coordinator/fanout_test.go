package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// mockSender 记录每次投递并按通道返回预设错误。
type mockSender struct {
	mu       sync.Mutex
	sent     []sentEvent
	attempts map[string]int
	failures map[string]error
	failOnce map[string]error
}

type sentEvent struct {
	channelID string
	event     string
	payload   any
}

func newMockSender() *mockSender {
	return &mockSender{
		attempts: make(map[string]int),
		failures: make(map[string]error),
		failOnce: make(map[string]error),
	}
}

func (m *mockSender) failChannel(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[channelID] = err
}

func (m *mockSender) failChannelOnce(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOnce[channelID] = err
}

func (m *mockSender) Send(_ context.Context, channelID, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[channelID]++
	if err, ok := m.failOnce[channelID]; ok {
		delete(m.failOnce, channelID)
		return err
	}
	if err, ok := m.failures[channelID]; ok {
		return err
	}
	m.sent = append(m.sent, sentEvent{channelID: channelID, event: event, payload: payload})
	return nil
}

func (m *mockSender) attemptCount(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[channelID]
}

func (m *mockSender) sentChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, 0, len(m.sent))
	for _, ev := range m.sent {
		channels = append(channels, ev.channelID)
	}
	return channels
}

type NotifierSuite struct {
	suite.Suite

	registry *Registry
	notifier *Notifier
	sender   *mockSender
}

func (s *NotifierSuite) SetupTest() {
	s.registry = NewRegistry()
	s.notifier = NewNotifier(s.registry)
	s.sender = newMockSender()
	s.notifier.SetSender(s.sender)
}

func (s *NotifierSuite) TestNotifyWithoutSender() {
	s.notifier.SetSender(nil)
	s.registry.bindChannel("42", "sess-1", "sockA")

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Zero(count)
}

func (s *NotifierSuite) TestNotifyUnknownUser() {
	count := s.notifier.Notify(context.Background(), "999", EventStatusUpdate, nil)
	s.Zero(count)
	s.Empty(s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifyAllChannels() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.registry.bindChannel("42", "sess-2", "sockB")
	s.registry.bindChannel("42", "sess-3", "sockC")

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, map[string]any{"post_id": 7})
	s.Equal(3, count)
	s.ElementsMatch([]string{"sockA", "sockB", "sockC"}, s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifyIsolatesFailures() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.registry.bindChannel("42", "sess-2", "sockB")
	s.registry.bindChannel("42", "sess-3", "sockC")
	s.sender.failChannel("sockB", errors.New("write: broken pipe"))

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Equal(2, count)
	s.ElementsMatch([]string{"sockA", "sockC"}, s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifyRetriesTransientSendFailure() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.sender.failChannelOnce("sockA", merr.WrapErrChannelSendFailed("sockA", EventStatusUpdate, "write deadline exceeded"))

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Equal(1, count)
	s.Equal(2, s.sender.attemptCount("sockA"))
	s.Equal([]string{"sockA"}, s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifySendsOnceOnDeterministicFailure() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.sender.failChannel("sockA", merr.WrapErrChannelNotFound("sockA"))

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Zero(count)
	s.Equal(1, s.sender.attemptCount("sockA"))
}

func (s *NotifierSuite) TestNotifySkipsUnboundSessions() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.registry.Touch("42", "sess-2")

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Equal(1, count)
	s.Equal([]string{"sockA"}, s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifyDeduplicatesChannels() {
	s.registry.bindChannel("42", "sess-1", "sockA")
	s.registry.bindChannel("42", "sess-2", "sockA")

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Equal(1, count)
	s.Equal([]string{"sockA"}, s.sender.sentChannels())
}

func (s *NotifierSuite) TestNotifyNilContext() {
	s.registry.bindChannel("42", "sess-1", "sockA")

	count := s.notifier.Notify(nil, "42", EventStatusUpdate, nil) //nolint:staticcheck
	s.Equal(1, count)
}

func (s *NotifierSuite) TestDeliveryTimeout() {
	s.notifier.deliveryTimeout = 10 * time.Millisecond
	s.registry.bindChannel("42", "sess-1", "slow")
	s.notifier.SetSender(senderFunc(func(ctx context.Context, _, _ string, _ any) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	count := s.notifier.Notify(context.Background(), "42", EventStatusUpdate, nil)
	s.Zero(count)
}

type senderFunc func(ctx context.Context, channelID, event string, payload any) error

func (f senderFunc) Send(ctx context.Context, channelID, event string, payload any) error {
	return f(ctx, channelID, event, payload)
}

func TestNotifier(t *testing.T) {
	suite.Run(t, new(NotifierSuite))
}
