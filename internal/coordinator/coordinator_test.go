package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type CoordinatorSuite struct {
	suite.Suite

	coord  *Coordinator
	sender *mockSender
}

func (s *CoordinatorSuite) SetupTest() {
	s.coord = New(WithReapInterval(time.Hour), WithStaleAfter(time.Hour))
	s.sender = newMockSender()
	s.coord.SetSender(s.sender)
}

func (s *CoordinatorSuite) TearDownTest() {
	s.coord.Stop()
}

func (s *CoordinatorSuite) TestStartStopIdempotent() {
	s.coord.Start()
	s.coord.Start()
	s.coord.Stop()
	s.coord.Stop()
}

func (s *CoordinatorSuite) TestStopWithoutStart() {
	coord := New()
	coord.Stop()
}

func (s *CoordinatorSuite) TestLockUser() {
	unlock := s.coord.LockUser("42")
	unlock()
}

// 完整的编辑会话流程：HTTP 访问建立会话，两台设备接入通道，
// 状态广播到达全部设备，设备断开后在线状态随之收敛。
func (s *CoordinatorSuite) TestEditingSessionLifecycle() {
	ctx := context.Background()

	// HTTP 请求先行建立访问会话。
	s.coord.Touch("42", "sess-desktop")
	s.coord.MarkHTTPActive("42", "sess-desktop", true)

	// 桌面端复用既有会话接入通道，移动端现场铸造新会话。
	sessionID, err := s.coord.OnConnect("sockA", ConnectAttributes{UserID: "42", SessionID: "sess-desktop"})
	s.NoError(err)
	s.Equal("sess-desktop", sessionID)

	mobileSession, err := s.coord.OnConnect("sockB", ConnectAttributes{UserID: "42"})
	s.NoError(err)
	s.NotEmpty(mobileSession)

	s.Len(s.coord.SessionsFor("42"), 2)

	// 状态更新扇出到两台设备。
	delivered := s.coord.Notify(ctx, "42", EventStatusUpdate, map[string]any{"draft_id": 7})
	s.Equal(2, delivered)

	// 移动端断开：记录删除，桌面端收到 disconnect 通知。
	s.sender.mu.Lock()
	s.sender.sent = nil
	s.sender.mu.Unlock()
	s.coord.OnDisconnect(ctx, "sockB")

	sessions := s.coord.SessionsFor("42")
	s.Len(sessions, 1)
	s.Contains(sessions, "sess-desktop")
	s.Equal([]string{"sockA"}, s.sender.sentChannels())

	// 桌面端断开：HTTP 会话仍活跃，记录保留但通道解绑。
	s.coord.OnDisconnect(ctx, "sockA")
	sessions = s.coord.SessionsFor("42")
	s.Len(sessions, 1)
	s.Empty(sessions["sess-desktop"].ChannelID)

	// 无在线通道时广播投递数为 0。
	s.Zero(s.coord.Notify(ctx, "42", EventStatusUpdate, nil))
}

func (s *CoordinatorSuite) TestOptionsApplied() {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	coord := New(
		WithClock(func() time.Time { return now }),
		WithDeliveryTimeout(time.Second),
		WithStaleAfter(30*time.Minute),
	)
	defer coord.Stop()

	coord.Touch("42", "sess-1")
	s.Equal(now, coord.SessionsFor("42")["sess-1"].LastActive)
	s.Equal(time.Second, coord.notifier.deliveryTimeout)
	s.Equal(30*time.Minute, coord.reaper.staleAfter)
}

func TestCoordinator(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}
