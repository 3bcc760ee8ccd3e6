package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/json"
)

type HandlerSuite struct {
	suite.Suite

	coord  *coordinator.Coordinator
	hub    *Hub
	server *httptest.Server
}

func (s *HandlerSuite) SetupTest() {
	s.coord = coordinator.New(
		coordinator.WithReapInterval(time.Hour),
		coordinator.WithStaleAfter(time.Hour),
	)
	s.hub = NewHub()
	s.coord.SetSender(s.hub)
	s.server = httptest.NewServer(NewHandler(s.coord, s.hub))
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
	s.coord.Stop()
}

func (s *HandlerSuite) wsURL(query string) string {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	return url
}

func (s *HandlerSuite) dial(query string, header http.Header) *websocket.Conn {
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(query), header)
	s.Require().NoError(err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func (s *HandlerSuite) TestHandshakeWithoutUserIDRejected() {
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	s.Error(err)
	s.Nil(conn)
	s.Require().NotNil(resp)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Zero(s.coord.Registry().UserCount())
}

func (s *HandlerSuite) TestConnectRegistersSession() {
	conn := s.dial("user_id=42", nil)
	defer conn.Close()

	s.Eventually(func() bool {
		return len(s.coord.SessionsFor("42")) == 1
	}, time.Second, 10*time.Millisecond)
	s.Equal(1, s.hub.Count())
}

func (s *HandlerSuite) TestConnectReusesSessionCookie() {
	s.coord.Touch("42", "sess-http")

	header := http.Header{}
	header.Set("Cookie", SessionCookieName+"=sess-http")
	conn := s.dial("user_id=42", header)
	defer conn.Close()

	s.Eventually(func() bool {
		sessions := s.coord.SessionsFor("42")
		return len(sessions) == 1 && sessions["sess-http"].Bound()
	}, time.Second, 10*time.Millisecond)
}

func (s *HandlerSuite) TestRequestStatusUpdateFansOut() {
	conn := s.dial("user_id=42", nil)
	defer conn.Close()

	s.Eventually(func() bool {
		return s.hub.Count() == 1
	}, time.Second, 10*time.Millisecond)

	req, err := json.Marshal(&Envelope{Event: RequestStatusUpdate, Data: map[string]any{"draft_id": 7}})
	s.Require().NoError(err)
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, req))

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err)

	var env Envelope
	s.Require().NoError(json.Unmarshal(data, &env))
	s.Equal(coordinator.EventStatusUpdate, env.Event)
}

func (s *HandlerSuite) TestMalformedMessageIgnored() {
	conn := s.dial("user_id=42", nil)
	defer conn.Close()

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// 连接保持打开，后续请求仍被处理。
	req, err := json.Marshal(&Envelope{Event: RequestStatusUpdate})
	s.Require().NoError(err)
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, req))

	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	s.NoError(err)
}

func (s *HandlerSuite) TestDisconnectRemovesSession() {
	conn := s.dial("user_id=42", nil)

	s.Eventually(func() bool {
		return s.coord.Registry().UserCount() == 1
	}, time.Second, 10*time.Millisecond)

	s.Require().NoError(conn.Close())

	s.Eventually(func() bool {
		return s.coord.Registry().UserCount() == 0 && s.hub.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandler(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}
