package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/blog-garden-go/internal/build"
	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/json"
	"github.com/lk2023060901/blog-garden-go/pkg/util/conc"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// headerResolver 从 X-User-ID 头解析用户，测试专用。
type headerResolver struct{}

func (headerResolver) Resolve(r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	return userID, userID != ""
}

// staticAuth 只认一组固定凭据。
type staticAuth struct{}

func (staticAuth) Authenticate(_ context.Context, username, password string) (string, error) {
	if username == "admin" && password == "s3cret" {
		return "42", nil
	}
	return "", merr.WrapErrUserNotFound(username)
}

// blockingRunner 构建时挂起直到 release 被关闭。
type blockingRunner struct {
	mu      sync.Mutex
	release chan struct{}
}

func (r *blockingRunner) setRelease(ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release = ch
}

func (r *blockingRunner) Run(ctx context.Context) (string, error) {
	r.mu.Lock()
	release := r.release
	r.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "built", nil
}

type ServerSuite struct {
	suite.Suite

	coord  *coordinator.Coordinator
	pool   *conc.Pool[*build.Result]
	runner *blockingRunner
	server *httptest.Server
}

func (s *ServerSuite) SetupTest() {
	s.coord = coordinator.New(
		coordinator.WithReapInterval(time.Hour),
		coordinator.WithStaleAfter(time.Hour),
	)
	s.pool = conc.NewPool[*build.Result](2)
	s.runner = &blockingRunner{}
	builds := build.NewManager(s.runner, s.coord, s.pool)

	srv := NewServer(Config{Addr: ":0"}, s.coord, builds, headerResolver{}, staticAuth{}, nil)
	s.server = httptest.NewServer(srv.Handler())
}

func (s *ServerSuite) TearDownTest() {
	s.server.Close()
	s.pool.Release()
	s.coord.Stop()
}

func (s *ServerSuite) request(method, path, body string, header map[string]string) *http.Response {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *ServerSuite) decode(resp *http.Response, v any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(v))
}

func (s *ServerSuite) TestLoginEstablishesSession() {
	resp := s.request(http.MethodPost, "/api/login",
		`{"username":"admin","password":"s3cret"}`, nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	s.decode(resp, &body)
	s.Equal("42", body.UserID)
	s.NotEmpty(body.SessionID)

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	s.Require().NotNil(sessionCookie)
	s.Equal(body.SessionID, sessionCookie.Value)

	sessions := s.coord.SessionsFor("42")
	s.Require().Len(sessions, 1)
	s.True(sessions[body.SessionID].HTTPActive)
}

func (s *ServerSuite) TestLoginRejectsBadCredentials() {
	resp := s.request(http.MethodPost, "/api/login",
		`{"username":"admin","password":"wrong"}`, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Zero(s.coord.Registry().UserCount())
}

func (s *ServerSuite) TestLoginRejectsMissingFields() {
	resp := s.request(http.MethodPost, "/api/login", `{"username":"admin"}`, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *ServerSuite) TestSessionsRequiresIdentity() {
	resp := s.request(http.MethodGet, "/api/sessions", "", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *ServerSuite) TestSessionsTouchesAndReturnsSnapshot() {
	s.coord.Touch("42", "sess-1")

	resp := s.request(http.MethodGet, "/api/sessions", "", map[string]string{
		"X-User-ID": "42",
		"Cookie":    SessionCookieName + "=sess-1",
	})
	s.Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		UserID   string `json:"user_id"`
		Sessions []struct {
			SessionID string `json:"session_id"`
		} `json:"sessions"`
	}
	s.decode(resp, &body)
	s.Equal("42", body.UserID)
	s.Require().Len(body.Sessions, 1)
	s.Equal("sess-1", body.Sessions[0].SessionID)
}

func (s *ServerSuite) TestSessionsForUserWithoutRecords() {
	resp := s.request(http.MethodGet, "/api/sessions", "", map[string]string{
		"X-User-ID": "999",
	})
	s.Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []any `json:"sessions"`
	}
	s.decode(resp, &body)
	s.Empty(body.Sessions)
}

func (s *ServerSuite) TestLogoutClearsHTTPActive() {
	s.coord.Touch("42", "sess-1")
	s.coord.MarkHTTPActive("42", "sess-1", true)

	resp := s.request(http.MethodPost, "/api/logout", "", map[string]string{
		"X-User-ID": "42",
		"Cookie":    SessionCookieName + "=sess-1",
	})
	defer resp.Body.Close()
	s.Equal(http.StatusNoContent, resp.StatusCode)
	s.False(s.coord.SessionsFor("42")["sess-1"].HTTPActive)
}

func (s *ServerSuite) TestBuildTriggerAndConflict() {
	release := make(chan struct{})
	s.runner.setRelease(release)

	resp := s.request(http.MethodPost, "/api/build", "", map[string]string{"X-User-ID": "42"})
	resp.Body.Close()
	s.Equal(http.StatusAccepted, resp.StatusCode)

	s.Eventually(func() bool {
		resp := s.request(http.MethodGet, "/api/build", "", map[string]string{"X-User-ID": "42"})
		var body struct {
			Running bool `json:"running"`
		}
		s.decode(resp, &body)
		return body.Running
	}, time.Second, 10*time.Millisecond)

	resp = s.request(http.MethodPost, "/api/build", "", map[string]string{"X-User-ID": "42"})
	resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)

	close(release)
	s.runner.setRelease(nil)

	s.Eventually(func() bool {
		resp := s.request(http.MethodGet, "/api/build", "", map[string]string{"X-User-ID": "42"})
		var body struct {
			Running bool `json:"running"`
			History []struct {
				Status string `json:"status"`
			} `json:"history"`
		}
		s.decode(resp, &body)
		return !body.Running && len(body.History) == 1 && body.History[0].Status == "succeeded"
	}, time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestMetricsExposed() {
	resp := s.request(http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func TestServer(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}
