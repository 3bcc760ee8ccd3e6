package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/internal/build"
	"github.com/lk2023060901/blog-garden-go/internal/coordinator"
	"github.com/lk2023060901/blog-garden-go/internal/json"
	"github.com/lk2023060901/blog-garden-go/pkg/log"
	"github.com/lk2023060901/blog-garden-go/pkg/metrics"
	"github.com/lk2023060901/blog-garden-go/pkg/util/logutil"
)

// SessionCookieName 为下发给浏览器的访问会话 cookie 名。
// 与通道握手时复用的 cookie 名保持一致。
const SessionCookieName = "session"

type ctxKey int

const userIDKey ctxKey = iota

// Config 描述后台 HTTP 服务的配置。
type Config struct {
	// Addr 为监听地址，例如 ":8080"。
	Addr string

	// ShutdownTimeout 为优雅关闭的等待上限。
	ShutdownTimeout time.Duration
}

// Server 为博客后台的 HTTP 服务。
//
// 路由：
//   - POST /api/login     登录，建立访问会话；
//   - POST /api/logout    注销当前访问会话；
//   - GET  /api/sessions  当前用户的会话诊断信息；
//   - GET  /api/build     构建历史与执行状态；
//   - POST /api/build     触发一次站点构建；
//   - GET  /metrics       Prometheus 指标；
//   - GET  /ws            通道握手（由 gateway 提供）。
type Server struct {
	cfg Config

	coord    *coordinator.Coordinator
	builds   *build.Manager
	resolver UserResolver
	auth     Authenticator

	httpServer *http.Server
}

// NewServer 创建一个 Server。ws 为通道握手处理器，可为 nil（不挂载 /ws）。
func NewServer(cfg Config, coord *coordinator.Coordinator, builds *build.Manager,
	resolver UserResolver, auth Authenticator, ws http.Handler,
) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		coord:    coord,
		builds:   builds,
		resolver: resolver,
		auth:     auth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("POST /api/logout", s.withSession(http.HandlerFunc(s.handleLogout)))
	mux.Handle("GET /api/sessions", s.withSession(http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /api/build", s.withSession(http.HandlerFunc(s.handleBuildHistory)))
	mux.Handle("POST /api/build", s.withSession(http.HandlerFunc(s.handleBuildTrigger)))

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if ws != nil {
		mux.Handle("GET /ws", ws)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           logutil.TraceLoggerMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回根处理器，测试中可直接挂到 httptest.Server 上。
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start 启动 HTTP 监听，阻塞直到服务关闭。
func (s *Server) Start() error {
	log.Info("admin server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭 HTTP 服务。
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// withSession 为需要身份的路由提供会话协作：
// 解析用户身份、刷新会话活跃时间，并把用户标识注入请求上下文。
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.resolver.Resolve(r)
		if !ok || userID == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			s.coord.Touch(userID, cookie.Value)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// handleLogin 校验凭据并建立访问会话。
// 同一用户的并发登录经由用户锁串行化，避免会话建立状态交错写入。
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	userID, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		log.Warn("login failed",
			zap.String("username", req.Username),
			zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	unlock := s.coord.LockUser(userID)
	defer unlock()

	sessionID := uuid.NewString()
	s.coord.Touch(userID, sessionID)
	s.coord.MarkHTTPActive(userID, sessionID, true)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	log.Info("user logged in",
		log.FieldUserID(userID),
		log.FieldSessionID(sessionID))
	writeJSON(w, http.StatusOK, &loginResponse{UserID: userID, SessionID: sessionID})
}

// handleLogout 注销当前访问会话：清除 HTTPActive 标记并作废 cookie。
// 会话记录本身留给后台清理任务或通道断开流程处理。
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		unlock := s.coord.LockUser(userID)
		s.coord.MarkHTTPActive(userID, cookie.Value, false)
		unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	SessionID  string    `json:"session_id"`
	LastActive time.Time `json:"last_active"`
	Status     string    `json:"status"`
	ChannelID  string    `json:"channel_id,omitempty"`
	HTTPActive bool      `json:"http_active"`
}

// handleSessions 返回当前用户的会话诊断快照。
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	sessions := s.coord.SessionsFor(userID)
	views := make([]*sessionView, 0, len(sessions))
	for _, rec := range sessions {
		views = append(views, &sessionView{
			SessionID:  rec.SessionID,
			LastActive: rec.LastActive,
			Status:     string(rec.Status),
			ChannelID:  rec.ChannelID,
			HTTPActive: rec.HTTPActive,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": views,
	})
}

type buildHistoryResponse struct {
	Running bool            `json:"running"`
	History []*build.Result `json:"history"`
}

func (s *Server) handleBuildHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &buildHistoryResponse{
		Running: s.builds.Running(),
		History: s.builds.History(),
	})
}

// handleBuildTrigger 触发一次站点构建。
// 构建异步执行，响应只确认已受理；完成结果经通道扇出到触发者。
func (s *Server) handleBuildTrigger(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	if _, err := s.builds.Trigger(userID, "api"); err != nil {
		writeError(w, http.StatusConflict, "a build is already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
