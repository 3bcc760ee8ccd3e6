package admin

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// UserResolver 从请求中解析当前用户标识。
//
// 身份校验本身（token 验证、签名检查等）由外部身份系统负责，
// 本服务只消费其结论；ok 为 false 表示请求未携带可信身份。
type UserResolver interface {
	Resolve(r *http.Request) (userID string, ok bool)
}

// Authenticator 校验登录凭据并返回用户标识。
// 凭据存储与校验方式由外部身份系统决定。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (userID string, err error)
}

// TrustedHeaderResolver 信任反向代理注入的身份头。
// 部署前提：该头只能由边缘网关写入，外部请求携带的同名头必须被剥除。
type TrustedHeaderResolver struct {
	// Header 为身份头名称，为空时使用 X-Auth-User。
	Header string
}

var _ UserResolver = (*TrustedHeaderResolver)(nil)

// Resolve 实现 UserResolver。
func (r *TrustedHeaderResolver) Resolve(req *http.Request) (string, bool) {
	header := r.Header
	if header == "" {
		header = "X-Auth-User"
	}
	userID := req.Header.Get(header)
	return userID, userID != ""
}

// Credential 为单个后台账号的凭据配置。
type Credential struct {
	UserID   string `mapstructure:"user-id"`
	Password string `mapstructure:"password"`
}

// ConfigAuthenticator 用配置文件中声明的账号表校验凭据。
// 适用于单人或小团队的后台，正式的身份系统应实现自己的 Authenticator。
type ConfigAuthenticator struct {
	// Users 为 用户名 -> 凭据 的映射。
	Users map[string]Credential
}

var _ Authenticator = (*ConfigAuthenticator)(nil)

// Authenticate 实现 Authenticator。
func (a *ConfigAuthenticator) Authenticate(_ context.Context, username, password string) (string, error) {
	cred, ok := a.Users[username]
	if !ok || subtle.ConstantTimeCompare([]byte(cred.Password), []byte(password)) != 1 {
		return "", merr.WrapErrUserNotFound(username, "invalid credentials")
	}
	if cred.UserID != "" {
		return cred.UserID, nil
	}
	return username, nil
}
