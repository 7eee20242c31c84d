package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

// SessionCookie 是保存会话令牌的 Cookie 名称。
const SessionCookie = "sessionId"

const tokenKey = "token"

// ErrUnauthorized 表示请求未携带有效会话。
var ErrUnauthorized = errors.New("unauthorised")

// Manager 负责登录会话：令牌登记在 Registry 中，经签名后写入 Cookie。
type Manager struct {
	registry *Registry
	cookie   *sessions.CookieStore
}

// NewManager 使用提供的会话密钥创建 Manager。
func NewManager(registry *Registry, sessionKey []byte, lifetime time.Duration) *Manager {
	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(lifetime / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &Manager{
		registry: registry,
		cookie:   cookieStore,
	}
}

// Registry 返回底层会话注册表。
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start 创建新会话并写入 Cookie。
func (m *Manager) Start(w http.ResponseWriter, r *http.Request) error {
	token, err := m.registry.Create()
	if err != nil {
		return err
	}
	session, _ := m.cookie.New(r, SessionCookie)
	session.Values[tokenKey] = token
	if err := session.Save(r, w); err != nil {
		m.registry.Revoke(token)
		return err
	}
	return nil
}

// Logout 注销当前会话并清理 Cookie。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, SessionCookie)
	if token, ok := session.Values[tokenKey].(string); ok {
		m.registry.Revoke(token)
	}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// Valid 判断请求是否携带未过期的会话，并刷新其活跃时间。
func (m *Manager) Valid(r *http.Request) bool {
	session, err := m.cookie.Get(r, SessionCookie)
	if err != nil {
		return false
	}
	token, ok := session.Values[tokenKey].(string)
	if !ok {
		return false
	}
	return m.registry.Validate(token)
}

// Middleware 拒绝未登录的请求，返回 401 JSON。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Valid(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"会话无效，请重新登录"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
