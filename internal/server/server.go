package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hitushen/fnshortcut/internal/auth"
	"github.com/hitushen/fnshortcut/internal/config"
	"github.com/hitushen/fnshortcut/internal/jobs"
	"github.com/hitushen/fnshortcut/internal/metrics"
	"github.com/hitushen/fnshortcut/internal/models"
	"github.com/hitushen/fnshortcut/internal/realtime"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const pageTitle = "飞牛文件管理增强"

// Readiness 报告脚本是否已在在线网页根目录生效。
type Readiness interface {
	Ready() bool
}

// Scheduler 排入后台安装或还原任务。
type Scheduler interface {
	Schedule(kind models.RunKind) (string, error)
}

// History 列出最近的任务记录。
type History interface {
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
}

// Deps 汇总 Server 依赖的组件，由 main 负责创建与关闭。
type Deps struct {
	Credentials *auth.CredentialStore
	Sessions    *auth.Manager
	Broker      *realtime.Broker
	Engine      Readiness
	Jobs        Scheduler
	History     History
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Server 负责协调 HTTP 路由、模板渲染与业务逻辑。
type Server struct {
	cfg         *config.Config
	credentials *auth.CredentialStore
	sessions    *auth.Manager
	broker      *realtime.Broker
	engine      Readiness
	jobs        Scheduler
	history     History
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	templates   *template.Template
}

// New 创建并初始化带路由的 Server。
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Credentials == nil || deps.Sessions == nil || deps.Broker == nil || deps.Engine == nil || deps.Jobs == nil {
		return nil, errors.New("server: missing required dependency")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		credentials: deps.Credentials,
		sessions:    deps.Sessions,
		broker:      deps.Broker,
		engine:      deps.Engine,
		jobs:        deps.Jobs,
		history:     deps.History,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "http").Logger(),
		templates:   tmpl,
	}, nil
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(zerologMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	r.Get("/", s.index)
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Get("/logs", s.listLogs)
	r.Get("/logs/sse", s.streamLogs)
	r.Get("/status", s.status)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(ctl chi.Router) {
		if s.cfg.RequireAuth {
			ctl.Use(s.sessions.Middleware)
		}
		ctl.Post("/install", s.trigger(models.RunInstall))
		ctl.Post("/restore", s.trigger(models.RunRestore))
	})
	r.With(s.sessions.Middleware).Get("/history", s.listHistory)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
	})
	return r
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	page := "index"
	switch {
	case !s.credentials.Registered():
		page = "register"
	case !s.sessions.Valid(r):
		page = "login"
	}
	data := map[string]interface{}{
		"Title":  pageTitle,
		"MinLen": auth.MinPasswordLen,
	}
	if page == "index" {
		data["Ready"] = s.engine.Ready()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, page, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeResult(w, http.StatusBadRequest, "表单格式错误")
		return
	}
	err := s.credentials.Register(r.PostFormValue("password"))
	switch {
	case errors.Is(err, auth.ErrPasswordTooShort):
		writeResult(w, http.StatusBadRequest, "密码长度至少6位")
		return
	case errors.Is(err, auth.ErrAlreadyRegistered):
		writeResult(w, http.StatusConflict, "管理员密码已设置，请直接登录")
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("register failed")
		writeResult(w, http.StatusInternalServerError, "保存密码失败")
		return
	}
	s.logger.Info().Msg("administrator password registered")
	s.startSession(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeResult(w, http.StatusBadRequest, "表单格式错误")
		return
	}
	err := s.credentials.Check(r.PostFormValue("password"))
	switch {
	case errors.Is(err, auth.ErrNotRegistered):
		writeResult(w, http.StatusUnauthorized, "尚未设置管理员密码")
		return
	case err != nil:
		writeResult(w, http.StatusUnauthorized, "密码错误")
		return
	}
	s.startSession(w, r)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Start(w, r); err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		writeResult(w, http.StatusInternalServerError, "创建会话失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.sessions.Logout(w, r)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) listLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": s.broker.Snapshot()})
}

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cleanup := s.broker.Subscribe()
	defer cleanup()

	notify := r.Context().Done()
	for {
		select {
		case line, open := <-ch:
			if !open {
				// 订阅者因积压被移除，由客户端重连并重新回放。
				return
			}
			if _, err := w.Write(sseEvent(line)); err != nil {
				return
			}
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

// sseEvent 将一条日志编码为 SSE 事件，多行内容拆成多个 data 字段，
// 浏览器端按换行重新拼接。
func sseEvent(line string) []byte {
	line = strings.ReplaceAll(line, "\r\n", "\n")
	line = strings.ReplaceAll(line, "\r", "\n")
	var b strings.Builder
	for _, part := range strings.Split(line, "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (s *Server) trigger(kind models.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		id, err := s.jobs.Schedule(kind)
		if errors.Is(err, jobs.ErrBusy) {
			writeResult(w, http.StatusConflict, "已有任务正在执行，请稍后再试")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("kind", string(kind)).Msg("schedule failed")
			writeResult(w, http.StatusServiceUnavailable, "服务正在关闭")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "runId": id})
	}
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	ready := s.engine.Ready()
	if s.metrics != nil {
		s.metrics.SetReady(ready)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	runs := []models.Run{}
	if s.history != nil {
		list, err := s.history.ListRuns(r.Context(), 20)
		if err != nil {
			s.logger.Error().Err(err).Msg("list runs failed")
			writeResult(w, http.StatusInternalServerError, "读取任务记录失败")
			return
		}
		if list != nil {
			runs = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeResult(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}
