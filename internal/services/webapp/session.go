package webapp

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"casedesk/internal/domain/model"
	"casedesk/internal/services/rbac"

	"github.com/google/uuid"
)

// 会话令牌管理。
//
// 令牌是不透明的 UUID，只存内存：服务重启即全员重新登录。
// 这是有意的取舍——会话不是审计对象（登录/登出动作本身才是，
// 它们走 audit_logs），掉电丢会话没有合规代价。

type session struct {
	Token     string
	User      model.User
	Role      rbac.Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

type sessionManager struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*session
}

func newSessionManager(ttl time.Duration) *sessionManager {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &sessionManager{
		ttl:      ttl,
		sessions: make(map[string]*session),
	}
}

func (m *sessionManager) create(u model.User, role rbac.Role) *session {
	now := time.Now()
	sess := &session{
		Token:     uuid.NewString(),
		User:      u,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Token] = sess
	m.pruneLocked(now)
	return sess
}

func (m *sessionManager) get(token string) (*session, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return nil, false
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(m.sessions, token)
		return nil, false
	}
	return sess, true
}

func (m *sessionManager) revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// pruneLocked 顺手清理过期会话，调用方必须持锁。
func (m *sessionManager) pruneLocked(now time.Time) {
	for token, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}

// sessionToken 从请求头提取令牌；支持 X-Session-Token 和 Bearer 两种写法。
func sessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Session-Token")); t != "" {
		return t
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// requireSession 解析并校验会话；失败时已写出 401，调用方直接 return。
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	sess, ok := s.sessions.get(sessionToken(r))
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing or expired session"))
		return nil, false
	}
	return sess, true
}

// requireCap 在 requireSession 基础上再查能力矩阵；
// 拒绝时返回 403，响应里带上角色便于前端提示。
func (s *Server) requireCap(w http.ResponseWriter, r *http.Request, capKey string) (*session, bool) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return nil, false
	}
	if !rbac.HasPermission(sess.Role, capKey) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "access denied",
			"role":  string(sess.Role),
		})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleLogin(w, r)
	case http.MethodDelete:
		s.handleLogout(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	// 登录用邮箱或用户 ID 识别用户。本系统部署在内网且不管理口令
	// （统一认证在网关层完成），这里只做用户解析与会话签发。
	type loginRequest struct {
		Email  string `json:"email,omitempty"`
		UserID string `json:"user_id,omitempty"`
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	userID := strings.TrimSpace(req.UserID)
	if email == "" && userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("email or user_id is required"))
		return
	}

	var u *model.User
	var err error
	if email != "" {
		u, err = s.store.GetUserByEmail(r.Context(), email)
	} else {
		u, err = s.store.GetUserByID(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unknown user"))
		return
	}
	if !u.Active {
		writeError(w, http.StatusForbidden, fmt.Errorf("user is deactivated: %s", u.ID))
		return
	}

	role, err := rbac.ParseRole(u.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("user %s has invalid role: %w", u.ID, err))
		return
	}

	sess := s.sessions.create(*u, role)
	s.recorder.Record(u.ID, model.AuditLogin, "session", u.ID, map[string]any{
		"email": u.Email,
		"role":  string(role),
	}, clientIP(r))

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        sess.Token,
		"expires_at":   sess.ExpiresAt.Unix(),
		"user":         sess.User,
		"capabilities": rbac.Get(role),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	s.sessions.revoke(sess.Token)
	s.recorder.Record(sess.User.ID, model.AuditLogout, "session", sess.User.ID, nil, clientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCapabilities 返回当前角色的完整能力矩阵与可见页签，
// 前端据此决定渲染哪些入口（服务端写接口仍会逐一复核）。
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":            sess.User,
		"capabilities":    rbac.Get(sess.Role),
		"visible_tabs":    rbac.VisibleTabs(sess.Role),
		"note_categories": rbac.AllowedNoteCategories(sess.Role),
	})
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		// 取最左侧（最初的客户端）。
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
