package webapp

import (
	"net/http"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/services/audittrail"
	"casedesk/internal/services/notify"
)

// Server 是事件响应 API 的运行时对象。
//
// 本服务只提供 JSON API（前端单独部署），所有业务路由都挂在 /api/ 下。
// 鉴权模型：会话令牌 -> 用户 -> 角色 -> 能力矩阵（rbac 包），
// 每个写接口在进入业务逻辑前先过 requireCap。
type Server struct {
	opts  Options
	store *sqliteadapter.Store

	sessions *sessionManager
	jobs     *jobManager
	events   *eventHub
	recorder *audittrail.Recorder
	notifier *notify.Service
}

func newServer(opts Options, store *sqliteadapter.Store, recorder *audittrail.Recorder) *Server {
	return &Server{
		opts:     opts,
		store:    store,
		sessions: newSessionManager(opts.SessionTTL),
		jobs:     newJobManager(),
		events:   newEventHub(),
		recorder: recorder,
		notifier: newNotifyService(store),
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)

	// 会话（POST 登录 / DELETE 登出）
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/capabilities", s.handleCapabilities)

	// 用户管理（仅 admin）
	mux.HandleFunc("/api/users", s.handleUsers)

	// 事件
	mux.HandleFunc("/api/incidents", s.handleIncidents)
	mux.HandleFunc("/api/incidents/", s.handleIncidentRoutes)

	// 证据
	mux.HandleFunc("/api/evidence/", s.handleEvidenceRoutes)

	// 通知 / 报告 / 审计
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/", s.handleNotificationRoutes)
	mux.HandleFunc("/api/reports/", s.handleReportRoutes)
	mux.HandleFunc("/api/audit", s.handleAuditList)
	mux.HandleFunc("/api/audit/verify", s.handleAuditVerify)

	// 后台导出任务
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)

	// 实时事件流（SSE）
	mux.HandleFunc("/api/events", s.handleEvents)

	// 没有内置 UI：非 /api/ 路径一律 404。
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}
