package webapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"casedesk/internal/app"
	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"
	"casedesk/internal/services/auditverify"
	"casedesk/internal/services/caseview"
	"casedesk/internal/services/custody"
	"casedesk/internal/services/evidencemeta"
	"casedesk/internal/services/rbac"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "casedesk",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"schema_version": schemaVersion,
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
	})
}

// --- users ---

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// 列表对所有登录用户开放：指派下拉框需要人员名单。
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		rows, err := s.store.ListUsers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": rows})
	case http.MethodPost:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		// 用户管理是 admin 专属入口，沿用路由表的收紧规则。
		if !rbac.CanAccessRoute("/users", sess.Role) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "access denied",
				"role":  string(sess.Role),
			})
			return
		}

		var u model.User
		if err := decodeJSON(r, &u); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(u.Email) == "" || strings.TrimSpace(u.DisplayName) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("email and display_name are required"))
			return
		}
		if _, err := rbac.ParseRole(u.Role); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		u.Active = true

		created, err := s.store.CreateUser(r.Context(), u)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.recorder.Record(sess.User.ID, model.AuditCreate, "user", created.ID, map[string]any{
			"email": created.Email,
			"role":  created.Role,
		}, clientIP(r))
		writeJSON(w, http.StatusOK, map[string]any{"user": created})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- incidents ---

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		offset := parseInt(r.URL.Query().Get("offset"), 0)

		// reporter 角色只能看到自己上报的事件；其余角色全量可见。
		reporterID := ""
		if !rbac.HasPermission(sess.Role, "canViewAll") {
			reporterID = sess.User.ID
		}

		rows, err := s.store.ListIncidents(r.Context(), reporterID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"incidents": rows})
	case http.MethodPost:
		// 上报事件是全角色共有的入口（reporter 存在的意义就是上报）。
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		var req model.Incident
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
			return
		}
		if req.Type == "" {
			req.Type = model.IncidentOther
		}
		if req.Priority == "" {
			req.Priority = model.PriorityMedium
		}
		// 上报人以会话为准，不信任请求体。
		req.ReporterID = sess.User.ID
		req.Status = model.StatusNew

		created, err := s.store.CreateIncident(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.recorder.Record(sess.User.ID, model.AuditCreate, "incident", created.ID, map[string]any{
			"title":    created.Title,
			"type":     string(created.Type),
			"priority": string(created.Priority),
		}, clientIP(r))
		s.events.publish("incident", created.ID, "create")
		writeJSON(w, http.StatusOK, map[string]any{"incident": created})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIncidentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/incidents/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	incidentID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleIncidentDetail(w, r, incidentID)
	case "overview":
		s.handleIncidentOverview(w, r, incidentID)
	case "assign":
		s.handleIncidentAssign(w, r, incidentID)
	case "status":
		s.handleIncidentStatus(w, r, incidentID)
	case "triage":
		s.handleIncidentTriage(w, r, incidentID)
	case "timeline":
		s.handleIncidentTimeline(w, r, incidentID)
	case "notes":
		s.handleIncidentNotes(w, r, incidentID)
	case "evidence":
		s.handleIncidentEvidence(w, r, incidentID)
	case "reports":
		s.handleIncidentReports(w, r, incidentID)
	case "audits":
		s.handleIncidentAudits(w, r, incidentID)
	case "exports":
		// /api/incidents/{id}/exports/{kind}
		//
		// - POST /api/incidents/{id}/exports/pdf
		// - POST /api/incidents/{id}/exports/zip
		restParts := []string{}
		if len(parts) > 2 {
			restParts = parts[2:]
		}
		s.handleIncidentExports(w, r, incidentID, restParts)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// loadIncidentChecked 读取事件并套用可见性规则：
// 没有 canViewAll 的角色只能访问自己上报的事件。
// 出错/拒绝时已写出响应，调用方直接 return。
func (s *Server) loadIncidentChecked(w http.ResponseWriter, r *http.Request, sess *session, incidentID string) (*model.Incident, bool) {
	inc, err := s.store.GetIncident(r.Context(), incidentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("incident not found: %s", incidentID))
		return nil, false
	}
	if !rbac.HasPermission(sess.Role, "canViewAll") && inc.ReporterID != sess.User.ID {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "access denied",
			"role":  string(sess.Role),
		})
		return nil, false
	}
	return inc, true
}

func (s *Server) handleIncidentDetail(w http.ResponseWriter, r *http.Request, incidentID string) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}
		view, err := caseview.GetIncidentView(r.Context(), s.store, incidentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		s.handleIncidentUpdate(w, r, incidentID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIncidentUpdate(w http.ResponseWriter, r *http.Request, incidentID string) {
	sess, ok := s.requireCap(w, r, "canEdit")
	if !ok {
		return
	}
	inc, ok := s.loadIncidentChecked(w, r, sess, incidentID)
	if !ok {
		return
	}

	// 请求体里缺省的字段保持原值（空串 = 不改）。
	type updateRequest struct {
		Title       string                  `json:"title,omitempty"`
		Description string                  `json:"description,omitempty"`
		Type        model.IncidentType      `json:"type,omitempty"`
		Status      model.IncidentStatus    `json:"status,omitempty"`
		Priority    model.Priority          `json:"priority,omitempty"`
		Impact      *model.ImpactAssessment `json:"impact,omitempty"`
		Technical   *model.TechnicalDetails `json:"technical,omitempty"`
		Regulatory  []string                `json:"regulatory_tags,omitempty"`
	}
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	prevStatus := inc.Status
	if strings.TrimSpace(req.Title) != "" {
		inc.Title = strings.TrimSpace(req.Title)
	}
	if strings.TrimSpace(req.Description) != "" {
		inc.Description = strings.TrimSpace(req.Description)
	}
	if req.Type != "" {
		inc.Type = req.Type
	}
	if req.Priority != "" {
		inc.Priority = req.Priority
	}
	if req.Impact != nil {
		inc.Impact = *req.Impact
	}
	if req.Technical != nil {
		inc.Technical = *req.Technical
	}
	if req.Regulatory != nil {
		inc.RegulatoryTags = req.Regulatory
	}
	if req.Status != "" && req.Status != prevStatus {
		if req.Status == model.StatusClosed && !rbac.HasPermission(sess.Role, "canClose") {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "access denied",
				"role":  string(sess.Role),
			})
			return
		}
		inc.Status = req.Status
	}

	updated, err := s.store.UpdateIncident(r.Context(), *inc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if updated.Status != prevStatus {
		s.recorder.Record(sess.User.ID, model.AuditStatusChange, "incident", updated.ID, map[string]any{
			"from": string(prevStatus),
			"to":   string(updated.Status),
		}, clientIP(r))
		s.notifier.OnStatusChanged(r.Context(), updated, prevStatus, updated.Status)
	} else {
		s.recorder.Record(sess.User.ID, model.AuditUpdate, "incident", updated.ID, nil, clientIP(r))
	}
	s.events.publish("incident", updated.ID, "update")
	writeJSON(w, http.StatusOK, map[string]any{"incident": updated})
}

func (s *Server) handleIncidentOverview(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
		return
	}
	ov, err := caseview.GetIncidentOverview(r.Context(), s.store, incidentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleIncidentAssign(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canAssign")
	if !ok {
		return
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
		return
	}

	type assignRequest struct {
		AssigneeID string `json:"assignee_id"`
	}
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assigneeID := strings.TrimSpace(req.AssigneeID)
	if assigneeID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("assignee_id is required"))
		return
	}

	assignee, err := s.store.GetUserByID(r.Context(), assigneeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if assignee == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("assignee not found: %s", assigneeID))
		return
	}

	if err := s.store.AssignIncident(r.Context(), incidentID, assigneeID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	updated, err := s.store.GetIncident(r.Context(), incidentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recorder.Record(sess.User.ID, model.AuditAssign, "incident", incidentID, map[string]any{
		"assignee_id":   assigneeID,
		"assignee_name": assignee.DisplayName,
	}, clientIP(r))
	if updated != nil {
		s.notifier.OnAssigned(r.Context(), *updated, assignee.DisplayName)
	}
	s.events.publish("incident", incidentID, "assign")
	writeJSON(w, http.StatusOK, map[string]any{"incident": updated})
}

func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canEdit")
	if !ok {
		return
	}
	inc, ok := s.loadIncidentChecked(w, r, sess, incidentID)
	if !ok {
		return
	}

	type statusRequest struct {
		Status model.IncidentStatus `json:"status"`
		Note   string               `json:"note,omitempty"`
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("status is required"))
		return
	}
	if req.Status == model.StatusClosed && !rbac.HasPermission(sess.Role, "canClose") {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "access denied",
			"role":  string(sess.Role),
		})
		return
	}

	prev := inc.Status
	if req.Status == prev {
		writeJSON(w, http.StatusOK, map[string]any{"incident": inc, "changed": false})
		return
	}
	inc.Status = req.Status
	updated, err := s.store.UpdateIncident(r.Context(), *inc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().Unix()
	_, _ = s.store.AddTimelineEvent(r.Context(), model.TimelineEvent{
		IncidentID: incidentID,
		OccurredAt: now,
		RecordedAt: now,
		Actor:      sess.User.DisplayName,
		Summary:    fmt.Sprintf("status changed: %s -> %s", prev, req.Status),
		Detail:     strings.TrimSpace(req.Note),
	})
	s.recorder.Record(sess.User.ID, model.AuditStatusChange, "incident", incidentID, map[string]any{
		"from": string(prev),
		"to":   string(req.Status),
		"note": strings.TrimSpace(req.Note),
	}, clientIP(r))
	s.notifier.OnStatusChanged(r.Context(), updated, prev, req.Status)
	s.events.publish("incident", incidentID, "status_change")
	writeJSON(w, http.StatusOK, map[string]any{"incident": updated, "changed": true})
}

// handleIncidentTriage 是值守的快速分诊入口：一次请求完成
// 状态置 triaged、定优先级、补时间线记录。
func (s *Server) handleIncidentTriage(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canEdit")
	if !ok {
		return
	}
	inc, ok := s.loadIncidentChecked(w, r, sess, incidentID)
	if !ok {
		return
	}

	type triageRequest struct {
		Priority model.Priority `json:"priority,omitempty"`
		Note     string         `json:"note,omitempty"`
	}
	var req triageRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	prevStatus := inc.Status
	prevPriority := inc.Priority
	inc.Status = model.StatusTriaged
	if req.Priority != "" {
		inc.Priority = req.Priority
	}

	updated, err := s.store.UpdateIncident(r.Context(), *inc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().Unix()
	summary := fmt.Sprintf("triaged, priority %s", updated.Priority)
	_, _ = s.store.AddTimelineEvent(r.Context(), model.TimelineEvent{
		IncidentID: incidentID,
		OccurredAt: now,
		RecordedAt: now,
		Actor:      sess.User.DisplayName,
		Summary:    summary,
		Detail:     strings.TrimSpace(req.Note),
	})
	s.recorder.Record(sess.User.ID, model.AuditQuickTriage, "incident", incidentID, map[string]any{
		"from_status":   string(prevStatus),
		"from_priority": string(prevPriority),
		"priority":      string(updated.Priority),
	}, clientIP(r))
	if prevStatus != updated.Status {
		s.notifier.OnStatusChanged(r.Context(), updated, prevStatus, updated.Status)
	}
	s.events.publish("incident", incidentID, "quick_triage")
	writeJSON(w, http.StatusOK, map[string]any{"incident": updated})
}

func (s *Server) handleIncidentTimeline(w http.ResponseWriter, r *http.Request, incidentID string) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}
		rows, err := s.store.ListTimeline(r.Context(), incidentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"timeline": model.SortTimelineForDisplay(rows),
		})
	case http.MethodPost:
		sess, ok := s.requireCap(w, r, "canEdit")
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}

		var ev model.TimelineEvent
		if err := decodeJSON(r, &ev); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(ev.Summary) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("summary is required"))
			return
		}
		ev.IncidentID = incidentID
		if ev.Actor == "" {
			ev.Actor = sess.User.DisplayName
		}

		created, err := s.store.AddTimelineEvent(r.Context(), ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.recorder.Record(sess.User.ID, model.AuditTimelineAdd, "incident", incidentID, map[string]any{
			"summary": created.Summary,
		}, clientIP(r))
		s.events.publish("incident", incidentID, "timeline_add")
		writeJSON(w, http.StatusOK, map[string]any{"event": created})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIncidentNotes(w http.ResponseWriter, r *http.Request, incidentID string) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}
		rows, err := s.store.ListNotes(r.Context(), incidentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": rows})
	case http.MethodPost:
		sess, ok := s.requireCap(w, r, "canAddNotes")
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}

		var n model.IncidentNote
		if err := decodeJSON(r, &n); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(n.Body) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("body is required"))
			return
		}
		// 类别不在角色允许集合内时拒绝——前端下拉框只是提示，这里才是闸门。
		if !rbac.NoteCategoryAllowed(sess.Role, n.Category) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":    "access denied",
				"role":     string(sess.Role),
				"category": string(n.Category),
			})
			return
		}
		n.IncidentID = incidentID
		n.AuthorID = sess.User.ID

		created, err := s.store.AddNote(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.recorder.Record(sess.User.ID, model.AuditNoteAdd, "note", created.ID, map[string]any{
			"incident_id": incidentID,
			"category":    string(created.Category),
		}, clientIP(r))
		s.events.publish("incident", incidentID, "note_add")
		writeJSON(w, http.StatusOK, map[string]any{"note": created})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleIncidentEvidence 列出事件证据，或接收 multipart 上传。
//
// 上传流程：文件落到 evidence root 下（按事件分目录），
// 同时计算 sha256/md5，嗅探 plist 元数据，入库时保管链自动带上初始采集记录。
func (s *Server) handleIncidentEvidence(w http.ResponseWriter, r *http.Request, incidentID string) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}
		rows, err := s.store.ListEvidenceByIncident(r.Context(), incidentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence": rows})
	case http.MethodPost:
		sess, ok := s.requireCap(w, r, "canUploadEvidence")
		if !ok {
			return
		}
		if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
			return
		}

		// 32MB 内存水位，超出部分落临时文件。
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("file field is required: %w", err))
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("read upload: %w", err))
			return
		}
		if len(data) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("empty file"))
			return
		}

		sha, md := hash.Bytes(data)

		filename := filepath.Base(header.Filename)
		destDir := filepath.Join(s.opts.EvidenceRoot, incidentID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// 路径带时间戳，避免同名文件互相覆盖。
		destPath := filepath.Join(destDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filename))
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("store evidence file: %w", err))
			return
		}

		description := strings.TrimSpace(r.FormValue("description"))
		meta, sniffed := evidencemeta.Sniff(filename, data)
		if sniffed && description == "" {
			description = meta.Summary
		}

		collectedAt := int64(parseInt(r.FormValue("collected_at"), 0))
		if collectedAt <= 0 {
			collectedAt = time.Now().Unix()
		}

		ev := model.Evidence{
			IncidentID:      incidentID,
			Filename:        filename,
			FileType:        strings.TrimSpace(r.FormValue("file_type")),
			SizeBytes:       int64(len(data)),
			MD5:             md,
			SHA256:          sha,
			CollectorID:     sess.User.ID,
			CollectorName:   sess.User.DisplayName,
			CollectedAt:     collectedAt,
			StorageLocation: destPath,
			AnalysisStatus:  model.AnalysisPending,
			Integrity:       model.IntegrityUnknown,
			Description:     description,
		}
		created, err := s.store.CreateEvidence(r.Context(), ev, strings.TrimSpace(r.FormValue("collection_source")))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		details := map[string]any{
			"incident_id": incidentID,
			"filename":    filename,
			"sha256":      sha,
			"size_bytes":  len(data),
		}
		if sniffed {
			details["meta_format"] = meta.Format
		}
		s.recorder.Record(sess.User.ID, model.AuditEvidenceUpload, "evidence", created.ID, details, clientIP(r))
		s.events.publish("evidence", created.ID, "create")

		out := map[string]any{"evidence": created}
		if sniffed {
			out["meta"] = meta
		}
		writeJSON(w, http.StatusOK, out)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIncidentReports(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
		return
	}
	rows, err := s.store.ListReportsByIncident(r.Context(), incidentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": rows})
}

func (s *Server) handleIncidentAudits(w http.ResponseWriter, r *http.Request, incidentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 500)
	rows, err := s.store.ListAuditsByEntity(r.Context(), incidentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

// --- evidence ---

func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/evidence/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	evidenceID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleEvidenceDetail(w, r, evidenceID)
	case "download":
		s.handleEvidenceDownload(w, r, evidenceID)
	case "custody":
		s.handleEvidenceCustody(w, r, evidenceID)
	case "verify":
		s.handleEvidenceVerify(w, r, evidenceID)
	case "meta":
		s.handleEvidenceMeta(w, r, evidenceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// loadEvidenceChecked 读取证据并按所属事件套用可见性规则。
func (s *Server) loadEvidenceChecked(w http.ResponseWriter, r *http.Request, sess *session, evidenceID string) (*model.Evidence, bool) {
	ev, err := s.store.GetEvidence(r.Context(), evidenceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("evidence not found: %s", evidenceID))
		return nil, false
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, ev.IncidentID); !ok {
		return nil, false
	}
	return ev, true
}

func (s *Server) handleEvidenceDetail(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": ev})
}

func (s *Server) handleEvidenceDownload(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canExportEvidence")
	if !ok {
		return
	}
	ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
	if !ok {
		return
	}
	s.recorder.Record(sess.User.ID, model.AuditExport, "evidence", evidenceID, map[string]any{
		"filename": ev.Filename,
	}, clientIP(r))
	serveFile(w, r, ev.StorageLocation, "evidence_"+evidenceID)
}

// handleEvidenceCustody 处理保管链：GET 返回链，POST 执行一次交接。
func (s *Server) handleEvidenceCustody(w http.ResponseWriter, r *http.Request, evidenceID string) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
		if !ok {
			return
		}
		res := custody.VerifyChain(*ev)
		writeJSON(w, http.StatusOK, map[string]any{
			"custody_chain":     ev.CustodyChain,
			"current_custodian": ev.CurrentCustodian,
			"chain_ok":          res.OK,
			"chain_failures":    res.Failures,
		})
	case http.MethodPost:
		sess, ok := s.requireCap(w, r, "canManageCustody")
		if !ok {
			return
		}
		ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
		if !ok {
			return
		}

		type transferRequest struct {
			From         string `json:"from,omitempty"` // 缺省取当前保管人
			To           string `json:"to"`
			Reason       string `json:"reason"`
			Witness      string `json:"witness,omitempty"`
			HashVerified bool   `json:"hash_verified,omitempty"`
		}
		var req transferRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		updated, err := s.store.AppendCustodyTransfer(r.Context(), evidenceID,
			strings.TrimSpace(req.From),
			strings.TrimSpace(req.To),
			strings.TrimSpace(req.Reason),
			strings.TrimSpace(req.Witness),
			req.HashVerified,
		)
		if err != nil {
			// 交接的业务校验错误（同保管人、空原因等）按 400 返回。
			writeError(w, http.StatusBadRequest, err)
			return
		}

		s.recorder.Record(sess.User.ID, model.AuditCustodyTransfer, "evidence", evidenceID, map[string]any{
			"to":            strings.TrimSpace(req.To),
			"reason":        strings.TrimSpace(req.Reason),
			"hash_verified": req.HashVerified,
		}, clientIP(r))

		if inc, err := s.store.GetIncident(r.Context(), ev.IncidentID); err == nil && inc != nil {
			s.notifier.OnCustodyTransferred(r.Context(), *inc, evidenceID, strings.TrimSpace(req.To))
		}
		s.events.publish("evidence", evidenceID, "custody_transfer")
		writeJSON(w, http.StatusOK, map[string]any{"evidence": updated})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEvidenceVerify 对证据文件做 sha256 复核并更新完整性结论。
func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canEditEvidence")
	if !ok {
		return
	}
	ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
	if !ok {
		return
	}

	status := model.IntegrityVerified
	out := map[string]any{
		"evidence_id":     evidenceID,
		"expected_sha256": ev.SHA256,
	}
	sum, size, err := hash.File(ev.StorageLocation)
	if err != nil {
		status = model.IntegrityTampered
		out["error"] = err.Error()
		out["status"] = "missing"
	} else {
		out["actual_sha256"] = sum
		out["actual_size_bytes"] = size
		if !strings.EqualFold(strings.TrimSpace(sum), strings.TrimSpace(ev.SHA256)) || size != ev.SizeBytes {
			status = model.IntegrityTampered
			out["status"] = "mismatch"
		} else {
			out["status"] = "ok"
		}
	}

	if err := s.store.SetIntegrityStatus(r.Context(), evidenceID, status); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out["integrity_status"] = string(status)

	s.recorder.Record(sess.User.ID, model.AuditUpdate, "evidence", evidenceID, map[string]any{
		"integrity_status": string(status),
		"verify_result":    out["status"],
	}, clientIP(r))
	s.events.publish("evidence", evidenceID, "integrity_check")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvidenceMeta(w http.ResponseWriter, r *http.Request, evidenceID string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canEditEvidence")
	if !ok {
		return
	}
	ev, ok := s.loadEvidenceChecked(w, r, sess, evidenceID)
	if !ok {
		return
	}

	type metaRequest struct {
		FileType       string               `json:"file_type,omitempty"`
		Description    string               `json:"description,omitempty"`
		AnalysisStatus model.AnalysisStatus `json:"analysis_status,omitempty"`
	}
	var req metaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	fileType := ev.FileType
	if strings.TrimSpace(req.FileType) != "" {
		fileType = strings.TrimSpace(req.FileType)
	}
	description := ev.Description
	if strings.TrimSpace(req.Description) != "" {
		description = strings.TrimSpace(req.Description)
	}
	status := ev.AnalysisStatus
	if req.AnalysisStatus != "" {
		status = req.AnalysisStatus
	}

	if err := s.store.UpdateEvidenceMeta(r.Context(), evidenceID, fileType, description, status); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	updated, err := s.store.GetEvidence(r.Context(), evidenceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recorder.Record(sess.User.ID, model.AuditUpdate, "evidence", evidenceID, map[string]any{
		"analysis_status": string(status),
	}, clientIP(r))
	s.events.publish("evidence", evidenceID, "update")
	writeJSON(w, http.StatusOK, map[string]any{"evidence": updated})
}

// --- notifications ---

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	unreadOnly := parseBool(r.URL.Query().Get("unread"), false)
	rows, err := s.store.ListNotificationsForUser(r.Context(), sess.User.ID, unreadOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

func (s *Server) handleNotificationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	rest = strings.Trim(rest, "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "read" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	// 只能标记自己的通知：recipient 不匹配时 UPDATE 落空。
	if err := s.store.MarkNotificationRead(r.Context(), parts[0], sess.User.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- reports ---

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	rest = strings.Trim(rest, "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "download" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireCap(w, r, "canExportReport")
	if !ok {
		return
	}

	reportID := parts[0]
	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("report not found: %s", reportID))
		return
	}
	s.recorder.Record(sess.User.ID, model.AuditExport, "report", reportID, map[string]any{
		"report_type": info.ReportType,
	}, clientIP(r))
	serveFile(w, r, info.FilePath, "report_"+reportID)
}

// --- audit ---

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	// 全量审计属于管理视图，和前端 /forensic-tools 路由同一收紧口径。
	if !rbac.CanAccessRoute("/forensic-tools", sess.Role) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "access denied",
			"role":  string(sess.Role),
		})
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 500)
	entityID := strings.TrimSpace(r.URL.Query().Get("entity_id"))

	var rows []model.AuditLogEntry
	var err error
	if entityID != "" {
		rows, err = s.store.ListAuditsByEntity(r.Context(), entityID, limit)
	} else {
		rows, err = s.store.ListAudits(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

// handleAuditVerify 全链校验审计日志的链式哈希。
// 发现断链说明审计记录被篡改或被跳过，结果本身也记入审计。
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if !rbac.CanAccessRoute("/forensic-tools", sess.Role) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "access denied",
			"role":  string(sess.Role),
		})
		return
	}

	// 链校验必须覆盖全链，取存储层允许的最大窗口。
	entries, err := s.store.ListAudits(r.Context(), 50000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	res := auditverify.VerifyEntries(entries)

	s.recorder.Record(sess.User.ID, model.AuditView, "audit_chain", "global", map[string]any{
		"verified": res.OK,
		"total":    len(entries),
		"failures": len(res.Failures),
	}, clientIP(r))

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       res.OK,
		"total":    len(entries),
		"failures": res.Failures,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
