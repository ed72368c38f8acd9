package webapp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/domain/model"
	"casedesk/internal/services/audittrail"

	_ "modernc.org/sqlite"
)

// 测试基座：内存库 + 完整路由。
// :memory: 下每个连接是独立数据库，必须限成单连接。
func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	if err := sqliteadapter.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := sqliteadapter.NewStore(db)
	recorder := audittrail.NewRecorder(store)
	t.Cleanup(recorder.Close)

	srv := newServer(Options{
		ListenAddr:   "127.0.0.1:0",
		EvidenceRoot: t.TempDir(),
		ExportDir:    t.TempDir(),
		SessionTTL:   time.Hour,
	}, store, recorder)

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	return srv, mux
}

func createTestUser(t *testing.T, srv *Server, name, email, role string) model.User {
	t.Helper()
	u, err := srv.store.CreateUser(context.Background(), model.User{
		DisplayName: name,
		Email:       email,
		Role:        role,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

// login 走真实登录接口拿会话令牌。
func login(t *testing.T, mux *http.ServeMux, email string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email})
	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rec.Code, rec.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if out.Token == "" {
		t.Fatal("login returned empty token")
	}
	return out.Token
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestLoginUnknownUserRejected(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": "nobody@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReporterScopeAndDenial(t *testing.T) {
	srv, mux := newTestServer(t)
	createTestUser(t, srv, "Rita Reporter", "rita@example.com", "reporter")
	createTestUser(t, srv, "Mona Manager", "mona@example.com", "manager")

	rita := login(t, mux, "rita@example.com")
	mona := login(t, mux, "mona@example.com")

	// 各自上报一起事件
	rec := doJSON(t, mux, http.MethodPost, "/api/incidents", rita, map[string]any{
		"title": "phishing mail reported by rita",
		"type":  "phishing",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rita create incident: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents", mona, map[string]any{
		"title": "ransomware on file server",
		"type":  "ransomware",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mona create incident: status %d", rec.Code)
	}
	var created struct {
		Incident model.Incident `json:"incident"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	monaIncident := created.Incident.ID

	// reporter 列表只看到自己的
	rec = doJSON(t, mux, http.MethodGet, "/api/incidents", rita, nil)
	var listed struct {
		Incidents []model.Incident `json:"incidents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Incidents) != 1 {
		t.Fatalf("reporter should see 1 incident, got %d", len(listed.Incidents))
	}
	if listed.Incidents[0].ReporterID == "" || listed.Incidents[0].Title != "phishing mail reported by rita" {
		t.Fatalf("unexpected incident in reporter view: %+v", listed.Incidents[0])
	}

	// reporter 直达他人事件 -> 403，响应里带角色
	rec = doJSON(t, mux, http.MethodGet, "/api/incidents/"+monaIncident, rita, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign incident, got %d", rec.Code)
	}
	var denial struct {
		Error string `json:"error"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Error != "access denied" || denial.Role != "reporter" {
		t.Fatalf("unexpected denial payload: %+v", denial)
	}

	// reporter 没有 canAddNotes -> 403
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+monaIncident+"/notes", rita, map[string]any{
		"category": "finding",
		"body":     "should not land",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for note add, got %d", rec.Code)
	}

	// manager 的类别集合里没有 hypothesis -> 同样 403
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+monaIncident+"/notes", mona, map[string]any{
		"category": "hypothesis",
		"body":     "category outside manager set",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed note category, got %d body %s", rec.Code, rec.Body.String())
	}

	// 允许的类别正常落库
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+monaIncident+"/notes", mona, map[string]any{
		"category": "management_note",
		"body":     "escalated to leadership",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("manager note add: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestIncidentFlowWithNotifications(t *testing.T) {
	srv, mux := newTestServer(t)
	reporter := createTestUser(t, srv, "Rita Reporter", "rita@example.com", "reporter")
	investigator := createTestUser(t, srv, "Ivan Investigator", "ivan@example.com", "investigator")
	createTestUser(t, srv, "Mona Manager", "mona@example.com", "manager")

	rita := login(t, mux, "rita@example.com")
	mona := login(t, mux, "mona@example.com")

	rec := doJSON(t, mux, http.MethodPost, "/api/incidents", rita, map[string]any{
		"title":    "suspicious login from overseas",
		"type":     "unauthorized_access",
		"priority": "high",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create incident: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Incident model.Incident `json:"incident"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	incidentID := created.Incident.ID
	if created.Incident.ReporterID != reporter.ID {
		t.Fatalf("reporter_id should come from session, got %q", created.Incident.ReporterID)
	}
	if created.Incident.Status != model.StatusNew {
		t.Fatalf("new incident should start in status new, got %s", created.Incident.Status)
	}

	// 指派给调查员
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+incidentID+"/assign", mona, map[string]any{
		"assignee_id": investigator.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: status %d body %s", rec.Code, rec.Body.String())
	}

	// 状态推进（会写时间线并通知相关人）
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+incidentID+"/status", mona, map[string]any{
		"status": "investigating",
		"note":   "IR team engaged",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status change: status %d body %s", rec.Code, rec.Body.String())
	}

	// 上报人应收到指派与状态变更通知
	rec = doJSON(t, mux, http.MethodGet, "/api/notifications", rita, nil)
	var notifications struct {
		Notifications []model.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &notifications); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(notifications.Notifications) < 2 {
		t.Fatalf("reporter should have at least 2 notifications, got %d", len(notifications.Notifications))
	}

	// 详情视图聚合时间线
	rec = doJSON(t, mux, http.MethodGet, "/api/incidents/"+incidentID, mona, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("incident view: status %d", rec.Code)
	}
	var view model.IncidentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Incident.Status != model.StatusInvestigating {
		t.Fatalf("view status = %s, want investigating", view.Incident.Status)
	}
	if len(view.Timeline) == 0 {
		t.Fatal("status change should have appended a timeline event")
	}

	// 非 manager/admin 不能关闭
	ivan := login(t, mux, "ivan@example.com")
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+incidentID+"/status", ivan, map[string]any{
		"status": "closed",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("investigator close should be denied, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/incidents/"+incidentID+"/status", mona, map[string]any{
		"status": "closed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("manager close: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestEvidenceUploadAndCustodyOverHTTP(t *testing.T) {
	srv, mux := newTestServer(t)
	createTestUser(t, srv, "Ivan Investigator", "ivan@example.com", "investigator")
	ivan := login(t, mux, "ivan@example.com")

	rec := doJSON(t, mux, http.MethodPost, "/api/incidents", ivan, map[string]any{
		"title": "malware sample triage",
		"type":  "malware",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create incident: status %d", rec.Code)
	}
	var created struct {
		Incident model.Incident `json:"incident"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	incidentID := created.Incident.ID

	// multipart 上传
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "memdump.bin")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	payload := []byte("fake memory dump payload for upload test")
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	_ = mw.WriteField("description", "memory dump from host-42")
	_ = mw.WriteField("collection_source", "Host-42 RAM capture")
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/incidents/"+incidentID+"/evidence", &buf)
	req.Header.Set("X-Session-Token", ivan)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	upRec := httptest.NewRecorder()
	mux.ServeHTTP(upRec, req)
	if upRec.Code != http.StatusOK {
		t.Fatalf("upload: status %d body %s", upRec.Code, upRec.Body.String())
	}
	var uploaded struct {
		Evidence model.Evidence `json:"evidence"`
	}
	if err := json.Unmarshal(upRec.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	ev := uploaded.Evidence
	if ev.ID == "" || ev.SHA256 == "" || ev.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected evidence record: %+v", ev)
	}
	if len(ev.CustodyChain) != 1 || ev.CustodyChain[0].From != "Host-42 RAM capture" {
		t.Fatalf("custody chain should be seeded from collection source: %+v", ev.CustodyChain)
	}
	if ev.CurrentCustodian != "Ivan Investigator" {
		t.Fatalf("current custodian = %q, want collector", ev.CurrentCustodian)
	}

	// 保管交接
	rec = doJSON(t, mux, http.MethodPost, "/api/evidence/"+ev.ID+"/custody", ivan, map[string]any{
		"to":            "Evidence Locker A",
		"reason":        "handoff to secure storage",
		"hash_verified": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("custody transfer: status %d body %s", rec.Code, rec.Body.String())
	}

	// 同保管人交接必须被拒（业务校验 -> 400）
	rec = doJSON(t, mux, http.MethodPost, "/api/evidence/"+ev.ID+"/custody", ivan, map[string]any{
		"to":     "Evidence Locker A",
		"reason": "duplicate handoff",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("same-custodian transfer should 400, got %d", rec.Code)
	}

	// 链校验接口
	rec = doJSON(t, mux, http.MethodGet, "/api/evidence/"+ev.ID+"/custody", ivan, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("custody get: status %d", rec.Code)
	}
	var chain struct {
		ChainOK          bool                    `json:"chain_ok"`
		CurrentCustodian string                  `json:"current_custodian"`
		CustodyChain     []model.CustodyTransfer `json:"custody_chain"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chain); err != nil {
		t.Fatalf("decode chain: %v", err)
	}
	if !chain.ChainOK || chain.CurrentCustodian != "Evidence Locker A" || len(chain.CustodyChain) != 2 {
		t.Fatalf("unexpected chain state: %+v", chain)
	}

	// sha256 复核 -> verified
	rec = doJSON(t, mux, http.MethodPost, "/api/evidence/"+ev.ID+"/verify", ivan, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rec.Code, rec.Body.String())
	}
	var verify struct {
		Status    string `json:"status"`
		Integrity string `json:"integrity_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verify); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if verify.Status != "ok" || verify.Integrity != string(model.IntegrityVerified) {
		t.Fatalf("verify result = %+v, want ok/verified", verify)
	}
}

func TestAuditVerifyEndpoint(t *testing.T) {
	srv, mux := newTestServer(t)
	createTestUser(t, srv, "Mona Manager", "mona@example.com", "manager")
	createTestUser(t, srv, "Rita Reporter", "rita@example.com", "reporter")

	mona := login(t, mux, "mona@example.com")
	rita := login(t, mux, "rita@example.com")

	// 制造几条链上记录
	for i := 0; i < 3; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/api/incidents", mona, map[string]any{
			"title": fmt.Sprintf("audit chain fixture %d", i),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("create incident %d: status %d", i, rec.Code)
		}
	}

	// reporter 无权访问全量审计
	rec := doJSON(t, mux, http.MethodPost, "/api/audit/verify", rita, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reporter audit verify should 403, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/audit/verify", mona, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit verify: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		OK    bool `json:"ok"`
		Total int  `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK {
		t.Fatal("audit chain should verify clean")
	}
}

// 通知只能由收件人本人标记已读：拿到别人的通知 ID 也不能改它的状态。
func TestNotificationReadScopedToRecipient(t *testing.T) {
	srv, mux := newTestServer(t)
	owner := createTestUser(t, srv, "Rita Reporter", "rita@example.com", "reporter")
	createTestUser(t, srv, "Ivan Investigator", "ivan@example.com", "investigator")

	n, err := srv.store.InsertNotification(context.Background(), model.Notification{
		RecipientID: owner.ID,
		Subject:     "incident assigned",
		Body:        "INC-2024-001 assigned to you",
		Category:    "assignment",
	})
	if err != nil {
		t.Fatalf("insert notification: %v", err)
	}

	ownerTok := login(t, mux, "rita@example.com")
	otherTok := login(t, mux, "ivan@example.com")

	// 非收件人标记：请求返回 200（幂等语义），但通知保持未读。
	rec := doJSON(t, mux, http.MethodPost, "/api/notifications/"+n.ID+"/read", otherTok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("foreign mark status = %d", rec.Code)
	}
	unread, err := srv.store.ListNotificationsForUser(context.Background(), owner.ID, true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread after foreign mark = %d, want 1", len(unread))
	}

	// 收件人本人标记生效。
	rec = doJSON(t, mux, http.MethodPost, "/api/notifications/"+n.ID+"/read", ownerTok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own mark status = %d", rec.Code)
	}
	unread, err = srv.store.ListNotificationsForUser(context.Background(), owner.ID, true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("unread after own mark = %d, want 0", len(unread))
	}
}
