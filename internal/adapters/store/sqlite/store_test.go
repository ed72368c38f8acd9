package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"casedesk/internal/domain/model"
	"casedesk/internal/services/auditverify"
	"casedesk/internal/services/custody"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// :memory: 下每条连接是独立数据库，必须限制单连接。
	db.SetMaxOpenConns(1)

	if err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestCreateIncidentSequentialIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := model.Incident{
		Title:      "Suspicious login burst",
		Type:       model.IncidentUnauthorizedAccess,
		Priority:   model.PriorityHigh,
		ReporterID: "u_reporter",
		CreatedAt:  1718000000, // 2024 年
	}

	first, err := s.CreateIncident(ctx, base)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	second, err := s.CreateIncident(ctx, base)
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	if first.ID != "INC-2024-001" {
		t.Fatalf("first incident id = %q, want INC-2024-001", first.ID)
	}
	if second.ID != "INC-2024-002" {
		t.Fatalf("second incident id = %q, want INC-2024-002", second.ID)
	}
	if first.Status != model.StatusNew {
		t.Fatalf("default status = %q, want new", first.Status)
	}

	got, err := s.GetIncident(ctx, first.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got == nil || got.Title != base.Title || got.ReporterID != base.ReporterID {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestUpdateIncidentMaintainsClosedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inc, err := s.CreateIncident(ctx, model.Incident{
		Title:      "Phishing wave",
		Type:       model.IncidentPhishing,
		Priority:   model.PriorityMedium,
		ReporterID: "u_reporter",
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	inc.Status = model.StatusClosed
	closed, err := s.UpdateIncident(ctx, inc)
	if err != nil {
		t.Fatalf("close incident: %v", err)
	}
	if closed.ClosedAt <= 0 {
		t.Fatalf("closed_at not set on close")
	}

	closed.Status = model.StatusInvestigating
	reopened, err := s.UpdateIncident(ctx, closed)
	if err != nil {
		t.Fatalf("reopen incident: %v", err)
	}
	if reopened.ClosedAt != 0 {
		t.Fatalf("closed_at = %d after reopen, want 0", reopened.ClosedAt)
	}

	got, err := s.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.ClosedAt != 0 || got.Status != model.StatusInvestigating {
		t.Fatalf("persisted state = status %q closed_at %d", got.Status, got.ClosedAt)
	}
}

func TestListIncidentsReporterFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mk := func(reporter string) {
		t.Helper()
		if _, err := s.CreateIncident(ctx, model.Incident{
			Title:      "incident of " + reporter,
			Type:       model.IncidentOther,
			Priority:   model.PriorityLow,
			ReporterID: reporter,
		}); err != nil {
			t.Fatalf("create incident: %v", err)
		}
	}
	mk("u_alice")
	mk("u_alice")
	mk("u_bob")

	all, err := s.ListIncidents(ctx, "", 50, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list all = %d, want 3", len(all))
	}

	mine, err := s.ListIncidents(ctx, "u_alice", 50, 0)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("reporter filter = %d, want 2", len(mine))
	}
	for _, inc := range mine {
		if inc.ReporterID != "u_alice" {
			t.Fatalf("filter leaked incident of %s", inc.ReporterID)
		}
	}
}

func TestTimelineKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inc, err := s.CreateIncident(ctx, model.Incident{
		Title:      "Backfilled timeline",
		Type:       model.IncidentMalware,
		Priority:   model.PriorityHigh,
		ReporterID: "u_reporter",
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	// 后录入的条目时间戳更早（事后补录），落库顺序仍须保持插入顺序。
	entries := []model.TimelineEvent{
		{IncidentID: inc.ID, OccurredAt: 3000, RecordedAt: 5000, Summary: "containment started"},
		{IncidentID: inc.ID, OccurredAt: 1000, RecordedAt: 5001, Summary: "initial beacon observed"},
		{IncidentID: inc.ID, OccurredAt: 2000, RecordedAt: 5002, Summary: "lateral movement detected"},
	}
	for _, e := range entries {
		if _, err := s.AddTimelineEvent(ctx, e); err != nil {
			t.Fatalf("add timeline event: %v", err)
		}
	}

	stored, err := s.ListTimeline(ctx, inc.ID)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("timeline length = %d, want 3", len(stored))
	}
	for i := range entries {
		if stored[i].Summary != entries[i].Summary {
			t.Fatalf("insertion order broken at %d: got %q", i, stored[i].Summary)
		}
	}

	display := model.SortTimelineForDisplay(stored)
	if display[0].Summary != "initial beacon observed" || display[2].Summary != "containment started" {
		t.Fatalf("display order wrong: %q .. %q", display[0].Summary, display[2].Summary)
	}
}

func TestEvidenceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inc, err := s.CreateIncident(ctx, model.Incident{
		Title:      "Workstation compromise",
		Type:       model.IncidentMalware,
		Priority:   model.PriorityCritical,
		ReporterID: "u_reporter",
		CreatedAt:  1718000000,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	ev, err := s.CreateEvidence(ctx, model.Evidence{
		IncidentID:    inc.ID,
		Filename:      "memory.dmp",
		SizeBytes:     512,
		SHA256:        "aa11",
		CollectorID:   "u_mike",
		CollectorName: "Mike Responder",
	}, "")
	if err != nil {
		t.Fatalf("create evidence: %v", err)
	}
	if ev.ID != "EVD-2024-001-01" {
		t.Fatalf("evidence id = %q, want EVD-2024-001-01", ev.ID)
	}
	if len(ev.CustodyChain) != 1 || ev.CustodyChain[0].From != custody.CollectionSource {
		t.Fatalf("seed chain missing: %+v", ev.CustodyChain)
	}
	if ev.CurrentCustodian != "Mike Responder" {
		t.Fatalf("current custodian = %q", ev.CurrentCustodian)
	}

	second, err := s.CreateEvidence(ctx, model.Evidence{
		IncidentID:  inc.ID,
		Filename:    "disk.img",
		SHA256:      "bb22",
		CollectorID: "u_mike",
	}, "")
	if err != nil {
		t.Fatalf("create second evidence: %v", err)
	}
	if second.ID != "EVD-2024-001-02" {
		t.Fatalf("second evidence id = %q, want EVD-2024-001-02", second.ID)
	}

	updated, err := s.AppendCustodyTransfer(ctx, ev.ID, "", "Sarah Investigator", "Transfer to lead investigator", "", true)
	if err != nil {
		t.Fatalf("custody transfer: %v", err)
	}
	if updated.CurrentCustodian != "Sarah Investigator" {
		t.Fatalf("custodian after transfer = %q", updated.CurrentCustodian)
	}
	if got := updated.CustodyChain[len(updated.CustodyChain)-1]; got.Sequence != 2 || got.From != "Mike Responder" {
		t.Fatalf("transfer entry = %+v", got)
	}

	// 零变更交接直接拒绝。
	if _, err := s.AppendCustodyTransfer(ctx, ev.ID, "", "Sarah Investigator", "again", "", false); err == nil {
		t.Fatalf("expected same-custodian transfer to fail")
	}

	stored, err := s.GetEvidence(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	if len(stored.CustodyChain) != 2 {
		t.Fatalf("persisted chain length = %d, want 2", len(stored.CustodyChain))
	}
	if res := custody.VerifyChain(*stored); !res.OK {
		t.Fatalf("verify chain failed: %+v", res.Failures)
	}

	list, err := s.ListEvidenceByIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(list) != 2 || len(list[0].CustodyChain) == 0 {
		t.Fatalf("list evidence = %d entries", len(list))
	}
}

func TestAppendAuditBuildsVerifiableChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entries := []model.AuditLogEntry{
		{Actor: "u_sarah", Action: model.AuditCreate, EntityType: "incident", EntityID: "INC-2024-001", DetailJSON: []byte(`{"title":"a"}`)},
		{Actor: "u_sarah", Action: model.AuditEvidenceUpload, EntityType: "evidence", EntityID: "EVD-2024-001-01"},
		{Actor: "u_mgr", Action: model.AuditStatusChange, EntityType: "incident", EntityID: "INC-2024-001", DetailJSON: []byte(`{"from":"new","to":"triaged"}`)},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}

	stored, err := s.ListAudits(ctx, 0)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("audit count = %d, want 3", len(stored))
	}
	if stored[0].ChainPrevHash != "" {
		t.Fatalf("first entry prev hash = %q, want empty", stored[0].ChainPrevHash)
	}
	if stored[1].ChainPrevHash != stored[0].ChainHash {
		t.Fatalf("chain not linked")
	}

	if res := auditverify.VerifyEntries(stored); !res.OK {
		t.Fatalf("chain verification failed: %+v", res.Failures)
	}

	byEntity, err := s.ListAuditsByEntity(ctx, "INC-2024-001", 0)
	if err != nil {
		t.Fatalf("list by entity: %v", err)
	}
	if len(byEntity) != 2 {
		t.Fatalf("entity audit count = %d, want 2", len(byEntity))
	}
}

// 审计写入来自多个 goroutine（recorder 刷新循环、导出任务的直写），
// 并发追加后链必须仍然连续可校验。
func TestAppendAuditConcurrentKeepsChainIntact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const (
		writers = 8
		perG    = 25
	)

	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				e := model.AuditLogEntry{
					Actor:      fmt.Sprintf("u_%d", g),
					Action:     model.AuditView,
					EntityType: "incident",
					EntityID:   fmt.Sprintf("INC-2024-%03d", i+1),
				}
				if err := s.AppendAudit(ctx, e); err != nil {
					t.Errorf("append audit: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	stored, err := s.ListAudits(ctx, writers*perG)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(stored) != writers*perG {
		t.Fatalf("audit count = %d, want %d", len(stored), writers*perG)
	}
	if res := auditverify.VerifyEntries(stored); !res.OK {
		t.Fatalf("chain broken after concurrent appends: failed=%d prev_hash_failed=%d", res.Failed, res.PrevHashFailed)
	}
}

func TestNotificationsReadFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.InsertNotification(ctx, model.Notification{
		RecipientID:     "u_sarah",
		Subject:         "You were assigned INC-2024-001",
		Category:        "assignment",
		RelatedEntityID: "INC-2024-001",
	})
	if err != nil {
		t.Fatalf("insert notification: %v", err)
	}

	unread, err := s.ListNotificationsForUser(ctx, "u_sarah", true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread count = %d, want 1", len(unread))
	}

	// 非收件人标记不生效。
	if err := s.MarkNotificationRead(ctx, n.ID, "u_other"); err != nil {
		t.Fatalf("mark read as other: %v", err)
	}
	unread, err = s.ListNotificationsForUser(ctx, "u_sarah", true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread after foreign mark = %d, want 1", len(unread))
	}

	if err := s.MarkNotificationRead(ctx, n.ID, "u_sarah"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// 重复标记幂等。
	if err := s.MarkNotificationRead(ctx, n.ID, "u_sarah"); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}

	unread, err = s.ListNotificationsForUser(ctx, "u_sarah", true)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("unread after read = %d, want 0", len(unread))
	}

	all, err := s.ListNotificationsForUser(ctx, "u_sarah", false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].ReadAt <= 0 {
		t.Fatalf("read_at not persisted: %+v", all)
	}
}
