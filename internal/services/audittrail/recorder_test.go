package audittrail

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"casedesk/internal/domain/model"
)

type memSink struct {
	mu      sync.Mutex
	entries []model.AuditLogEntry
	fail    bool
}

func (s *memSink) AppendAudit(_ context.Context, e model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) snapshot() []model.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestRecorderWritesEntries(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink)

	r.Record("u_sarah", model.AuditCustodyTransfer, "evidence", "EVD-2024-001-01", map[string]any{"to": "Sarah"}, "10.0.0.5")
	r.Record("", model.AuditLogin, "session", "sess_1", nil, "")
	r.Close()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Actor != "u_sarah" || got[0].Action != model.AuditCustodyTransfer {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	// 无鉴权上下文时 actor 兜底为 system，而不是丢记录。
	if got[1].Actor != "system" {
		t.Errorf("fallback actor = %s, want system", got[1].Actor)
	}
	if string(got[1].DetailJSON) != "{}" {
		t.Errorf("empty details should persist as {}: %s", got[1].DetailJSON)
	}
	for _, e := range got {
		if e.ID == "" || e.OccurredAt == 0 {
			t.Errorf("entry missing id/timestamp: %+v", e)
		}
	}
}

// 审计存储失败不能阻塞调用方：Record 必须立刻返回，失败只进本地日志。
func TestRecorderNeverBlocksOnSinkFailure(t *testing.T) {
	sink := &memSink{fail: true}
	r := NewRecorder(sink)

	done := make(chan struct{})
	go func() {
		r.Record("u_mike", model.AuditUpdate, "incident", "INC-2024-001", nil, "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Record blocked on failing sink")
	}
	r.Close()
}

// 服务关停时 HTTP handler 可能仍在调用 Record：与 Close 并发不能
// panic，也不能丢记录（关停后到达的记录走同步直写）。
func TestRecorderCloseRacesRecord(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink)

	const (
		writers = 4
		perG    = 50
	)
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				r.Record("u_mike", model.AuditView, "incident", "INC-2024-001", nil, "")
			}
		}()
	}
	r.Close()
	wg.Wait()

	// Close 之后的记录同样不能丢。
	r.Record("u_mike", model.AuditLogout, "session", "sess_1", nil, "")

	if got := len(sink.snapshot()); got != writers*perG+1 {
		t.Fatalf("entries = %d, want %d", got, writers*perG+1)
	}
}

func TestValidAuditAction(t *testing.T) {
	if !model.ValidAuditAction(model.AuditQuickTriage) {
		t.Errorf("quick_triage should be a valid action")
	}
	if model.ValidAuditAction(model.AuditAction("drop_table")) {
		t.Errorf("unknown action must be invalid")
	}
}

func TestExportSyslog(t *testing.T) {
	entries := []model.AuditLogEntry{
		{
			ID:         "aud_1",
			Actor:      "u_sarah",
			Action:     model.AuditExport,
			EntityType: "incident",
			EntityID:   "INC-2024-001",
			DetailJSON: []byte(`{"report":"pdf"}`),
			OccurredAt: 1700000000,
			ChainHash:  "abc123",
		},
		{
			ID:         "aud_2",
			Actor:      "system",
			Action:     model.AuditLogin,
			EntityType: "session",
			EntityID:   "sess_9",
			OccurredAt: 1700000001,
		},
	}

	out, err := ExportSyslog(entries)
	if err != nil {
		t.Fatalf("ExportSyslog: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !bytes.Contains(lines[0], []byte(`actor="u_sarah"`)) {
		t.Errorf("structured data missing actor: %s", lines[0])
	}
	if !bytes.Contains(lines[0], []byte("casedesk")) {
		t.Errorf("app name missing: %s", lines[0])
	}
	if !bytes.Contains(lines[1], []byte("aud_2")) {
		t.Errorf("message id missing: %s", lines[1])
	}
}
