package notify

import (
	"context"
	"testing"

	"casedesk/internal/domain/model"
)

type captureDispatcher struct {
	sent []model.Notification
}

func (d *captureDispatcher) Dispatch(_ context.Context, n model.Notification) error {
	d.sent = append(d.sent, n)
	return nil
}

func TestRecipients(t *testing.T) {
	// 上报人 + 负责人。
	inc := model.Incident{ID: "INC-2024-001", ReporterID: "u_rep", AssigneeID: "u_inv"}
	if got := Recipients(inc); len(got) != 2 || got[0] != "u_rep" || got[1] != "u_inv" {
		t.Fatalf("recipients = %v, want [u_rep u_inv]", got)
	}

	// 上报人自己处置时去重，只发一份。
	self := model.Incident{ID: "INC-2024-002", ReporterID: "u_rep", AssigneeID: "u_rep"}
	if got := Recipients(self); len(got) != 1 || got[0] != "u_rep" {
		t.Fatalf("dedup recipients = %v, want [u_rep]", got)
	}

	// 未指派时只有上报人。
	unassigned := model.Incident{ID: "INC-2024-003", ReporterID: "u_rep"}
	if got := Recipients(unassigned); len(got) != 1 {
		t.Fatalf("unassigned recipients = %v, want [u_rep]", got)
	}
}

func TestOnStatusChanged(t *testing.T) {
	d := &captureDispatcher{}
	svc := NewService(d)

	inc := model.Incident{ID: "INC-2024-001", Title: "phishing wave", ReporterID: "u_rep", AssigneeID: "u_inv"}
	svc.OnStatusChanged(context.Background(), inc, model.StatusNew, model.StatusTriaged)

	if len(d.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(d.sent))
	}
	for _, n := range d.sent {
		if n.Category != "status_change" || n.RelatedEntityID != "INC-2024-001" {
			t.Errorf("unexpected notification: %+v", n)
		}
		if n.ID == "" || n.CreatedAt == 0 {
			t.Errorf("notification missing id/timestamp: %+v", n)
		}
	}
}

func TestOnAssigned(t *testing.T) {
	d := &captureDispatcher{}
	svc := NewService(d)

	inc := model.Incident{ID: "INC-2024-004", Title: "ransomware", ReporterID: "u_rep", AssigneeID: "u_inv"}
	svc.OnAssigned(context.Background(), inc, "Sarah Investigator")

	if len(d.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(d.sent))
	}
	if d.sent[0].Category != "assignment" {
		t.Errorf("category = %s, want assignment", d.sent[0].Category)
	}
}
