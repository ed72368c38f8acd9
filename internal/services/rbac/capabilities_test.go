package rbac

import (
	"testing"

	"casedesk/internal/domain/model"
)

// 能力矩阵必须与产品约定完全一致，这里逐行核对。
func TestCapabilityMatrix(t *testing.T) {
	cases := []struct {
		role Role
		key  string
		want bool
	}{
		{RoleReporter, "canViewAll", false},
		{RoleReporter, "canEdit", false},
		{RoleReporter, "canDelete", false},
		{RoleReporter, "canAddNotes", false},

		{RoleFirstResponder, "canViewAll", true},
		{RoleFirstResponder, "canEdit", true},
		{RoleFirstResponder, "canAssign", true},
		{RoleFirstResponder, "canClose", false},
		{RoleFirstResponder, "canUploadEvidence", true},
		{RoleFirstResponder, "canEditEvidence", false},
		{RoleFirstResponder, "canManageCustody", false},

		{RoleInvestigator, "canAssign", false},
		{RoleInvestigator, "canClose", false},
		{RoleInvestigator, "canEditEvidence", true},
		{RoleInvestigator, "canExportEvidence", true},
		{RoleInvestigator, "canManageCustody", true},
		{RoleInvestigator, "canExportReport", true},
		{RoleInvestigator, "canApproveReport", false},

		{RoleManager, "canClose", true},
		{RoleManager, "canDelete", false},
		{RoleManager, "canApproveReport", true},

		{RoleAdmin, "canDelete", true},
		{RoleAdmin, "canApproveReport", true},
	}

	for _, c := range cases {
		if got := HasPermission(c.role, c.key); got != c.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", c.role, c.key, got, c.want)
		}
	}
}

func TestUnknownPermissionKeyDenied(t *testing.T) {
	if HasPermission(RoleAdmin, "canDoAnything") {
		t.Fatalf("未显式授予的权限键必须返回 false")
	}
}

func TestNoteCategories(t *testing.T) {
	// reporter 不允许添加任何备注。
	if got := AllowedNoteCategories(RoleReporter); len(got) != 0 {
		t.Fatalf("reporter note categories = %v, want empty", got)
	}

	// 每个角色的允许集合都必须是全量类别的子集。
	all := map[model.NoteCategory]bool{}
	for _, c := range model.AllNoteCategories() {
		all[c] = true
	}
	for _, role := range AllRoles() {
		for _, c := range AllowedNoteCategories(role) {
			if !all[c] {
				t.Errorf("role %s allows unknown category %q", role, c)
			}
		}
	}

	if !NoteCategoryAllowed(RoleInvestigator, model.NoteHypothesis) {
		t.Errorf("investigator should be allowed to write hypothesis notes")
	}
	if NoteCategoryAllowed(RoleFirstResponder, model.NoteHypothesis) {
		t.Errorf("first_responder must not write hypothesis notes")
	}
}

func TestVisibleTabs(t *testing.T) {
	if got := VisibleTabs(RoleReporter); len(got) != 1 || got[0] != TabOverview {
		t.Fatalf("reporter tabs = %v, want [overview]", got)
	}
	if got := VisibleTabs(RoleFirstResponder); len(got) != 4 {
		t.Fatalf("first_responder tabs = %v, want 4 tabs", got)
	}
	for _, role := range []Role{RoleInvestigator, RoleManager, RoleAdmin} {
		got := VisibleTabs(role)
		if len(got) != 6 {
			t.Fatalf("%s tabs = %v, want all 6", role, got)
		}
	}
}

func TestCanAccessRoute(t *testing.T) {
	if CanAccessRoute("/users", RoleReporter) {
		t.Errorf("reporter must not access /users")
	}
	if !CanAccessRoute("/users", RoleAdmin) {
		t.Errorf("admin should access /users")
	}
	if CanAccessRoute("/users/42", RoleInvestigator) {
		t.Errorf("route prefix matching should cover /users/42")
	}
	// 未登记路由默认放行。
	if !CanAccessRoute("/incidents", RoleReporter) {
		t.Errorf("unlisted routes should be open to all roles")
	}
	if !CanAccessRoute("/reports", RoleManager) {
		t.Errorf("manager should access /reports")
	}
	if CanAccessRoute("/forensic-tools", RoleFirstResponder) {
		t.Errorf("first_responder must not access /forensic-tools")
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole(" Admin "); err != nil || r != RoleAdmin {
		t.Fatalf("ParseRole(Admin) = %v, %v", r, err)
	}
	if _, err := ParseRole("superuser"); err == nil {
		t.Fatalf("unknown role must be rejected")
	}
}
