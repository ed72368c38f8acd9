package rbac

import (
	"fmt"
	"strings"

	"casedesk/internal/domain/model"
)

// Role 是系统的五个固定角色。
//
// 这里刻意用封闭枚举 + 穷举 switch，而不是 map 查表：
// 新增角色时漏配能力会在代码评审/测试里直接暴露，而不是静默拿到空权限。
type Role string

const (
	RoleReporter       Role = "reporter"
	RoleFirstResponder Role = "first_responder"
	RoleInvestigator   Role = "investigator"
	RoleManager        Role = "manager"
	RoleAdmin          Role = "admin"
)

// AllRoles 返回全部角色（顺序固定，用于测试与穷举校验）。
func AllRoles() []Role {
	return []Role{RoleReporter, RoleFirstResponder, RoleInvestigator, RoleManager, RoleAdmin}
}

// ParseRole 解析角色字符串，未知角色返回错误。
func ParseRole(s string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleReporter:
		return RoleReporter, nil
	case RoleFirstResponder:
		return RoleFirstResponder, nil
	case RoleInvestigator:
		return RoleInvestigator, nil
	case RoleManager:
		return RoleManager, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Tab 是事件详情页的页签标识。
type Tab string

const (
	TabOverview      Tab = "overview"
	TabEvidence      Tab = "evidence"
	TabTimeline      Tab = "timeline"
	TabNotes         Tab = "notes"
	TabCustody       Tab = "custody"
	TabForensicTools Tab = "forensic-tools"
)

// Capabilities 是某个角色的完整能力描述。静态配置，不落库。
type Capabilities struct {
	Role Role `json:"role"`

	// ViewAll 为 false 时只能看到自己上报的事件。
	ViewAll bool `json:"can_view_all"`

	Edit           bool `json:"can_edit"`
	Assign         bool `json:"can_assign"`
	Close          bool `json:"can_close"`
	Delete         bool `json:"can_delete"`
	UploadEvidence bool `json:"can_upload_evidence"`
	EditEvidence   bool `json:"can_edit_evidence"`
	ExportEvidence bool `json:"can_export_evidence"`
	ManageCustody  bool `json:"can_manage_custody"`
	AddNotes       bool `json:"can_add_notes"`
	ExportReport   bool `json:"can_export_report"`
	ApproveReport  bool `json:"can_approve_report"`

	// NoteCategories 是该角色被允许使用的备注类别。
	// 不只用于过滤前端下拉框：落库前也必须再校验一次（webapp 层负责）。
	NoteCategories []model.NoteCategory `json:"note_categories"`

	// VisibleTabs 是该角色在事件详情页可见的页签。
	VisibleTabs []Tab `json:"visible_tabs"`
}

// Get 返回角色对应的能力矩阵。五个角色全部有定义，不存在“查不到”的情况。
func Get(role Role) Capabilities {
	switch role {
	case RoleReporter:
		return Capabilities{
			Role:           RoleReporter,
			NoteCategories: []model.NoteCategory{},
			VisibleTabs:    []Tab{TabOverview},
		}
	case RoleFirstResponder:
		return Capabilities{
			Role:           RoleFirstResponder,
			ViewAll:        true,
			Edit:           true,
			Assign:         true,
			UploadEvidence: true,
			AddNotes:       true,
			NoteCategories: []model.NoteCategory{model.NoteTriage, model.NoteInitialObservation},
			VisibleTabs:    []Tab{TabOverview, TabEvidence, TabTimeline, TabNotes},
		}
	case RoleInvestigator:
		return Capabilities{
			Role:           RoleInvestigator,
			ViewAll:        true,
			Edit:           true,
			UploadEvidence: true,
			EditEvidence:   true,
			ExportEvidence: true,
			ManageCustody:  true,
			AddNotes:       true,
			ExportReport:   true,
			NoteCategories: []model.NoteCategory{
				model.NoteHypothesis, model.NoteFinding, model.NoteActionItem, model.NoteQuestion,
			},
			VisibleTabs: allTabs(),
		}
	case RoleManager:
		return Capabilities{
			Role:           RoleManager,
			ViewAll:        true,
			Edit:           true,
			Assign:         true,
			Close:          true,
			UploadEvidence: true,
			EditEvidence:   true,
			ExportEvidence: true,
			ManageCustody:  true,
			AddNotes:       true,
			ExportReport:   true,
			ApproveReport:  true,
			NoteCategories: []model.NoteCategory{
				model.NoteStatusUpdate, model.NoteManagement, model.NoteQuestion,
			},
			VisibleTabs: allTabs(),
		}
	case RoleAdmin:
		return Capabilities{
			Role:           RoleAdmin,
			ViewAll:        true,
			Edit:           true,
			Assign:         true,
			Close:          true,
			Delete:         true,
			UploadEvidence: true,
			EditEvidence:   true,
			ExportEvidence: true,
			ManageCustody:  true,
			AddNotes:       true,
			ExportReport:   true,
			ApproveReport:  true,
			NoteCategories: model.AllNoteCategories(),
			VisibleTabs:    allTabs(),
		}
	default:
		// 未知角色拿到零值能力（全部拒绝），不 panic：
		// 角色字符串来自数据库，历史脏数据不应打挂进程。
		return Capabilities{Role: role, NoteCategories: []model.NoteCategory{}, VisibleTabs: []Tab{}}
	}
}

func allTabs() []Tab {
	return []Tab{TabOverview, TabEvidence, TabTimeline, TabNotes, TabCustody, TabForensicTools}
}

// HasPermission 按权限键查询布尔标志；未显式授予的键一律返回 false。
// 键名与前端约定保持一致（canEdit / canUploadEvidence / ...）。
func HasPermission(role Role, key string) bool {
	c := Get(role)
	switch strings.TrimSpace(key) {
	case "canViewAll":
		return c.ViewAll
	case "canEdit":
		return c.Edit
	case "canAssign":
		return c.Assign
	case "canClose":
		return c.Close
	case "canDelete":
		return c.Delete
	case "canUploadEvidence":
		return c.UploadEvidence
	case "canEditEvidence":
		return c.EditEvidence
	case "canExportEvidence":
		return c.ExportEvidence
	case "canManageCustody":
		return c.ManageCustody
	case "canAddNotes":
		return c.AddNotes
	case "canExportReport":
		return c.ExportReport
	case "canApproveReport":
		return c.ApproveReport
	default:
		return false
	}
}

// AllowedNoteCategories 返回角色允许使用的备注类别集合。
func AllowedNoteCategories(role Role) []model.NoteCategory {
	return Get(role).NoteCategories
}

// NoteCategoryAllowed 判断某类别是否在角色的允许集合内（写入路径必须调用）。
func NoteCategoryAllowed(role Role, category model.NoteCategory) bool {
	for _, c := range Get(role).NoteCategories {
		if c == category {
			return true
		}
	}
	return false
}

// VisibleTabs 返回角色在事件详情页可见的页签。
func VisibleTabs(role Role) []Tab {
	return Get(role).VisibleTabs
}
