package model

import "encoding/json"

// AuditAction 表示审计动作类型（封闭集合）。
type AuditAction string

const (
	AuditCreate          AuditAction = "create"
	AuditUpdate          AuditAction = "update"
	AuditDelete          AuditAction = "delete"
	AuditView            AuditAction = "view"
	AuditLogin           AuditAction = "login"
	AuditLogout          AuditAction = "logout"
	AuditExport          AuditAction = "export"
	AuditAssign          AuditAction = "assign"
	AuditTransfer        AuditAction = "transfer"
	AuditStatusChange    AuditAction = "status_change"
	AuditNoteAdd         AuditAction = "note_add"
	AuditNoteDelete      AuditAction = "note_delete"
	AuditTimelineAdd     AuditAction = "timeline_add"
	AuditCustodyTransfer AuditAction = "custody_transfer"
	AuditEvidenceUpload  AuditAction = "evidence_upload"
	AuditQuickTriage     AuditAction = "quick_triage"
)

// ValidAuditAction 判断动作是否属于封闭集合。
func ValidAuditAction(a AuditAction) bool {
	switch a {
	case AuditCreate, AuditUpdate, AuditDelete, AuditView,
		AuditLogin, AuditLogout, AuditExport, AuditAssign,
		AuditTransfer, AuditStatusChange, AuditNoteAdd, AuditNoteDelete,
		AuditTimelineAdd, AuditCustodyTransfer, AuditEvidenceUpload, AuditQuickTriage:
		return true
	}
	return false
}

// AuditLogEntry 是一条不可变的合规审计记录（对应 audit_logs 表）。
// 只追加，永不修改或删除。
//
// chain_prev_hash / chain_hash 构成逐条链式哈希：
// chain_hash = sha256(prev, actor, action, entity_type, entity_id, occurred_at, detail_json)。
// 校验逻辑见 auditverify 包，写入公式见 sqlite store 的 AppendAudit。
type AuditLogEntry struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"` // 无鉴权上下文时兜底为 "system"，不允许丢记录
	Action     AuditAction     `json:"action"`
	EntityType string          `json:"entity_type"` // incident|evidence|user|note|report|session
	EntityID   string          `json:"entity_id"`
	DetailJSON json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt int64           `json:"occurred_at"`
	IP         string          `json:"ip,omitempty"`

	ChainPrevHash string `json:"chain_prev_hash,omitempty"`
	ChainHash     string `json:"chain_hash,omitempty"`
}
