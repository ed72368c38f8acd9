package model

// IncidentType 表示事件的攻击类别（封闭枚举）。
type IncidentType string

const (
	// IncidentMalware 恶意软件感染。
	IncidentMalware IncidentType = "malware"
	// IncidentPhishing 钓鱼攻击。
	IncidentPhishing IncidentType = "phishing"
	// IncidentDataBreach 数据泄露。
	IncidentDataBreach IncidentType = "data_breach"
	// IncidentDDoS 拒绝服务攻击。
	IncidentDDoS IncidentType = "ddos"
	// IncidentInsiderThreat 内部威胁。
	IncidentInsiderThreat IncidentType = "insider_threat"
	// IncidentUnauthorizedAccess 未授权访问。
	IncidentUnauthorizedAccess IncidentType = "unauthorized_access"
	// IncidentRansomware 勒索软件。
	IncidentRansomware IncidentType = "ransomware"
	// IncidentOther 其他类型。
	IncidentOther IncidentType = "other"
)

// IncidentStatus 表示事件生命周期状态。
//
// 注意：本系统不做状态机约束——任何具备编辑权限的角色可以把状态改成任意值
// （包括把 closed 改回 new）。这是沿用原始业务的“宽松”设计，不是保证。
// 唯一由存储层维护的派生字段是 closed_at：状态进入 closed 时写入，离开 closed 时清空。
type IncidentStatus string

const (
	// StatusNew 新上报，未分诊。
	StatusNew IncidentStatus = "new"
	// StatusTriaged 已完成初步分诊。
	StatusTriaged IncidentStatus = "triaged"
	// StatusInvestigating 调查进行中。
	StatusInvestigating IncidentStatus = "investigating"
	// StatusContained 已遏制。
	StatusContained IncidentStatus = "contained"
	// StatusEradicated 已清除。
	StatusEradicated IncidentStatus = "eradicated"
	// StatusRecovered 已恢复。
	StatusRecovered IncidentStatus = "recovered"
	// StatusClosed 已关闭（事件不做物理删除，只关闭）。
	StatusClosed IncidentStatus = "closed"
)

// Priority 表示事件严重度（有序枚举，low < medium < high < critical）。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ImpactAssessment 是三维 1-5 打分 + 业务影响说明。
type ImpactAssessment struct {
	Confidentiality int    `json:"confidentiality"` // 机密性影响 1-5
	Integrity       int    `json:"integrity"`       // 完整性影响 1-5
	Availability    int    `json:"availability"`    // 可用性影响 1-5
	BusinessImpact  string `json:"business_impact"` // 业务影响描述（自由文本）
}

// TechnicalDetails 是事件的技术细节（自由文本字段）。
type TechnicalDetails struct {
	AttackVector     string `json:"attack_vector,omitempty"`     // 攻击向量
	AffectedSystems  string `json:"affected_systems,omitempty"`  // 受影响系统
	IndicatorSummary string `json:"indicator_summary,omitempty"` // IOC 摘要
}

// TimelineEvent 是事件时间线上的一条记录。
//
// 时间线只追加不修改；落库保持插入顺序，展示时才按 OccurredAt 重排
// （插入顺序不保证与时间顺序一致，例如事后补录的早期动作）。
type TimelineEvent struct {
	ID         string `json:"id"`
	IncidentID string `json:"incident_id"`
	OccurredAt int64  `json:"occurred_at"` // 事件发生时间（Unix 秒）
	RecordedAt int64  `json:"recorded_at"` // 记录写入时间（Unix 秒）
	Actor      string `json:"actor"`       // 记录人
	Summary    string `json:"summary"`     // 发生了什么
	Detail     string `json:"detail,omitempty"`
}

// NoteCategory 表示事件备注的类别；每个角色允许使用的类别由 rbac 包给出。
type NoteCategory string

const (
	NoteTriage             NoteCategory = "triage_note"
	NoteInitialObservation NoteCategory = "initial_observation"
	NoteHypothesis         NoteCategory = "hypothesis"
	NoteFinding            NoteCategory = "finding"
	NoteActionItem         NoteCategory = "action_item"
	NoteQuestion           NoteCategory = "question"
	NoteStatusUpdate       NoteCategory = "status_update"
	NoteManagement         NoteCategory = "management_note"
)

// AllNoteCategories 返回全量备注类别集合（用于校验与测试）。
func AllNoteCategories() []NoteCategory {
	return []NoteCategory{
		NoteTriage,
		NoteInitialObservation,
		NoteHypothesis,
		NoteFinding,
		NoteActionItem,
		NoteQuestion,
		NoteStatusUpdate,
		NoteManagement,
	}
}

// IncidentNote 是带类别的事件备注。
type IncidentNote struct {
	ID         string       `json:"id"`
	IncidentID string       `json:"incident_id"`
	AuthorID   string       `json:"author_id"`
	AuthorName string       `json:"author_name,omitempty"`
	Category   NoteCategory `json:"category"`
	Body       string       `json:"body"`
	CreatedAt  int64        `json:"created_at"`
}

// Incident 表示一起上报的安全事件（对应 incidents 表）。
type Incident struct {
	ID          string         `json:"id"` // 业务编号，格式 INC-YYYY-NNN
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        IncidentType   `json:"type"`
	Status      IncidentStatus `json:"status"`
	Priority    Priority       `json:"priority"`

	ReporterID string `json:"reporter_id"`           // 上报人
	AssigneeID string `json:"assignee_id,omitempty"` // 处置负责人，可为空

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
	ClosedAt  int64 `json:"closed_at,omitempty"` // 状态为 closed 时有效，其余为 0

	Impact    ImpactAssessment `json:"impact"`
	Technical TechnicalDetails `json:"technical"`

	// RegulatoryTags 是监管要求标签（例如 gdpr / pci_dss / hipaa）。
	RegulatoryTags []string `json:"regulatory_tags,omitempty"`
}
