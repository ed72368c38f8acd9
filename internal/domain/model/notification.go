package model

// Notification 是一条待投递/已投递的站内通知（对应 notifications 表）。
// 实际投递通道（邮件/IM）不在本系统范围内，这里只负责生成与落库。
type Notification struct {
	ID              string `json:"id"`
	RecipientID     string `json:"recipient_id"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	Category        string `json:"category"` // assignment|status_change|custody|report
	RelatedEntityID string `json:"related_entity_id,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ReadAt          int64  `json:"read_at,omitempty"` // 0 表示未读
}

// ReportInfo 是报告产物索引（对应 reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	IncidentID       string `json:"incident_id"`
	ReportType       string `json:"report_type"` // incident_pdf|evidence_zip
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"` // ready|failed
}
