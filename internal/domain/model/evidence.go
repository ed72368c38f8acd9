package model

// AnalysisStatus 表示证据的分析进度。
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisAnalyzing AnalysisStatus = "analyzing"
	AnalysisAnalyzed  AnalysisStatus = "analyzed"
	AnalysisArchived  AnalysisStatus = "archived"
)

// IntegrityStatus 表示证据完整性复核结论。
type IntegrityStatus string

const (
	// IntegrityVerified 哈希复核一致。
	IntegrityVerified IntegrityStatus = "verified"
	// IntegrityTampered 哈希复核不一致，疑似被改动。
	IntegrityTampered IntegrityStatus = "tampered"
	// IntegrityUnknown 尚未复核。
	IntegrityUnknown IntegrityStatus = "unknown"
)

// CustodyTransfer 是保管链上的一次交接记录。
//
// 不变式：同一证据下 sequence 从 1 开始、连续且严格递增；
// 不允许两条记录共用同一个 sequence。
type CustodyTransfer struct {
	Sequence     int    `json:"sequence"`          // 1 起步，单调递增
	From         string `json:"from"`              // 交出方（首条为 "System" 或采集来源）
	To           string `json:"to"`                // 接收方
	At           int64  `json:"at"`                // 交接时间（Unix 秒）
	Reason       string `json:"reason"`            // 交接原因，必填
	HashVerified bool   `json:"hash_verified"`     // 交接时是否复核过哈希
	Witness      string `json:"witness,omitempty"` // 见证人，可选
}

// Evidence 表示一条数字证据，归属于唯一一个事件（对应 evidence 表）。
type Evidence struct {
	ID         string `json:"id"` // 业务编号，格式 EVD-<incident-suffix>-NN
	IncidentID string `json:"incident_id"`

	Filename  string `json:"filename"`
	FileType  string `json:"file_type,omitempty"` // 申报的文件类型（MIME 或扩展名描述）
	SizeBytes int64  `json:"size_bytes"`
	MD5       string `json:"md5,omitempty"`
	SHA256    string `json:"sha256"`

	CollectorID   string `json:"collector_id"`
	CollectorName string `json:"collector_name,omitempty"`
	CollectedAt   int64  `json:"collected_at"`

	// CurrentCustodian 必须始终等于保管链最后一条记录的 To——
	// 该等式由 custody 包在每次交接时负责维护。
	CurrentCustodian string `json:"current_custodian"`

	StorageLocation string          `json:"storage_location"` // 落盘路径/保管位置（自由文本）
	AnalysisStatus  AnalysisStatus  `json:"analysis_status"`
	Integrity       IntegrityStatus `json:"integrity_status"`
	Description     string          `json:"description,omitempty"`

	// CustodyChain 创建时即带一条初始采集记录，此后只追加、不改写。
	CustodyChain []CustodyTransfer `json:"custody_chain"`
}
