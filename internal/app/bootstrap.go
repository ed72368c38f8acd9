package app

// Config 存放应用级默认路径配置。
type Config struct {
	DBPath       string
	EvidenceRoot string
	ExportDir    string
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:       "data/casedesk.db",
		EvidenceRoot: "data/evidence",
		ExportDir:    "data/exports",
	}
}
