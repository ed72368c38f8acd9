package app

// 构建信息，由 -ldflags 在发布时注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
