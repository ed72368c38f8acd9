package config

import (
	"fmt"
	"os"
	"strings"

	"casedesk/internal/app"

	"gopkg.in/yaml.v3"
)

// 服务配置加载。
// 配置文件是可选的：不存在时使用默认值，存在则逐字段覆盖并做基础校验。

// ServerConfig 是 casedesk-server 的运行配置。
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	DBPath       string `yaml:"db_path"`
	EvidenceRoot string `yaml:"evidence_root"`
	ExportDir    string `yaml:"export_dir"`

	// SessionTTLMinutes 是会话令牌有效期（分钟）。
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

// Defaults 返回默认配置（本地试用取向）。
func Defaults() ServerConfig {
	base := app.DefaultConfig()
	return ServerConfig{
		ListenAddr:        "127.0.0.1:8787",
		DBPath:            base.DBPath,
		EvidenceRoot:      base.EvidenceRoot,
		ExportDir:         base.ExportDir,
		SessionTTLMinutes: 480,
	}
}

// Load 读取 YAML 配置文件并与默认值合并。
// path 为空时直接返回默认配置。
func Load(path string) (ServerConfig, error) {
	cfg := Defaults()

	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var overlay ServerConfig
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return ServerConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if strings.TrimSpace(overlay.ListenAddr) != "" {
		cfg.ListenAddr = strings.TrimSpace(overlay.ListenAddr)
	}
	if strings.TrimSpace(overlay.DBPath) != "" {
		cfg.DBPath = strings.TrimSpace(overlay.DBPath)
	}
	if strings.TrimSpace(overlay.EvidenceRoot) != "" {
		cfg.EvidenceRoot = strings.TrimSpace(overlay.EvidenceRoot)
	}
	if strings.TrimSpace(overlay.ExportDir) != "" {
		cfg.ExportDir = strings.TrimSpace(overlay.ExportDir)
	}
	if overlay.SessionTTLMinutes != 0 {
		cfg.SessionTTLMinutes = overlay.SessionTTLMinutes
	}

	if err := validate(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func validate(cfg ServerConfig) error {
	if cfg.SessionTTLMinutes < 0 {
		return fmt.Errorf("session_ttl_minutes must not be negative: %d", cfg.SessionTTLMinutes)
	}
	if !strings.Contains(cfg.ListenAddr, ":") {
		return fmt.Errorf("listen_addr must be host:port, got %q", cfg.ListenAddr)
	}
	return nil
}
