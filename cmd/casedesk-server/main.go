package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"casedesk/internal/adapters/config"
	"casedesk/internal/app"
	"casedesk/internal/services/webapp"
)

// API 服务入口。等价于 `casedesk-cli serve`，但作为独立二进制便于
// systemd/容器部署（镜像里不用带整套运维 CLI）。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("casedesk-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config file (optional)")
	listen := fs.String("listen", "", "listen address (overrides config)")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	evidenceRoot := fs.String("evidence-dir", "", "evidence root directory (overrides config)")
	exportDir := fs.String("export-dir", "", "export output directory (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("casedesk-server %s (commit %s, built %s)\n", app.Version, app.Commit, app.BuildTime)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.ListenAddr = strings.TrimSpace(*listen)
	}
	if strings.TrimSpace(*dbPath) != "" {
		cfg.DBPath = strings.TrimSpace(*dbPath)
	}
	if strings.TrimSpace(*evidenceRoot) != "" {
		cfg.EvidenceRoot = strings.TrimSpace(*evidenceRoot)
	}
	if strings.TrimSpace(*exportDir) != "" {
		cfg.ExportDir = strings.TrimSpace(*exportDir)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.FromConfig(cfg))
}
