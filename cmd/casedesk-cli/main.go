package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"casedesk/internal/adapters/config"
	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/app"
	"casedesk/internal/domain/model"
	"casedesk/internal/services/evidenceexport"
	"casedesk/internal/services/rbac"
	"casedesk/internal/services/reportpdf"
	"casedesk/internal/services/webapp"

	_ "modernc.org/sqlite"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "users":
		return runUsers(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// openStore 打开（必要时创建）数据库并保证结构最新。
// SQLite 单连接 + busy_timeout 是全项目统一的打开姿势。
func openStore(ctx context.Context, dbPath string) (*sql.DB, *sqliteadapter.Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, sqliteadapter.NewStore(db), nil
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, _, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runUsers 是二级命令路由：users add / users list。
// 没有单独的管理后台，初始账号只能从这里种进去。
func runUsers(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsersUsage()
		return nil
	}

	switch args[0] {
	case "add":
		return runUsersAdd(ctx, args[1:])
	case "list":
		return runUsersList(ctx, args[1:])
	default:
		printUsersUsage()
		return fmt.Errorf("unknown users command: %s", args[0])
	}
}

func runUsersAdd(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("users add", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	email := fs.String("email", "", "user email (required)")
	name := fs.String("name", "", "display name (required)")
	role := fs.String("role", "reporter", "role: reporter|first_responder|investigator|manager|admin")
	department := fs.String("department", "", "department (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" || strings.TrimSpace(*name) == "" {
		return fmt.Errorf("--email and --name are required")
	}
	if _, err := rbac.ParseRole(*role); err != nil {
		return err
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := store.CreateUser(ctx, model.User{
		DisplayName: strings.TrimSpace(*name),
		Email:       strings.TrimSpace(strings.ToLower(*email)),
		Role:        strings.TrimSpace(*role),
		Department:  strings.TrimSpace(*department),
		Active:      true,
	})
	if err != nil {
		return err
	}

	fmt.Println("user created")
	fmt.Printf("id=%s email=%s role=%s\n", u.ID, u.Email, u.Role)
	return nil
}

func runUsersList(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("users list", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(users)
	}
	for _, u := range users {
		fmt.Printf("id=%s email=%s role=%s active=%v name=%q\n", u.ID, u.Email, u.Role, u.Active, u.DisplayName)
	}
	fmt.Printf("total=%d\n", len(users))
	return nil
}

// runExport 是导出命令路由：生成事件 PDF 报告 / 证据导出包。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "pdf":
		return runExportPDF(ctx, args[1:])
	case "zip":
		return runExportZip(ctx, args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

func runExportPDF(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export pdf", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	incidentID := fs.String("incident-id", "", "incident id (required)")
	outDir := fs.String("out-dir", cfg.ExportDir, "report output directory")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "export note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*incidentID) == "" {
		return fmt.Errorf("--incident-id is required")
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := reportpdf.GenerateIncidentPDF(ctx, store, reportpdf.Options{
		IncidentID: strings.TrimSpace(*incidentID),
		OutDir:     strings.TrimSpace(*outDir),
		Operator:   strings.TrimSpace(*operator),
		Note:       strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("incident pdf export completed")
	fmt.Printf("incident_id=%s report_id=%s\n", strings.TrimSpace(*incidentID), res.ReportID)
	fmt.Printf("pdf=%s\n", res.PDFPath)
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

func runExportZip(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("export zip", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	incidentID := fs.String("incident-id", "", "incident id (required)")
	evidenceRoot := fs.String("evidence-dir", cfg.EvidenceRoot, "evidence root directory")
	outDir := fs.String("out-dir", cfg.ExportDir, "export output directory")
	operator := fs.String("operator", "system", "operator id or name")
	note := fs.String("note", "", "export note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*incidentID) == "" {
		return fmt.Errorf("--incident-id is required")
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := evidenceexport.GenerateEvidenceZip(ctx, store, evidenceexport.ZipOptions{
		IncidentID:   strings.TrimSpace(*incidentID),
		EvidenceRoot: strings.TrimSpace(*evidenceRoot),
		ExportDir:    strings.TrimSpace(*outDir),
		Operator:     strings.TrimSpace(*operator),
		Note:         strings.TrimSpace(*note),
	})
	if err != nil {
		return err
	}

	fmt.Println("evidence zip export completed")
	fmt.Printf("incident_id=%s report_id=%s\n", res.IncidentID, res.ReportID)
	fmt.Printf("zip=%s\n", res.ZipPath)
	fmt.Printf("zip_sha256=%s\n", res.ZipSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// runServe 启动 API 服务。
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "yaml config file (optional)")
	listen := fs.String("listen", "", "listen address (overrides config)")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	evidenceRoot := fs.String("evidence-dir", "", "evidence root directory (overrides config)")
	exportDir := fs.String("export-dir", "", "export output directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
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

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.FromConfig(cfg))
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  casedesk-cli migrate [--db data/casedesk.db]")
	fmt.Println("  casedesk-cli users add --email EMAIL --name NAME [--role reporter|first_responder|investigator|manager|admin]")
	fmt.Println("  casedesk-cli users list [--db data/casedesk.db] [--json]")
	fmt.Println("  casedesk-cli export pdf --incident-id INC-2026-001 [--db path] [--out-dir path]")
	fmt.Println("  casedesk-cli export zip --incident-id INC-2026-001 [--db path] [--evidence-dir path] [--out-dir path]")
	fmt.Println("  casedesk-cli verify export-zip --zip PATH_TO_ZIP")
	fmt.Println("  casedesk-cli verify evidence --incident-id INC-2026-001 [--db path] [--evidence-id EVD_ID]")
	fmt.Println("  casedesk-cli verify audits [--db path] [--limit 50000]")
	fmt.Println("  casedesk-cli serve [--config casedesk.yaml] [--listen 127.0.0.1:8787] [--db path]")
}

func printUsersUsage() {
	fmt.Println("Usage:")
	fmt.Println("  casedesk-cli users add --email EMAIL --name NAME [--role ROLE] [--department DEPT] [--db path]")
	fmt.Println("  casedesk-cli users list [--db path] [--json]")
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  casedesk-cli export pdf --incident-id INC_ID [--db path] [--out-dir path] [--operator name] [--note text]")
	fmt.Println("  casedesk-cli export zip --incident-id INC_ID [--db path] [--evidence-dir path] [--out-dir path] [--operator name] [--note text]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
