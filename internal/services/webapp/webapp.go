package webapp

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"casedesk/internal/adapters/config"
	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/domain/model"
	"casedesk/internal/services/audittrail"
	"casedesk/internal/services/notify"

	_ "modernc.org/sqlite"
)

// Options 定义 API 服务启动参数，零值字段回落到 config.Defaults()。
type Options struct {
	ListenAddr   string
	DBPath       string
	EvidenceRoot string
	ExportDir    string

	// SessionTTL 会话有效期；0 表示用配置默认值。
	SessionTTL time.Duration
}

func (o Options) withDefaults() Options {
	def := config.Defaults()
	if o.ListenAddr == "" {
		o.ListenAddr = def.ListenAddr
	}
	if o.DBPath == "" {
		o.DBPath = def.DBPath
	}
	if o.EvidenceRoot == "" {
		o.EvidenceRoot = def.EvidenceRoot
	}
	if o.ExportDir == "" {
		o.ExportDir = def.ExportDir
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Duration(def.SessionTTLMinutes) * time.Minute
	}
	return o
}

// FromConfig 把配置文件映射为启动参数。
func FromConfig(cfg config.ServerConfig) Options {
	return Options{
		ListenAddr:   cfg.ListenAddr,
		DBPath:       cfg.DBPath,
		EvidenceRoot: cfg.EvidenceRoot,
		ExportDir:    cfg.ExportDir,
		SessionTTL:   time.Duration(cfg.SessionTTLMinutes) * time.Minute,
	}
}

// Run 启动事件响应 API 服务：
// - 事件/证据/笔记/时间线的增删查接口（按角色能力矩阵鉴权）
// - 保管链交接与校验、审计链校验
// - PDF/ZIP 导出后台任务与下载
// - SSE 实时事件流与站内通知
func Run(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(opts.EvidenceRoot, 0o755); err != nil {
		return fmt.Errorf("create evidence directory: %w", err)
	}
	if err := os.MkdirAll(opts.ExportDir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	store := sqliteadapter.NewStore(db)
	recorder := audittrail.NewRecorder(store)
	defer recorder.Close()

	s := newServer(opts, store, recorder)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("casedesk listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// storeDispatcher 把通知落 notifications 表（默认投递通道）。
type storeDispatcher struct {
	store *sqliteadapter.Store
}

func (d storeDispatcher) Dispatch(ctx context.Context, n model.Notification) error {
	_, err := d.store.InsertNotification(ctx, n)
	return err
}

func newNotifyService(store *sqliteadapter.Store) *notify.Service {
	return notify.NewService(storeDispatcher{store: store})
}
