package evidenceexport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/app"
	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"
	"casedesk/internal/services/audittrail"
)

// ZipOptions 定义“证据导出包（ZIP）”生成参数。
//
// 设计目标：
// - 把事件相关的“证据原文件 + 报告产物 + 清单(manifest) + hash 列表 + 审计日志”打包到一个 ZIP
// - 先满足内部流转/复核；后续再增强到更严格的合规格式（签名/时间戳等）
type ZipOptions struct {
	IncidentID string

	// EvidenceRoot 用于把 storage_location 归一化到 ZIP 内的 evidence/ 路径。
	EvidenceRoot string

	// ExportDir 指定导出目录。
	ExportDir string

	// Operator/Note 用于审计日志。
	Operator string
	Note     string
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 原始字节数
	Kind      string `json:"kind"`       // evidence|report|manifest|audit
}

type ManifestEvidence struct {
	Evidence model.Evidence `json:"evidence"`
	ZipPath  string         `json:"zip_path"`
}

type ManifestReport struct {
	Report  model.ReportInfo `json:"report"`
	ZipPath string           `json:"zip_path"`
}

type ZipManifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Incident *model.Incident        `json:"incident"`
	Timeline []model.TimelineEvent  `json:"timeline"`
	Notes    []model.IncidentNote   `json:"notes"`
	Evidence []ManifestEvidence     `json:"evidence"`
	Audits   []model.AuditLogEntry  `json:"audits"`
	Reports  []ManifestReport       `json:"reports"`
	Files    []FileHashEntry        `json:"files"`
	Warnings []string               `json:"warnings,omitempty"`
	Note     string                 `json:"note,omitempty"`
	Extra    map[string]any         `json:"extra,omitempty"`
	Stats    map[string]any         `json:"stats,omitempty"`
}

// ZipResult 是一次 ZIP 导出任务的摘要输出。
type ZipResult struct {
	IncidentID string   `json:"incident_id"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	manifestSchemaV1 = "casedesk.evidence_export_manifest.v1"
	zipGeneratorVer  = "evidence-exportzip-0.1.0"
)

// GenerateEvidenceZip 生成“证据导出包（ZIP）”并在 reports 表中登记为 report_type=evidence_zip。
//
// 输出 ZIP 内容（v1）：
// - manifest.json：事件/时间线/笔记/证据/审计/报告的结构化清单
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
// - audit.syslog：事件审计日志的 RFC 5424 导出（可直接投递给 SIEM 复核）
// - evidence/..：证据原文件
// - reports/..：报告产物文件（不包含 evidence_zip 以避免递归）
func GenerateEvidenceZip(ctx context.Context, store *sqliteadapter.Store, opts ZipOptions) (*ZipResult, error) {
	startedAt := time.Now().Unix()

	incidentID := strings.TrimSpace(opts.IncidentID)
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}

	evidenceRoot := strings.TrimSpace(opts.EvidenceRoot)
	if evidenceRoot == "" {
		evidenceRoot = app.DefaultConfig().EvidenceRoot
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = app.DefaultConfig().ExportDir
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	inc, err := store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident not found: %s", incidentID)
	}

	// --- 拉取事件数据（全部用于 manifest；文件内容只打包证据/报告） ---
	timeline, err := store.ListTimeline(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	notes, err := store.ListNotes(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	evidence, err := store.ListEvidenceByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	audits, err := store.ListAuditsByEntity(ctx, incidentID, 5000)
	if err != nil {
		return nil, err
	}
	allReports, err := store.ListReportsByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	// --- 组织需要打进 ZIP 的磁盘文件清单 ---
	type includeSpec struct {
		SrcPath string
		ZipPath string
		Kind    string
	}

	var warnings []string
	var includes []includeSpec

	// evidence files
	evidenceBaseAbs := mustAbs(evidenceRoot)
	manifestEvidence := make([]ManifestEvidence, 0, len(evidence))
	for _, ev := range evidence {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		src := strings.TrimSpace(ev.StorageLocation)
		if src == "" {
			warnings = append(warnings, fmt.Sprintf("evidence %s storage_location empty", ev.ID))
			manifestEvidence = append(manifestEvidence, ManifestEvidence{Evidence: ev})
			continue
		}
		rel := safeRel(evidenceBaseAbs, mustAbs(src))
		if rel == "" {
			// 兜底：尽量保证 ZIP 内路径稳定且不包含本机绝对路径。
			rel = filepath.Join(ev.ID, filepath.Base(src))
		}
		zipPath := filepath.ToSlash(filepath.Join("evidence", rel))
		includes = append(includes, includeSpec{
			SrcPath: src,
			ZipPath: zipPath,
			Kind:    "evidence",
		})
		manifestEvidence = append(manifestEvidence, ManifestEvidence{
			Evidence: ev,
			ZipPath:  zipPath,
		})
	}

	// reports (skip evidence_zip itself to avoid "zip in zip" recursion)
	manifestReports := make([]ManifestReport, 0, len(allReports))
	for _, r := range allReports {
		if strings.TrimSpace(r.ReportType) == "evidence_zip" {
			continue
		}
		src := strings.TrimSpace(r.FilePath)
		if src == "" {
			continue
		}
		zipPath := filepath.ToSlash(filepath.Join("reports", filepath.Base(src)))
		includes = append(includes, includeSpec{
			SrcPath: src,
			ZipPath: zipPath,
			Kind:    "report",
		})
		manifestReports = append(manifestReports, ManifestReport{
			Report:  r,
			ZipPath: zipPath,
		})
	}

	// --- 开始写 ZIP ---
	zipName := fmt.Sprintf("%s_evidence_export_%d.zip", incidentID, time.Now().Unix())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry

	addDiskFile := func(srcPath, zipPath, kind string) {
		if strings.TrimSpace(srcPath) == "" || strings.TrimSpace(zipPath) == "" {
			return
		}
		select {
		case <-ctx.Done():
			warnings = append(warnings, "context cancelled")
			return
		default:
		}

		sum, size, err := writeZipFileFromDisk(zw, srcPath, zipPath)
		if err != nil {
			// best-effort：缺失文件不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip file %s -> %s: %v", srcPath, zipPath, err))
			return
		}
		fileHashes = append(fileHashes, FileHashEntry{
			Path:      zipPath,
			SHA256:    sum,
			SizeBytes: size,
			Kind:      kind,
		})
	}

	for _, it := range includes {
		addDiskFile(it.SrcPath, it.ZipPath, it.Kind)
	}

	// audit.syslog（RFC 5424，一行一条）
	syslogRaw, err := audittrail.ExportSyslog(audits)
	if err != nil {
		warnings = append(warnings, "export syslog failed: "+err.Error())
	} else if len(syslogRaw) > 0 {
		sum, size, werr := writeZipFileFromBytes(zw, "audit.syslog", syslogRaw)
		if werr != nil {
			return nil, fmt.Errorf("write audit.syslog to zip: %w", werr)
		}
		fileHashes = append(fileHashes, FileHashEntry{
			Path:      "audit.syslog",
			SHA256:    sum,
			SizeBytes: size,
			Kind:      "audit",
		})
	}

	// manifest.json（先写入，再把它的 hash 也记录进 hashes.sha256）
	manifest := ZipManifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		Incident:    inc,
		Timeline:    model.SortTimelineForDisplay(timeline),
		Notes:       notes,
		Evidence:    manifestEvidence,
		Audits:      audits,
		Reports:     manifestReports,
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
		Extra: map[string]any{
			"evidence_root": evidenceRoot,
		},
		Stats: map[string]any{
			"timeline_count": len(timeline),
			"note_count":     len(notes),
			"evidence_count": len(evidence),
			"audit_count":    len(audits),
			"report_count":   len(allReports),
		},
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	// 排序：让 manifest 与 hashes.sha256 尽量稳定（便于对比）。
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest.Files = fileHashes

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestZipPath := "manifest.json"
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, manifestZipPath, manifestRaw)
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{
		Path:      manifestZipPath,
		SHA256:    manifestSum,
		SizeBytes: manifestSize,
		Kind:      "manifest",
	})

	// hashes.sha256（sha256sum 兼容格式，默认不包含自身）
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	hashLines := make([]string, 0, len(fileHashes)+4)
	hashLines = append(hashLines, "# casedesk evidence export hash list")
	hashLines = append(hashLines, fmt.Sprintf("# generated_at=%d", time.Now().Unix()))
	hashLines = append(hashLines, "# format: <sha256><two spaces><path>")
	for _, fh := range fileHashes {
		hashLines = append(hashLines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	hashLines = append(hashLines, "")
	hashRaw := []byte(strings.Join(hashLines, "\n"))
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", hashRaw); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	// flush/close zip
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	// 入库登记（reports 表）+ 审计留痕（audit_logs）
	reportID, err := store.SaveReport(ctx, incidentID, "evidence_zip", zipPath, zipSum, zipGeneratorVer, "ready")
	if err != nil {
		return nil, err
	}
	detailRaw, _ := json.Marshal(map[string]any{
		"report_id":   reportID,
		"report_type": "evidence_zip",
		"zip_path":    zipPath,
		"zip_sha256":  zipSum,
		"warnings":    warnings,
	})
	_ = store.AppendAudit(ctx, model.AuditLogEntry{
		Actor:      operator,
		Action:     model.AuditExport,
		EntityType: "report",
		EntityID:   incidentID,
		DetailJSON: detailRaw,
	})

	return &ZipResult{
		IncidentID: incidentID,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// safeRel 返回 target 相对 base 的相对路径；如果无法计算（不同盘符/不在 base 下）则返回空字符串。
func safeRel(baseAbs, targetAbs string) string {
	if baseAbs == "" || targetAbs == "" {
		return ""
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return ""
	}
	rel = filepath.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, string(filepath.Separator)+"..") {
		return ""
	}
	return rel
}

func writeZipFileFromDisk(zw *zip.Writer, srcPath, zipPath string) (sum string, size int64, err error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, err
	}
	if fi.IsDir() {
		return "", 0, fmt.Errorf("is a directory")
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return "", 0, err
	}
	hdr.Name = zipPath
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
