package reportpdf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"

	"github.com/phpdave11/gofpdf"
)

// 事件 PDF 报告（incident_pdf）
//
// 设计目标：
// - 先“能用”：输出一个可下载、可长期归档的 PDF 文件
// - 先“可追溯”：报告入库登记到 reports 表，并写入 audit_logs 留痕；
//   报告尾部带审计链尾 hash，归档后可与数据库对账
// - 先“可扩展”：后续可逐步强化为合规报告格式（模板、签章、页眉页脚等）
//
// 注意：PDF 属于二进制产物，必须通过 /api/reports/{id}/download 获取。

type Options struct {
	IncidentID string
	OutDir     string // 报告输出目录
	Operator   string
	Note       string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "reportpdf-0.1.0"

// GenerateIncidentPDF 生成事件 PDF 报告，并在 reports 表中登记为 report_type=incident_pdf。
func GenerateIncidentPDF(ctx context.Context, store *sqliteadapter.Store, opts Options) (*Result, error) {
	incidentID := strings.TrimSpace(opts.IncidentID)
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}
	outDir := strings.TrimSpace(opts.OutDir)
	if outDir == "" {
		return nil, fmt.Errorf("out_dir is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	inc, err := store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if inc == nil {
		return nil, fmt.Errorf("incident not found: %s", incidentID)
	}

	warnings := []string{}

	timeline, err := store.ListTimeline(ctx, incidentID)
	if err != nil {
		warnings = append(warnings, "list timeline failed: "+err.Error())
		timeline = []model.TimelineEvent{}
	}
	notes, err := store.ListNotes(ctx, incidentID)
	if err != nil {
		warnings = append(warnings, "list notes failed: "+err.Error())
		notes = []model.IncidentNote{}
	}
	evidence, err := store.ListEvidenceByIncident(ctx, incidentID)
	if err != nil {
		warnings = append(warnings, "list evidence failed: "+err.Error())
		evidence = []model.Evidence{}
	}
	audits, err := store.ListAuditsByEntity(ctx, incidentID, 5000)
	if err != nil {
		warnings = append(warnings, "list audits failed: "+err.Error())
		audits = []model.AuditLogEntry{}
	}

	// 为了避免 PDF 过大，这里只展示部分列表。
	const (
		maxTimeline = 300
		maxNotes    = 200
		maxEvidence = 100
	)
	timelineRows := model.SortTimelineForDisplay(timeline)
	if len(timelineRows) > maxTimeline {
		timelineRows = timelineRows[:maxTimeline]
	}
	noteRows := notes
	if len(noteRows) > maxNotes {
		noteRows = noteRows[:maxNotes]
	}
	evidenceRows := evidence
	if len(evidenceRows) > maxEvidence {
		evidenceRows = evidenceRows[:maxEvidence]
	}

	lastAuditHash := ""
	if len(audits) > 0 {
		lastAuditHash = audits[len(audits)-1].ChainHash
	}

	now := time.Now().Unix()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(outDir, fmt.Sprintf("%s_incident_%d.pdf", incidentID, now))

	pdf, utf8OK, err := buildPDF(*inc, timelineRows, noteRows, evidenceRows, operator, opts.Note, lastAuditHash, warnings, now)
	if err != nil {
		return nil, err
	}
	if !utf8OK {
		// 不支持 UTF-8 字体时，为了保证“不会失败”，会把非 ASCII 字符替换为 '?'。
		// 这里将该事实写入 warnings，避免用户误解为“报告内容丢失”。
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, incidentID, "incident_pdf", pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	// 审计留痕：export/incident_pdf
	_ = store.AppendAudit(ctx, model.AuditLogEntry{
		Actor:      operator,
		Action:     model.AuditExport,
		EntityType: "report",
		EntityID:   incidentID,
		DetailJSON: mustJSON(map[string]any{
			"report_id":      reportID,
			"report_type":    "incident_pdf",
			"pdf":            pdfPath,
			"pdf_sha256":     sum,
			"timeline_count": len(timeline),
			"note_count":     len(notes),
			"evidence_count": len(evidence),
			"note":           strings.TrimSpace(opts.Note),
			"warnings":       warnings,
		}),
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	inc model.Incident,
	timeline []model.TimelineEvent,
	notes []model.IncidentNote,
	evidence []model.Evidence,
	operator string,
	note string,
	lastAuditHash string,
	warnings []string,
	generatedAt int64,
) (*gofpdf.Fpdf, bool, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("CaseDesk - Incident Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	// 标题
	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "CaseDesk - Incident Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	// Overview
	sectionTitle(pdf, fontFamily, "1. Incident Overview")
	kv(pdf, fontFamily, utf8OK, "Incident ID", inc.ID)
	kv(pdf, fontFamily, utf8OK, "Title", inc.Title)
	kv(pdf, fontFamily, utf8OK, "Type", string(inc.Type))
	kv(pdf, fontFamily, utf8OK, "Status", string(inc.Status))
	kv(pdf, fontFamily, utf8OK, "Priority", string(inc.Priority))
	kv(pdf, fontFamily, utf8OK, "Reporter", inc.ReporterID)
	kv(pdf, fontFamily, utf8OK, "Assignee", inc.AssigneeID)
	kv(pdf, fontFamily, utf8OK, "Created At", fmtTime(inc.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Updated At", fmtTime(inc.UpdatedAt))
	if inc.ClosedAt > 0 {
		kv(pdf, fontFamily, utf8OK, "Closed At", fmtTime(inc.ClosedAt))
	}
	if len(inc.RegulatoryTags) > 0 {
		kv(pdf, fontFamily, utf8OK, "Regulatory Tags", strings.Join(inc.RegulatoryTags, ", "))
	}
	if strings.TrimSpace(inc.Description) != "" {
		kv(pdf, fontFamily, utf8OK, "Description", inc.Description)
	}
	if strings.TrimSpace(lastAuditHash) != "" {
		kv(pdf, fontFamily, utf8OK, "Audit Chain Last Hash", lastAuditHash)
	}
	pdf.Ln(2)

	// Impact & technical
	sectionTitle(pdf, fontFamily, "2. Impact Assessment")
	kv(pdf, fontFamily, utf8OK, "Confidentiality", fmt.Sprintf("%d/5", inc.Impact.Confidentiality))
	kv(pdf, fontFamily, utf8OK, "Integrity", fmt.Sprintf("%d/5", inc.Impact.Integrity))
	kv(pdf, fontFamily, utf8OK, "Availability", fmt.Sprintf("%d/5", inc.Impact.Availability))
	kv(pdf, fontFamily, utf8OK, "Business Impact", inc.Impact.BusinessImpact)
	kv(pdf, fontFamily, utf8OK, "Attack Vector", inc.Technical.AttackVector)
	kv(pdf, fontFamily, utf8OK, "Affected Systems", inc.Technical.AffectedSystems)
	kv(pdf, fontFamily, utf8OK, "Indicators", inc.Technical.IndicatorSummary)
	pdf.Ln(2)

	// Warnings（用于把“缺数据/回退行为”显式写到 PDF）
	localWarnings := append([]string{}, warnings...)
	if !utf8OK {
		localWarnings = append(localWarnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if len(localWarnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range localWarnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	// Timeline（已按发生时间重排）
	sectionTitle(pdf, fontFamily, "3. Timeline")
	if len(timeline) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, ev := range timeline {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s", fmtTime(ev.OccurredAt), safeText(ev.Summary, utf8OK)), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			if strings.TrimSpace(ev.Actor) != "" {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("actor: %s | recorded: %s", safeText(ev.Actor, utf8OK), fmtTime(ev.RecordedAt)), "", "L", false)
			}
			if strings.TrimSpace(ev.Detail) != "" {
				pdf.MultiCell(0, 4.5, safeText(ev.Detail, utf8OK), "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	// Evidence + custody chains
	sectionTitle(pdf, fontFamily, "4. Evidence & Chain of Custody")
	if len(evidence) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, ev := range evidence {
			pdf.SetFont(fontFamily, "B", 11)
			pdf.SetTextColor(20, 20, 20)
			pdf.CellFormat(0, 6, ev.ID, "", 1, "L", false, 0, "")
			pdf.SetFont(fontFamily, "", 10)
			pdf.SetTextColor(30, 30, 30)
			kv(pdf, fontFamily, utf8OK, "Filename", ev.Filename)
			kv(pdf, fontFamily, utf8OK, "File Type", ev.FileType)
			kv(pdf, fontFamily, utf8OK, "Size", fmt.Sprintf("%d bytes", ev.SizeBytes))
			kv(pdf, fontFamily, utf8OK, "SHA-256", ev.SHA256)
			kv(pdf, fontFamily, utf8OK, "MD5", ev.MD5)
			kv(pdf, fontFamily, utf8OK, "Collected By", firstNonEmpty(ev.CollectorName, ev.CollectorID))
			kv(pdf, fontFamily, utf8OK, "Collected At", fmtTime(ev.CollectedAt))
			kv(pdf, fontFamily, utf8OK, "Custodian", ev.CurrentCustodian)
			kv(pdf, fontFamily, utf8OK, "Analysis", string(ev.AnalysisStatus))
			kv(pdf, fontFamily, utf8OK, "Integrity", string(ev.Integrity))

			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			for _, t := range ev.CustodyChain {
				verified := "hash not verified"
				if t.HashVerified {
					verified = "hash verified"
				}
				line := fmt.Sprintf("  #%d %s -> %s | %s | %s | %s",
					t.Sequence,
					safeText(t.From, utf8OK),
					safeText(t.To, utf8OK),
					fmtTime(t.At),
					safeText(t.Reason, utf8OK),
					verified,
				)
				if strings.TrimSpace(t.Witness) != "" {
					line += fmt.Sprintf(" | witness: %s", safeText(t.Witness, utf8OK))
				}
				pdf.MultiCell(0, 4.5, line, "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	// Notes
	sectionTitle(pdf, fontFamily, "5. Investigation Notes")
	if len(notes) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	} else {
		for _, n := range notes {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("[%s] %s | %s",
				safeText(string(n.Category), utf8OK),
				safeText(firstNonEmpty(n.AuthorName, n.AuthorID), utf8OK),
				fmtTime(n.CreatedAt),
			), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, safeText(n.Body, utf8OK), "", "L", false)
			pdf.Ln(1)
		}
	}

	// 尾注
	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: This PDF is a case-management artifact. For full evidence files and hashes, use the Evidence ZIP export (manifest.json + hashes.sha256).", "", "L", false)

	return pdf, utf8OK, nil
}

// 审计 detail 序列化失败时退回 "{}"，审计记录本身不能因此丢失。
func mustJSON(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func safeText(s string, utf8OK bool) string {
	// gofpdf 的内置字体对 ASCII/Latin 表现最好；
	// 如果未成功加载 UTF-8 字体，则把非 ASCII 字符替换为 '?'，确保 PDF 一定能生成。
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// 规则：
// 1) 如果设置了环境变量 CASEDESK_PDF_FONT，优先使用该文件路径。
// 2) 否则按常见系统字体路径探测（macOS/Windows/Linux）。
// 3) 加载失败则回退到核心字体（Helvetica），并通过 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("CASEDESK_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleMyungjo.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/truetype/arphic/uming.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
