package main

import (
	"archive/zip"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"casedesk/internal/app"
	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"
	"casedesk/internal/services/auditverify"
)

// runVerify 是 verify 子命令路由：
// - verify export-zip：校验证据导出包 ZIP 内的 hashes.sha256 与 manifest 审计链
// - verify evidence：复核 evidence.storage_location 文件哈希（与入库 sha256 对比）
// - verify audits：全局审计链强校验
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}

	switch args[0] {
	case "export-zip":
		return runVerifyExportZip(ctx, args[1:])
	case "evidence":
		return runVerifyEvidence(ctx, args[1:])
	case "audits":
		return runVerifyAudits(ctx, args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  casedesk-cli verify export-zip --zip PATH_TO_ZIP")
	fmt.Println("  casedesk-cli verify evidence --incident-id INC_ID [--db data/casedesk.db] [--evidence-id EVD_ID]")
	fmt.Println("  casedesk-cli verify audits [--db data/casedesk.db] [--limit 50000]")
}

type zipVerifyItem struct {
	Path       string
	Expected   string
	Actual     string
	Status     string // ok|missing|mismatch|error
	ErrMessage string
}

func runVerifyExportZip(ctx context.Context, args []string) error {
	_ = ctx // 预留用于后续添加超时/取消。

	fs := flag.NewFlagSet("verify export-zip", flag.ContinueOnError)
	zipPath := fs.String("zip", "", "path to evidence export zip (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*zipPath) == "" {
		return fmt.Errorf("--zip is required")
	}

	total, okCount, failedCount, items, auditRes, err := verifyExportZip(*zipPath)
	if err != nil {
		return err
	}

	fmt.Println("export zip verify completed")
	fmt.Printf("zip=%s\n", *zipPath)
	fmt.Printf("files_total=%d ok=%d failed=%d\n", total, okCount, failedCount)

	if failedCount > 0 {
		for _, it := range items {
			if it.Status == "ok" {
				continue
			}
			if it.ErrMessage != "" {
				fmt.Printf("FAIL %s status=%s expected=%s actual=%s error=%s\n", it.Path, it.Status, it.Expected, it.Actual, it.ErrMessage)
			} else {
				fmt.Printf("FAIL %s status=%s expected=%s actual=%s\n", it.Path, it.Status, it.Expected, it.Actual)
			}
		}
		return fmt.Errorf("export zip verify failed: %d files mismatch/missing", failedCount)
	}

	if auditRes != nil {
		fmt.Printf("audit_chain_total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n",
			auditRes.Total, auditRes.Failed, auditRes.PrevHashFailed, auditRes.ChainHashFailed)
		if !auditRes.OK {
			for _, f := range auditRes.Failures {
				fmt.Printf("FAIL audit_chain index=%d entry_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
					f.Index, f.EntryID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
				)
			}
			return fmt.Errorf("export zip verify failed: audit chain mismatch")
		}
	}
	return nil
}

func verifyExportZip(path string) (total int, okCount int, failedCount int, items []zipVerifyItem, auditRes *auditverify.Result, err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	// 建立 zip 内文件索引：name -> *zip.File
	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashListFile, ok := files["hashes.sha256"]
	if !ok {
		return 0, 0, 0, nil, nil, fmt.Errorf("hashes.sha256 not found in zip")
	}
	rc, err := hashListFile.Open()
	if err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("open hashes.sha256: %w", err)
	}
	defer rc.Close()

	expected := make([]struct {
		SHA  string
		Path string
	}, 0, 256)

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// hashes.sha256 中允许包含注释行（以 "#" 开头）
		if strings.HasPrefix(line, "#") {
			continue
		}
		// sha256sum 格式：<sha256><two spaces><path>
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		sha := strings.TrimSpace(parts[0])
		p := strings.TrimSpace(strings.Join(parts[1:], " "))
		if sha == "" || p == "" {
			continue
		}
		// sha256 必须是 64 位 hex，异常行不当成校验项
		if len(sha) != 64 {
			continue
		}
		expected = append(expected, struct {
			SHA  string
			Path string
		}{SHA: sha, Path: p})
	}
	if err := sc.Err(); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("read hashes.sha256: %w", err)
	}

	items = make([]zipVerifyItem, 0, len(expected))
	for _, e := range expected {
		total++
		f, ok := files[e.Path]
		if !ok {
			failedCount++
			items = append(items, zipVerifyItem{
				Path:     e.Path,
				Expected: e.SHA,
				Status:   "missing",
			})
			continue
		}

		sum, err := sha256OfZipFile(f)
		if err != nil {
			failedCount++
			items = append(items, zipVerifyItem{
				Path:       e.Path,
				Expected:   e.SHA,
				Status:     "error",
				ErrMessage: err.Error(),
			})
			continue
		}

		if strings.EqualFold(strings.TrimSpace(sum), strings.TrimSpace(e.SHA)) {
			okCount++
			items = append(items, zipVerifyItem{
				Path:     e.Path,
				Expected: e.SHA,
				Actual:   sum,
				Status:   "ok",
			})
			continue
		}

		failedCount++
		items = append(items, zipVerifyItem{
			Path:     e.Path,
			Expected: e.SHA,
			Actual:   sum,
			Status:   "mismatch",
		})
	}

	// 额外强校验：manifest.json 内的审计链（best effort，不影响 hashes.sha256 的统计）。
	if mf, ok := files["manifest.json"]; ok {
		data, readErr := readZipFileAll(mf)
		if readErr == nil {
			var payload struct {
				Audits []model.AuditLogEntry `json:"audits"`
			}
			if err := json.Unmarshal(data, &payload); err == nil {
				r := auditverify.VerifyEntries(payload.Audits)
				auditRes = &r
			}
		}
	}

	return total, okCount, failedCount, items, auditRes, nil
}

func sha256OfZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readZipFileAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type evidenceVerifyItem struct {
	EvidenceID      string
	StorageLocation string
	ExpectedSHA256  string
	ActualSHA256    string
	ExpectedSize    int64
	ActualSize      int64
	Status          string // ok|missing|mismatch
	Error           string
}

func runVerifyEvidence(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify evidence", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	incidentID := fs.String("incident-id", "", "incident id (required)")
	evidenceID := fs.String("evidence-id", "", "verify a single evidence id (optional)")
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

	var targets []model.Evidence
	if strings.TrimSpace(*evidenceID) != "" {
		info, err := store.GetEvidence(ctx, strings.TrimSpace(*evidenceID))
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("evidence not found: %s", strings.TrimSpace(*evidenceID))
		}
		if info.IncidentID != strings.TrimSpace(*incidentID) {
			return fmt.Errorf("evidence %s not in incident %s", info.ID, strings.TrimSpace(*incidentID))
		}
		targets = append(targets, *info)
	} else {
		rows, err := store.ListEvidenceByIncident(ctx, strings.TrimSpace(*incidentID))
		if err != nil {
			return err
		}
		targets = rows
	}

	results := make([]evidenceVerifyItem, 0, len(targets))
	okCount := 0
	failCount := 0
	for _, t := range targets {
		item := evidenceVerifyItem{
			EvidenceID:      t.ID,
			StorageLocation: t.StorageLocation,
			ExpectedSHA256:  t.SHA256,
			ExpectedSize:    t.SizeBytes,
		}

		sum, size, err := hash.File(t.StorageLocation)
		if err != nil {
			// 常见：文件被删除/移动；权限不足
			item.Status = "missing"
			item.Error = err.Error()
			failCount++
			results = append(results, item)
			continue
		}
		item.ActualSHA256 = sum
		item.ActualSize = size

		if !strings.EqualFold(strings.TrimSpace(sum), strings.TrimSpace(t.SHA256)) || size != t.SizeBytes {
			item.Status = "mismatch"
			failCount++
			results = append(results, item)
			continue
		}

		item.Status = "ok"
		okCount++
		results = append(results, item)
	}

	fmt.Println("evidence sha256 verify completed")
	fmt.Printf("incident_id=%s total=%d ok=%d failed=%d\n", strings.TrimSpace(*incidentID), len(results), okCount, failCount)
	for _, r := range results {
		if r.Status == "ok" {
			continue
		}
		if r.Error != "" {
			fmt.Printf("FAIL evidence_id=%s status=%s expected=%s actual=%s path=%s error=%s\n", r.EvidenceID, r.Status, r.ExpectedSHA256, r.ActualSHA256, r.StorageLocation, r.Error)
		} else {
			fmt.Printf("FAIL evidence_id=%s status=%s expected=%s actual=%s path=%s\n", r.EvidenceID, r.Status, r.ExpectedSHA256, r.ActualSHA256, r.StorageLocation)
		}
	}

	if failCount > 0 {
		return fmt.Errorf("evidence sha256 verify failed: %d items mismatch/missing", failCount)
	}
	return nil
}

func runVerifyAudits(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("verify audits", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	limit := fs.Int("limit", 50000, "max audit logs to verify")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, store, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := store.ListAudits(ctx, *limit)
	if err != nil {
		return err
	}

	res := auditverify.VerifyEntries(entries)
	fmt.Println("audit chain verify completed")
	fmt.Printf("total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n",
		res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed)
	if res.LastChainHash != "" {
		fmt.Printf("last_chain_hash=%s\n", res.LastChainHash)
	}
	if !res.OK {
		for _, f := range res.Failures {
			fmt.Printf("FAIL index=%d entry_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
				f.Index, f.EntryID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
			)
		}
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}
