package evidenceexport

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"

	_ "modernc.org/sqlite"
)

func TestGenerateEvidenceZip_ManifestAndHashes(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "casedesk.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	inc, err := store.CreateIncident(ctx, model.Incident{
		Title:      "Data exfil via webmail",
		Type:       model.IncidentDataBreach,
		Priority:   model.PriorityHigh,
		ReporterID: "u_reporter",
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}

	// 证据原文件落在 evidence root 下，ZIP 内路径应保持相对结构。
	evidenceRoot := filepath.Join(tmp, "evidence")
	if err := os.MkdirAll(filepath.Join(evidenceRoot, inc.ID), 0o755); err != nil {
		t.Fatalf("mkdir evidence: %v", err)
	}
	srcFile := filepath.Join(evidenceRoot, inc.ID, "mailbox.pst")
	content := []byte("exported mailbox bytes")
	if err := os.WriteFile(srcFile, content, 0o644); err != nil {
		t.Fatalf("write evidence file: %v", err)
	}
	sha, md := hash.Bytes(content)

	_, err = store.CreateEvidence(ctx, model.Evidence{
		IncidentID:      inc.ID,
		Filename:        "mailbox.pst",
		SizeBytes:       int64(len(content)),
		MD5:             md,
		SHA256:          sha,
		CollectorID:     "u_mike",
		StorageLocation: srcFile,
	}, "")
	if err != nil {
		t.Fatalf("create evidence: %v", err)
	}

	_ = store.AppendAudit(ctx, model.AuditLogEntry{
		Actor: "u_mike", Action: model.AuditEvidenceUpload, EntityType: "evidence", EntityID: inc.ID,
	})

	res, err := GenerateEvidenceZip(ctx, store, ZipOptions{
		IncidentID:   inc.ID,
		EvidenceRoot: evidenceRoot,
		ExportDir:    filepath.Join(tmp, "exports"),
		Operator:     "tester",
	})
	if err != nil {
		t.Fatalf("GenerateEvidenceZip: %v", err)
	}
	if res.ZipSHA256 == "" || res.ReportID == "" {
		t.Fatalf("result incomplete: %+v", res)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}

	zr, err := zip.OpenReader(res.ZipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	found := map[string]bool{}
	var manifestRaw []byte
	var hashListRaw []byte
	for _, zf := range zr.File {
		found[zf.Name] = true
		switch zf.Name {
		case "manifest.json", "hashes.sha256":
			rc, err := zf.Open()
			if err != nil {
				t.Fatalf("open %s: %v", zf.Name, err)
			}
			raw, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("read %s: %v", zf.Name, err)
			}
			if zf.Name == "manifest.json" {
				manifestRaw = raw
			} else {
				hashListRaw = raw
			}
		}
	}

	wantEvidencePath := "evidence/" + inc.ID + "/mailbox.pst"
	for _, name := range []string{"manifest.json", "hashes.sha256", "audit.syslog", wantEvidencePath} {
		if !found[name] {
			t.Fatalf("zip missing %s (have %v)", name, found)
		}
	}

	var manifest ZipManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if manifest.Schema != manifestSchemaV1 {
		t.Fatalf("manifest schema = %q", manifest.Schema)
	}
	if manifest.Incident == nil || manifest.Incident.ID != inc.ID {
		t.Fatalf("manifest incident = %+v", manifest.Incident)
	}
	if len(manifest.Evidence) != 1 || manifest.Evidence[0].ZipPath != wantEvidencePath {
		t.Fatalf("manifest evidence = %+v", manifest.Evidence)
	}
	if len(manifest.Audits) == 0 {
		t.Fatalf("manifest audits empty")
	}

	// hashes.sha256 必须包含证据文件的原始内容 hash。
	if !strings.Contains(string(hashListRaw), sha+"  "+wantEvidencePath) {
		t.Fatalf("hash list missing evidence entry:\n%s", hashListRaw)
	}

	info, err := store.GetReportByID(ctx, res.ReportID)
	if err != nil || info == nil {
		t.Fatalf("report not registered: %v %v", info, err)
	}
	if info.ReportType != "evidence_zip" || info.SHA256 != res.ZipSHA256 {
		t.Fatalf("report row mismatch: %+v", info)
	}
}
