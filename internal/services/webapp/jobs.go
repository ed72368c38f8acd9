package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"casedesk/internal/platform/id"
	"casedesk/internal/services/evidenceexport"
	"casedesk/internal/services/reportpdf"
)

// 导出任务管理。
//
// PDF/ZIP 生成可能要读几百条记录外加拷贝证据文件，不适合同步在请求里做：
// POST exports 接口立即返回 job_id，前端轮询 /api/jobs/{id}（或订阅 SSE）
// 拿进度与结果。任务只存内存，重启即丢——产物本身已登记在 reports 表，
// job 记录只是执行过程的瞬时视图。

type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*exportJob
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*exportJob)}
}

type exportJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`   // export_pdf|export_zip
	Status     string `json:"status"` // running|success|failed
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	// Stage/Progress/Logs 是给前端“控制台”用的轻量字段。
	Stage    string       `json:"stage,omitempty"`
	Progress int          `json:"progress,omitempty"` // 0-100
	Logs     []jobLogLine `json:"logs,omitempty"`

	IncidentID string `json:"incident_id,omitempty"`
	ReportID   string `json:"report_id,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	SHA256     string `json:"sha256,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type jobLogLine struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

func (m *jobManager) put(job *exportJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

func (m *jobManager) getCopy(jobID string) (exportJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return exportJob{}, false
	}
	cpy := *j
	// 深拷贝 slice，避免解锁后后台 goroutine append 导致 data race。
	if len(cpy.Logs) > 0 {
		tmp := make([]jobLogLine, len(cpy.Logs))
		copy(tmp, cpy.Logs)
		cpy.Logs = tmp
	}
	if len(cpy.Warnings) > 0 {
		tmp := make([]string, len(cpy.Warnings))
		copy(tmp, cpy.Warnings)
		cpy.Warnings = tmp
	}
	return cpy, true
}

func (m *jobManager) listCopies() []exportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exportJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j == nil {
			continue
		}
		cpy := *j
		if len(cpy.Logs) > 0 {
			tmp := make([]jobLogLine, len(cpy.Logs))
			copy(tmp, cpy.Logs)
			cpy.Logs = tmp
		}
		out = append(out, cpy)
	}
	return out
}

// handleIncidentExports 启动一个导出后台任务（pdf 或 zip）。
func (s *Server) handleIncidentExports(w http.ResponseWriter, r *http.Request, incidentID string, parts []string) {
	if len(parts) < 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind := strings.TrimSpace(parts[0])
	if kind != "pdf" && kind != "zip" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	capKey := "canExportReport"
	if kind == "zip" {
		capKey = "canExportEvidence"
	}
	sess, ok := s.requireCap(w, r, capKey)
	if !ok {
		return
	}
	if _, ok := s.loadIncidentChecked(w, r, sess, incidentID); !ok {
		return
	}

	type exportRequest struct {
		Note string `json:"note,omitempty"`
	}
	var req exportRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	jobID := id.New("job")
	now := time.Now().Unix()
	job := &exportJob{
		JobID:      jobID,
		Kind:       "export_" + kind,
		Status:     "running",
		CreatedAt:  now,
		StartedAt:  now,
		Stage:      "starting",
		Progress:   1,
		IncidentID: incidentID,
		Logs: []jobLogLine{{
			Time:    now,
			Message: "job created",
		}},
	}
	s.jobs.put(job)

	// 先返回一份拷贝，避免后台 goroutine 修改同一对象导致数据竞争。
	resp := *job

	operator := sess.User.ID
	note := strings.TrimSpace(req.Note)

	go func() {
		ctx := context.Background()

		update := func(stage string, progress int, msg string) {
			s.jobs.mu.Lock()
			defer s.jobs.mu.Unlock()
			if stage != "" {
				job.Stage = stage
			}
			if progress >= 0 {
				job.Progress = progress
			}
			if strings.TrimSpace(msg) != "" {
				job.Logs = append(job.Logs, jobLogLine{
					Time:    time.Now().Unix(),
					Message: msg,
				})
			}
		}

		var reportID, filePath, sha string
		var warnings []string
		var err error

		switch kind {
		case "pdf":
			update("generate_pdf", 10, "pdf generation starting")
			var res *reportpdf.Result
			res, err = reportpdf.GenerateIncidentPDF(ctx, s.store, reportpdf.Options{
				IncidentID: incidentID,
				OutDir:     s.opts.ExportDir,
				Operator:   operator,
				Note:       note,
			})
			if res != nil {
				reportID, filePath, sha, warnings = res.ReportID, res.PDFPath, res.PDFSHA256, res.Warnings
			}
		case "zip":
			update("generate_zip", 10, "zip generation starting")
			var res *evidenceexport.ZipResult
			res, err = evidenceexport.GenerateEvidenceZip(ctx, s.store, evidenceexport.ZipOptions{
				IncidentID:   incidentID,
				EvidenceRoot: s.opts.EvidenceRoot,
				ExportDir:    s.opts.ExportDir,
				Operator:     operator,
				Note:         note,
			})
			if res != nil {
				reportID, filePath, sha, warnings = res.ReportID, res.ZipPath, res.ZipSHA256, res.Warnings
			}
		}

		s.jobs.mu.Lock()
		job.Stage = "finished"
		job.Progress = 100
		job.FinishedAt = time.Now().Unix()
		job.ReportID = reportID
		job.FilePath = filePath
		job.SHA256 = sha
		job.Warnings = warnings
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "job failed: " + err.Error()})
		} else {
			job.Status = "success"
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "job success"})
		}
		s.jobs.mu.Unlock()

		if err == nil {
			s.events.publish("report", reportID, "export_"+kind)
		}
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireSession(w, r); !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": s.jobs.listCopies(),
		})
		return
	}

	job, ok := s.jobs.getCopy(rest)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", rest))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
