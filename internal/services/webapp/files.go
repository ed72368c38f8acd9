package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// serveFile 以附件形式下发证据/报告文件。
// downloadBase 用于把落盘的内部文件名换成稳定的下载名（保留扩展名）。
func serveFile(w http.ResponseWriter, r *http.Request, path string, downloadBase string) {
	if strings.TrimSpace(path) == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := filepath.Base(path)
	if downloadBase != "" {
		ext := filepath.Ext(name)
		name = downloadBase + ext
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
