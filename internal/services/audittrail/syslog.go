package audittrail

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"casedesk/internal/domain/model"

	"github.com/crewjam/rfc5424"
)

// 审计记录的 RFC 5424 导出。
// 合规侧（SIEM 接入）要求审计留痕能按标准 syslog 行交付，
// 这里把 audit_logs 渲染为 RFC 5424 报文流，每条一行。

const syslogApp = "casedesk"

// ExportSyslog 将审计记录渲染为 RFC 5424 文本（按输入顺序，每条一行）。
func ExportSyslog(entries []model.AuditLogEntry) ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	pid := strconv.Itoa(os.Getpid())

	var buf bytes.Buffer
	for _, e := range entries {
		msg := rfc5424.Message{
			Priority:  rfc5424.User | rfc5424.Notice,
			Timestamp: time.Unix(e.OccurredAt, 0).UTC(),
			Hostname:  hostname,
			AppName:   syslogApp,
			ProcessID: pid,
			MessageID: e.ID,
			Message:   e.DetailJSON,
		}
		msg.AddDatum("audit@1", "actor", e.Actor)
		msg.AddDatum("audit@1", "action", string(e.Action))
		msg.AddDatum("audit@1", "entity_type", e.EntityType)
		msg.AddDatum("audit@1", "entity_id", e.EntityID)
		if e.ChainHash != "" {
			msg.AddDatum("audit@1", "chain_hash", e.ChainHash)
		}
		if e.IP != "" {
			msg.AddDatum("audit@1", "ip", e.IP)
		}

		if _, err := msg.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("render audit entry %s: %w", e.ID, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
