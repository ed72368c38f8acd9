package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"casedesk/internal/domain/model"
	"casedesk/internal/platform/hash"
	"casedesk/internal/platform/id"
)

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
// 链序以 rowid（插入顺序）为准：occurred_at 同一秒可能有多条记录，
// 用时间排序会让链序不确定。
//
// 公式必须与 auditverify.VerifyEntries 保持一致：
// chain_hash = sha256(prev, actor, action, entity_type, entity_id, occurred_at, detail_json)。
func (s *Store) AppendAudit(ctx context.Context, e model.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = id.New("aud")
	}
	if e.OccurredAt <= 0 {
		e.OccurredAt = time.Now().Unix()
	}
	detail := "{}"
	if len(e.DetailJSON) > 0 {
		detail = string(e.DetailJSON)
	}

	// prev 的读取和 INSERT 必须在同一事务里：审计写入来自多个
	// goroutine（recorder 刷新循环、导出任务），两次交错的追加若读到
	// 同一个 prev，链就断了。
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		ORDER BY rowid DESC
		LIMIT 1
	`).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	chain := hash.Text(
		prev,
		e.Actor,
		string(e.Action),
		e.EntityType,
		e.EntityID,
		fmt.Sprintf("%d", e.OccurredAt),
		detail,
	)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			entry_id, actor, action, entity_type, entity_id,
			detail_json, occurred_at, ip, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Actor, string(e.Action), e.EntityType, e.EntityID, detail, e.OccurredAt, nullIfEmpty(e.IP), nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit log: %w", err)
	}
	return nil
}

const auditColumns = `
	entry_id, actor, action, entity_type, entity_id,
	COALESCE(detail_json, '{}'), occurred_at, COALESCE(ip, ''),
	COALESCE(chain_prev_hash, ''), chain_hash
`

func scanAuditRows(rows *sql.Rows) ([]model.AuditLogEntry, error) {
	var out []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var action, detail string
		if err := rows.Scan(
			&e.ID,
			&e.Actor,
			&action,
			&e.EntityType,
			&e.EntityID,
			&detail,
			&e.OccurredAt,
			&e.IP,
			&e.ChainPrevHash,
			&e.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.Action = model.AuditAction(action)
		e.DetailJSON = []byte(detail)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLogEntry{}
	}
	return out, nil
}

// ListAudits 返回全量审计日志，按链序（rowid）升序。
// 审计链是全局单链，校验必须从头到尾按该顺序读。
func (s *Store) ListAudits(ctx context.Context, limit int) ([]model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 5000
	}
	if limit > 50000 {
		limit = 50000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		ORDER BY rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListAuditsByEntity 返回某实体的审计日志（仅展示用；链校验要走 ListAudits 全量）。
func (s *Store) ListAuditsByEntity(ctx context.Context, entityID string, limit int) ([]model.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE entity_id = ?
		ORDER BY rowid ASC
		LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs by entity: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// InsertNotification 落库一条站内通知。
func (s *Store) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.ID == "" {
		n.ID = id.New("ntf")
	}
	if n.CreatedAt <= 0 {
		n.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications(
			notification_id, recipient_id, subject, body, category, related_entity_id, created_at, read_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL)
	`, n.ID, n.RecipientID, n.Subject, nullIfEmpty(n.Body), n.Category, nullIfEmpty(n.RelatedEntityID), n.CreatedAt)
	if err != nil {
		return model.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotificationsForUser 返回用户通知，按创建时间倒序。
// unreadOnly 为 true 时只返回未读。
func (s *Store) ListNotificationsForUser(ctx context.Context, recipientID string, unreadOnly bool) ([]model.Notification, error) {
	query := `
		SELECT notification_id, recipient_id, subject, COALESCE(body, ''), category,
			COALESCE(related_entity_id, ''), created_at, COALESCE(read_at, 0)
		FROM notifications
		WHERE recipient_id = ?
	`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.Subject,
			&n.Body,
			&n.Category,
			&n.RelatedEntityID,
			&n.CreatedAt,
			&n.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	if out == nil {
		out = []model.Notification{}
	}
	return out, nil
}

// MarkNotificationRead 标记通知已读（幂等，重复标记不报错）。
// 只允许收件人本人标记：recipientID 不匹配时是 no-op。
func (s *Store) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = ? WHERE notification_id = ? AND recipient_id = ? AND read_at IS NULL
	`, time.Now().Unix(), notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// SaveReport 记录报告产物信息，供下载与导出流程追踪。
func (s *Store) SaveReport(ctx context.Context, incidentID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, incident_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, incidentID, reportType, filePath, sha256, now, generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询报告索引。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, incident_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)
	return scanReportInfo(row)
}

// ListReportsByIncident 返回事件全部报告索引，按生成时间倒序。
func (s *Store) ListReportsByIncident(ctx context.Context, incidentID string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, incident_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE incident_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query reports by incident: %w", err)
	}
	defer rows.Close()

	var out []model.ReportInfo
	for rows.Next() {
		var item model.ReportInfo
		if err := rows.Scan(
			&item.ReportID,
			&item.IncidentID,
			&item.ReportType,
			&item.FilePath,
			&item.SHA256,
			&item.GeneratedAt,
			&item.GeneratorVersion,
			&item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	if out == nil {
		out = []model.ReportInfo{}
	}
	return out, nil
}

func scanReportInfo(row *sql.Row) (*model.ReportInfo, error) {
	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.IncidentID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}
