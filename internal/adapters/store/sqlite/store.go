package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"casedesk/internal/domain/model"
	"casedesk/internal/platform/id"
	"casedesk/internal/services/caseid"
)

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// CreateUser 写入用户，user_id 为空时自动生成。
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = id.New("u")
	}
	if u.CreatedAt <= 0 {
		u.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(user_id, display_name, email, role, department, active, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.DisplayName, u.Email, u.Role, nullIfEmpty(u.Department), boolToInt(u.Active), u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUserByID 按用户 ID 查询；不存在时返回 (nil, nil)。
func (s *Store) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, email, role, COALESCE(department, ''), active, created_at
		FROM users
		WHERE user_id = ?
		LIMIT 1
	`, userID)
	return scanUser(row)
}

// GetUserByEmail 按邮箱查询用户。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, email, role, COALESCE(department, ''), active, created_at
		FROM users
		WHERE email = ?
		LIMIT 1
	`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var activeInt int
	if err := row.Scan(
		&u.ID,
		&u.DisplayName,
		&u.Email,
		&u.Role,
		&u.Department,
		&activeInt,
		&u.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Active = activeInt == 1
	return &u, nil
}

// ListUsers 返回全部用户，按显示名排序。
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, email, role, COALESCE(department, ''), active, created_at
		FROM users
		ORDER BY display_name, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		var activeInt int
		if err := rows.Scan(
			&u.ID,
			&u.DisplayName,
			&u.Email,
			&u.Role,
			&u.Department,
			&activeInt,
			&u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Active = activeInt == 1
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	if out == nil {
		out = []model.User{}
	}
	return out, nil
}

// CreateIncident 在事务内分配事件编号并写入。
// 编号通过“同年份已有编号取最大后缀 +1”得到；incidents 主键天然是唯一索引，
// 并发竞争到同一编号时 INSERT 会失败，这里重读重算再试一次。
func (s *Store) CreateIncident(ctx context.Context, inc model.Incident) (model.Incident, error) {
	now := time.Now().Unix()
	if inc.CreatedAt <= 0 {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = inc.CreatedAt
	if inc.Status == "" {
		inc.Status = model.StatusNew
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.createIncidentOnce(ctx, inc)
		if err == nil {
			return created, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			return model.Incident{}, err
		}
	}
	return model.Incident{}, fmt.Errorf("allocate incident id: %w", lastErr)
}

func (s *Store) createIncidentOnce(ctx context.Context, inc model.Incident) (model.Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Incident{}, fmt.Errorf("begin tx create incident: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	year := time.Unix(inc.CreatedAt, 0).UTC().Year()
	var existing []string
	existing, err = listIncidentIDsTx(ctx, tx, year)
	if err != nil {
		return model.Incident{}, err
	}
	inc.ID = caseid.NextIncidentID(existing, year)

	tags := "[]"
	if len(inc.RegulatoryTags) > 0 {
		raw, merr := json.Marshal(inc.RegulatoryTags)
		if merr == nil {
			tags = string(raw)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents(
			incident_id, title, description, incident_type, status, priority,
			reporter_id, assignee_id, created_at, updated_at, closed_at,
			impact_confidentiality, impact_integrity, impact_availability, business_impact,
			attack_vector, affected_systems, indicator_summary, regulatory_tags
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inc.ID,
		inc.Title,
		nullIfEmpty(inc.Description),
		string(inc.Type),
		string(inc.Status),
		string(inc.Priority),
		inc.ReporterID,
		nullIfEmpty(inc.AssigneeID),
		inc.CreatedAt,
		inc.UpdatedAt,
		inc.Impact.Confidentiality,
		inc.Impact.Integrity,
		inc.Impact.Availability,
		nullIfEmpty(inc.Impact.BusinessImpact),
		nullIfEmpty(inc.Technical.AttackVector),
		nullIfEmpty(inc.Technical.AffectedSystems),
		nullIfEmpty(inc.Technical.IndicatorSummary),
		tags,
	)
	if err != nil {
		return model.Incident{}, fmt.Errorf("insert incident: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return model.Incident{}, fmt.Errorf("commit create incident: %w", err)
	}
	return inc, nil
}

func listIncidentIDsTx(ctx context.Context, tx *sql.Tx, year int) ([]string, error) {
	prefix := fmt.Sprintf("INC-%d-%%", year)
	rows, err := tx.QueryContext(ctx, `
		SELECT incident_id FROM incidents WHERE incident_id LIKE ?
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query incident ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan incident id: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident ids: %w", err)
	}
	return out, nil
}

const incidentColumns = `
	incident_id, title, COALESCE(description, ''), incident_type, status, priority,
	reporter_id, COALESCE(assignee_id, ''), created_at, updated_at, COALESCE(closed_at, 0),
	impact_confidentiality, impact_integrity, impact_availability, COALESCE(business_impact, ''),
	COALESCE(attack_vector, ''), COALESCE(affected_systems, ''), COALESCE(indicator_summary, ''),
	COALESCE(regulatory_tags, '[]')
`

func scanIncident(scan func(dest ...any) error) (model.Incident, error) {
	var inc model.Incident
	var typ, status, priority, tags string
	if err := scan(
		&inc.ID,
		&inc.Title,
		&inc.Description,
		&typ,
		&status,
		&priority,
		&inc.ReporterID,
		&inc.AssigneeID,
		&inc.CreatedAt,
		&inc.UpdatedAt,
		&inc.ClosedAt,
		&inc.Impact.Confidentiality,
		&inc.Impact.Integrity,
		&inc.Impact.Availability,
		&inc.Impact.BusinessImpact,
		&inc.Technical.AttackVector,
		&inc.Technical.AffectedSystems,
		&inc.Technical.IndicatorSummary,
		&tags,
	); err != nil {
		return model.Incident{}, err
	}
	inc.Type = model.IncidentType(typ)
	inc.Status = model.IncidentStatus(status)
	inc.Priority = model.Priority(priority)
	inc.RegulatoryTags = []string{}
	if strings.TrimSpace(tags) != "" {
		_ = json.Unmarshal([]byte(tags), &inc.RegulatoryTags)
	}
	return inc, nil
}

// GetIncident 按事件编号查询；不存在时返回 (nil, nil)。
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE incident_id = ?
		LIMIT 1
	`, incidentID)

	inc, err := scanIncident(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query incident: %w", err)
	}
	return &inc, nil
}

// ListIncidents 返回事件列表，按更新时间倒序。
// reporterID 非空时只返回该用户提报的事件（reporter 角色只能看自己的）。
func (s *Store) ListIncidents(ctx context.Context, reporterID string, limit, offset int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var (
		rows *sql.Rows
		err  error
	)
	if reporterID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+incidentColumns+`
			FROM incidents
			ORDER BY updated_at DESC, incident_id DESC
			LIMIT ? OFFSET ?
		`, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+incidentColumns+`
			FROM incidents
			WHERE reporter_id = ?
			ORDER BY updated_at DESC, incident_id DESC
			LIMIT ? OFFSET ?
		`, reporterID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	if out == nil {
		out = []model.Incident{}
	}
	return out, nil
}

// UpdateIncident 覆盖写入可编辑字段，并维护 closed_at：
// 状态改为 closed 时盖上关闭时间，事件重新打开时清空。
func (s *Store) UpdateIncident(ctx context.Context, inc model.Incident) (model.Incident, error) {
	now := time.Now().Unix()
	inc.UpdatedAt = now

	switch {
	case inc.Status == model.StatusClosed && inc.ClosedAt <= 0:
		inc.ClosedAt = now
	case inc.Status != model.StatusClosed:
		inc.ClosedAt = 0
	}

	tags := "[]"
	if len(inc.RegulatoryTags) > 0 {
		raw, err := json.Marshal(inc.RegulatoryTags)
		if err == nil {
			tags = string(raw)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			title = ?,
			description = ?,
			incident_type = ?,
			status = ?,
			priority = ?,
			assignee_id = ?,
			updated_at = ?,
			closed_at = ?,
			impact_confidentiality = ?,
			impact_integrity = ?,
			impact_availability = ?,
			business_impact = ?,
			attack_vector = ?,
			affected_systems = ?,
			indicator_summary = ?,
			regulatory_tags = ?
		WHERE incident_id = ?
	`,
		inc.Title,
		nullIfEmpty(inc.Description),
		string(inc.Type),
		string(inc.Status),
		string(inc.Priority),
		nullIfEmpty(inc.AssigneeID),
		inc.UpdatedAt,
		nullIfZero(inc.ClosedAt),
		inc.Impact.Confidentiality,
		inc.Impact.Integrity,
		inc.Impact.Availability,
		nullIfEmpty(inc.Impact.BusinessImpact),
		nullIfEmpty(inc.Technical.AttackVector),
		nullIfEmpty(inc.Technical.AffectedSystems),
		nullIfEmpty(inc.Technical.IndicatorSummary),
		tags,
		inc.ID,
	)
	if err != nil {
		return model.Incident{}, fmt.Errorf("update incident: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return model.Incident{}, fmt.Errorf("update incident %s: %w", inc.ID, sql.ErrNoRows)
	}
	return inc, nil
}

// AssignIncident 单独更新负责人，assigneeID 为空表示取消指派。
func (s *Store) AssignIncident(ctx context.Context, incidentID, assigneeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET assignee_id = ?, updated_at = ? WHERE incident_id = ?
	`, nullIfEmpty(assigneeID), time.Now().Unix(), incidentID)
	if err != nil {
		return fmt.Errorf("assign incident: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("assign incident %s: %w", incidentID, sql.ErrNoRows)
	}
	return nil
}

// AddTimelineEvent 追加时间线条目。时间线只追加，不提供更新/删除。
func (s *Store) AddTimelineEvent(ctx context.Context, ev model.TimelineEvent) (model.TimelineEvent, error) {
	if ev.ID == "" {
		ev.ID = id.New("tl")
	}
	if ev.RecordedAt <= 0 {
		ev.RecordedAt = time.Now().Unix()
	}
	if ev.OccurredAt <= 0 {
		ev.OccurredAt = ev.RecordedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_timeline(entry_id, incident_id, occurred_at, recorded_at, actor, summary, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.IncidentID, ev.OccurredAt, ev.RecordedAt, nullIfEmpty(ev.Actor), ev.Summary, nullIfEmpty(ev.Detail))
	if err != nil {
		return model.TimelineEvent{}, fmt.Errorf("insert timeline event: %w", err)
	}
	return ev, nil
}

// ListTimeline 按插入顺序（rowid）返回时间线。
// 存储顺序就是记录顺序；按 occurred_at 的展示排序由展示层负责。
func (s *Store) ListTimeline(ctx context.Context, incidentID string) ([]model.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, incident_id, occurred_at, recorded_at, COALESCE(actor, ''), summary, COALESCE(detail, '')
		FROM incident_timeline
		WHERE incident_id = ?
		ORDER BY rowid ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []model.TimelineEvent
	for rows.Next() {
		var ev model.TimelineEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.IncidentID,
			&ev.OccurredAt,
			&ev.RecordedAt,
			&ev.Actor,
			&ev.Summary,
			&ev.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	if out == nil {
		out = []model.TimelineEvent{}
	}
	return out, nil
}

// AddNote 追加调查笔记。分类是否允许由上层按角色校验，这里只负责落库。
func (s *Store) AddNote(ctx context.Context, n model.IncidentNote) (model.IncidentNote, error) {
	if n.ID == "" {
		n.ID = id.New("note")
	}
	if n.CreatedAt <= 0 {
		n.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_notes(note_id, incident_id, author_id, category, body, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, n.ID, n.IncidentID, n.AuthorID, string(n.Category), n.Body, n.CreatedAt)
	if err != nil {
		return model.IncidentNote{}, fmt.Errorf("insert note: %w", err)
	}
	return n, nil
}

// ListNotes 返回事件笔记，按创建时间升序。
func (s *Store) ListNotes(ctx context.Context, incidentID string) ([]model.IncidentNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, incident_id, author_id, category, body, created_at
		FROM incident_notes
		WHERE incident_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []model.IncidentNote
	for rows.Next() {
		var n model.IncidentNote
		var category string
		if err := rows.Scan(
			&n.ID,
			&n.IncidentID,
			&n.AuthorID,
			&category,
			&n.Body,
			&n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.Category = model.NoteCategory(category)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	if out == nil {
		out = []model.IncidentNote{}
	}
	return out, nil
}

// GetIncidentOverview 返回事件聚合摘要（证据数/笔记数/时间线条数/报告数）。
func (s *Store) GetIncidentOverview(ctx context.Context, incidentID string) (*model.IncidentOverview, error) {
	inc, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, nil
	}

	var out model.IncidentOverview
	out.Incident = *inc
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM evidence e WHERE e.incident_id = ?),
			(SELECT COUNT(*) FROM incident_notes n WHERE n.incident_id = ?),
			(SELECT COUNT(*) FROM incident_timeline t WHERE t.incident_id = ?),
			(SELECT COUNT(*) FROM reports r WHERE r.incident_id = ?)
	`, incidentID, incidentID, incidentID, incidentID).Scan(
		&out.EvidenceCount,
		&out.NoteCount,
		&out.TimelineCount,
		&out.ReportCount,
	)
	if err != nil {
		return nil, fmt.Errorf("query incident overview: %w", err)
	}
	return &out, nil
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// 零值时间戳按 NULL 写入（例如未关闭事件的 closed_at）。
func nullIfZero(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
