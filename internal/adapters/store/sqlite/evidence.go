package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"casedesk/internal/domain/model"
	"casedesk/internal/services/caseid"
	"casedesk/internal/services/custody"
)

// CreateEvidence 在事务内分配证据编号、写入证据行和初始保管记录。
// 编号分配与 CreateIncident 同一套路：取同事件下最大后缀 +1，
// 撞主键时重读重算再试一次。
//
// collectionSource 是初始保管记录的交出方，为空时按 custody 包的约定取 "System"。
func (s *Store) CreateEvidence(ctx context.Context, ev model.Evidence, collectionSource string) (model.Evidence, error) {
	if ev.CollectedAt <= 0 {
		ev.CollectedAt = time.Now().Unix()
	}
	if ev.AnalysisStatus == "" {
		ev.AnalysisStatus = model.AnalysisPending
	}
	if ev.Integrity == "" {
		ev.Integrity = model.IntegrityUnknown
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.createEvidenceOnce(ctx, ev, collectionSource)
		if err == nil {
			return created, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			return model.Evidence{}, err
		}
	}
	return model.Evidence{}, fmt.Errorf("allocate evidence id: %w", lastErr)
}

func (s *Store) createEvidenceOnce(ctx context.Context, ev model.Evidence, collectionSource string) (model.Evidence, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("begin tx create evidence: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing []string
	existing, err = listEvidenceIDsTx(ctx, tx, ev.IncidentID)
	if err != nil {
		return model.Evidence{}, err
	}
	ev.ID = caseid.NextEvidenceID(existing, ev.IncidentID)

	custodian := ev.CollectorName
	if custodian == "" {
		custodian = ev.CollectorID
	}
	seed := custody.SeedChain(collectionSource, custodian, ev.CollectedAt)
	ev.CurrentCustodian = seed.To
	ev.CustodyChain = []model.CustodyTransfer{seed}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, incident_id, filename, file_type, size_bytes, md5, sha256,
			collector_id, collector_name, collected_at, current_custodian,
			storage_location, analysis_status, integrity_status, description
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.IncidentID,
		ev.Filename,
		nullIfEmpty(ev.FileType),
		ev.SizeBytes,
		nullIfEmpty(ev.MD5),
		ev.SHA256,
		ev.CollectorID,
		nullIfEmpty(ev.CollectorName),
		ev.CollectedAt,
		ev.CurrentCustodian,
		nullIfEmpty(ev.StorageLocation),
		string(ev.AnalysisStatus),
		string(ev.Integrity),
		nullIfEmpty(ev.Description),
	)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("insert evidence: %w", err)
	}

	if err = insertCustodyTransferTx(ctx, tx, ev.ID, seed); err != nil {
		return model.Evidence{}, err
	}

	if err = tx.Commit(); err != nil {
		return model.Evidence{}, fmt.Errorf("commit create evidence: %w", err)
	}
	return ev, nil
}

func listEvidenceIDsTx(ctx context.Context, tx *sql.Tx, incidentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT evidence_id FROM evidence WHERE incident_id = ?
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query evidence ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan evidence id: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence ids: %w", err)
	}
	return out, nil
}

func insertCustodyTransferTx(ctx context.Context, tx *sql.Tx, evidenceID string, t model.CustodyTransfer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_transfers(evidence_id, seq, from_party, to_party, occurred_at, reason, hash_verified, witness)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, evidenceID, t.Sequence, t.From, t.To, t.At, t.Reason, boolToInt(t.HashVerified), nullIfEmpty(t.Witness))
	if err != nil {
		return fmt.Errorf("insert custody transfer (%s,%d): %w", evidenceID, t.Sequence, err)
	}
	return nil
}

const evidenceColumns = `
	evidence_id, incident_id, filename, COALESCE(file_type, ''), size_bytes,
	COALESCE(md5, ''), sha256, collector_id, COALESCE(collector_name, ''), collected_at,
	current_custodian, COALESCE(storage_location, ''), analysis_status, integrity_status,
	COALESCE(description, '')
`

func scanEvidence(scan func(dest ...any) error) (model.Evidence, error) {
	var ev model.Evidence
	var analysis, integrity string
	if err := scan(
		&ev.ID,
		&ev.IncidentID,
		&ev.Filename,
		&ev.FileType,
		&ev.SizeBytes,
		&ev.MD5,
		&ev.SHA256,
		&ev.CollectorID,
		&ev.CollectorName,
		&ev.CollectedAt,
		&ev.CurrentCustodian,
		&ev.StorageLocation,
		&analysis,
		&integrity,
		&ev.Description,
	); err != nil {
		return model.Evidence{}, err
	}
	ev.AnalysisStatus = model.AnalysisStatus(analysis)
	ev.Integrity = model.IntegrityStatus(integrity)
	return ev, nil
}

// GetEvidence 按证据编号查询，附带完整保管链；不存在时返回 (nil, nil)。
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*model.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE evidence_id = ?
		LIMIT 1
	`, evidenceID)

	ev, err := scanEvidence(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query evidence: %w", err)
	}

	chain, err := s.listCustodyChain(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	ev.CustodyChain = chain
	return &ev, nil
}

// ListEvidenceByIncident 返回事件下全部证据（含保管链）。
//
// 重要：连接池设置成单连接（SetMaxOpenConns(1)）后，不能在 rows.Next()
// 循环里再发保管链子查询——会等第二条连接而死锁。
// 所以先把证据行读完、关掉 rows，再逐条补保管链。
func (s *Store) ListEvidenceByIncident(ctx context.Context, incidentID string) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE incident_id = ?
		ORDER BY evidence_id ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query evidence by incident: %w", err)
	}

	var out []model.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	rows.Close()

	for i := range out {
		chain, err := s.listCustodyChain(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].CustodyChain = chain
	}
	if out == nil {
		out = []model.Evidence{}
	}
	return out, nil
}

func (s *Store) listCustodyChain(ctx context.Context, evidenceID string) ([]model.CustodyTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, from_party, to_party, occurred_at, reason, hash_verified, COALESCE(witness, '')
		FROM custody_transfers
		WHERE evidence_id = ?
		ORDER BY seq ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody chain: %w", err)
	}
	defer rows.Close()

	var out []model.CustodyTransfer
	for rows.Next() {
		var t model.CustodyTransfer
		var verifiedInt int
		if err := rows.Scan(
			&t.Sequence,
			&t.From,
			&t.To,
			&t.At,
			&t.Reason,
			&verifiedInt,
			&t.Witness,
		); err != nil {
			return nil, fmt.Errorf("scan custody transfer: %w", err)
		}
		t.HashVerified = verifiedInt == 1
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody chain: %w", err)
	}
	if out == nil {
		out = []model.CustodyTransfer{}
	}
	return out, nil
}

// AppendCustodyTransfer 在事务内执行一次保管交接：
// 读出证据与保管链，用 custody 包算出下一条记录，再落库并更新 current_custodian。
// (evidence_id, seq) 主键挡住并发写出的重复序号。
func (s *Store) AppendCustodyTransfer(ctx context.Context, evidenceID, from, to, reason, witness string, hashVerified bool) (*model.Evidence, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx custody transfer: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence
		WHERE evidence_id = ?
		LIMIT 1
	`, evidenceID)
	var ev model.Evidence
	ev, err = scanEvidence(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			err = fmt.Errorf("evidence %s: %w", evidenceID, sql.ErrNoRows)
		}
		return nil, err
	}

	chainRows, qerr := tx.QueryContext(ctx, `
		SELECT seq, from_party, to_party, occurred_at, reason, hash_verified, COALESCE(witness, '')
		FROM custody_transfers
		WHERE evidence_id = ?
		ORDER BY seq ASC
	`, evidenceID)
	if qerr != nil {
		err = fmt.Errorf("query custody chain: %w", qerr)
		return nil, err
	}
	for chainRows.Next() {
		var t model.CustodyTransfer
		var verifiedInt int
		if err = chainRows.Scan(&t.Sequence, &t.From, &t.To, &t.At, &t.Reason, &verifiedInt, &t.Witness); err != nil {
			chainRows.Close()
			err = fmt.Errorf("scan custody transfer: %w", err)
			return nil, err
		}
		t.HashVerified = verifiedInt == 1
		ev.CustodyChain = append(ev.CustodyChain, t)
	}
	if err = chainRows.Err(); err != nil {
		chainRows.Close()
		err = fmt.Errorf("iterate custody chain: %w", err)
		return nil, err
	}
	chainRows.Close()

	now := time.Now().Unix()
	var updated model.Evidence
	updated, err = custody.TransferCustody(ev, from, to, reason, witness, hashVerified, now)
	if err != nil {
		return nil, err
	}
	entry := updated.CustodyChain[len(updated.CustodyChain)-1]

	if err = insertCustodyTransferTx(ctx, tx, evidenceID, entry); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE evidence SET current_custodian = ? WHERE evidence_id = ?
	`, updated.CurrentCustodian, evidenceID); err != nil {
		err = fmt.Errorf("update current custodian: %w", err)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit custody transfer: %w", err)
	}
	return &updated, nil
}

// UpdateEvidenceMeta 更新证据的可编辑元数据（文件类型/描述/分析状态）。
// 哈希、采集信息和保管链不可改。
func (s *Store) UpdateEvidenceMeta(ctx context.Context, evidenceID, fileType, description string, status model.AnalysisStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET file_type = ?, description = ?, analysis_status = ? WHERE evidence_id = ?
	`, nullIfEmpty(fileType), nullIfEmpty(description), string(status), evidenceID)
	if err != nil {
		return fmt.Errorf("update evidence meta: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("update evidence %s: %w", evidenceID, sql.ErrNoRows)
	}
	return nil
}

// SetIntegrityStatus 记录完整性复核结论。
func (s *Store) SetIntegrityStatus(ctx context.Context, evidenceID string, status model.IntegrityStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET integrity_status = ? WHERE evidence_id = ?
	`, string(status), evidenceID)
	if err != nil {
		return fmt.Errorf("update integrity status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("update evidence %s: %w", evidenceID, sql.ErrNoRows)
	}
	return nil
}
