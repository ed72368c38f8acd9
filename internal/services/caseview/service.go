package caseview

import (
	"context"
	"fmt"

	sqliteadapter "casedesk/internal/adapters/store/sqlite"
	"casedesk/internal/domain/model"
)

// GetIncidentView 组装事件详情页聚合视图：
// 事件本体 + 按发生时间重排后的时间线 + 笔记（补作者显示名）+ 证据（含保管链）+ 报告索引。
func GetIncidentView(ctx context.Context, store *sqliteadapter.Store, incidentID string) (*model.IncidentView, error) {
	inc, err := store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident not found: %s", incidentID)
	}

	timeline, err := store.ListTimeline(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	notes, err := store.ListNotes(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := fillAuthorNames(ctx, store, notes); err != nil {
		return nil, err
	}

	evidence, err := store.ListEvidenceByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	reports, err := store.ListReportsByIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	return &model.IncidentView{
		Incident: *inc,
		Timeline: model.SortTimelineForDisplay(timeline),
		Notes:    notes,
		Evidence: evidence,
		Reports:  reports,
	}, nil
}

// GetIncidentOverview 返回概览卡片所需的聚合摘要。
func GetIncidentOverview(ctx context.Context, store *sqliteadapter.Store, incidentID string) (*model.IncidentOverview, error) {
	overview, err := store.GetIncidentOverview(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		return nil, fmt.Errorf("incident not found: %s", incidentID)
	}
	return overview, nil
}

// 笔记落库只存 author_id，展示时按用户表补显示名；用户已被删除时保留原 ID。
func fillAuthorNames(ctx context.Context, store *sqliteadapter.Store, notes []model.IncidentNote) error {
	if len(notes) == 0 {
		return nil
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}

	for i := range notes {
		if name, ok := names[notes[i].AuthorID]; ok {
			notes[i].AuthorName = name
		} else {
			notes[i].AuthorName = notes[i].AuthorID
		}
	}
	return nil
}
