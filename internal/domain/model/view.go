package model

import "sort"

// IncidentOverview 是事件聚合摘要（证据数/备注数/时间线长度/报告数）。
type IncidentOverview struct {
	Incident      Incident `json:"incident"`
	EvidenceCount int      `json:"evidence_count"`
	NoteCount     int      `json:"note_count"`
	TimelineCount int      `json:"timeline_count"`
	ReportCount   int      `json:"report_count"`
}

// IncidentView 是事件详情页的聚合视图。
type IncidentView struct {
	Incident Incident        `json:"incident"`
	Timeline []TimelineEvent `json:"timeline"`
	Notes    []IncidentNote  `json:"notes"`
	Evidence []Evidence      `json:"evidence"`
	Reports  []ReportInfo    `json:"reports"`
}

// SortTimelineForDisplay 按发生时间重排时间线（仅用于展示）。
// 落库顺序是插入顺序，补录的早期动作会晚于后续动作入库，
// 因此展示前必须重排；相同时间戳时按记录时间稳定排序。
func SortTimelineForDisplay(events []TimelineEvent) []TimelineEvent {
	out := make([]TimelineEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt != out[j].OccurredAt {
			return out[i].OccurredAt < out[j].OccurredAt
		}
		return out[i].RecordedAt < out[j].RecordedAt
	})
	return out
}
