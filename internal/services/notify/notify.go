package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"casedesk/internal/domain/model"

	"github.com/google/uuid"
)

// 通知生成与接收人解析。
//
// 实际投递通道（邮件/IM）不在系统范围内：Dispatcher 只负责把通知
// 交给外部通道或落库，投递失败按 best-effort 处理，不回滚主操作。

// Dispatcher 是通知的外部投递口（默认实现落 notifications 表）。
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// Service 在事件变更时决定“通知谁、通知什么”。
type Service struct {
	dispatcher Dispatcher
}

func NewService(d Dispatcher) *Service {
	return &Service{dispatcher: d}
}

// Recipients 解析事件的通知接收人：上报人 + 处置负责人，按用户 ID 去重。
// 返回顺序稳定（上报人在前）。
func Recipients(inc model.Incident) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, id := range []string{inc.ReporterID, inc.AssigneeID} {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// OnAssigned 在事件被指派时生成通知。
func (s *Service) OnAssigned(ctx context.Context, inc model.Incident, assigneeName string) {
	subject := fmt.Sprintf("[%s] assigned to %s", inc.ID, assigneeName)
	body := fmt.Sprintf("Incident %s (%s) has been assigned to %s.", inc.ID, inc.Title, assigneeName)
	s.fanOut(ctx, inc, "assignment", subject, body)
}

// OnStatusChanged 在事件状态变更时生成通知。
func (s *Service) OnStatusChanged(ctx context.Context, inc model.Incident, from, to model.IncidentStatus) {
	subject := fmt.Sprintf("[%s] status: %s -> %s", inc.ID, from, to)
	body := fmt.Sprintf("Incident %s (%s) changed status from %s to %s.", inc.ID, inc.Title, from, to)
	s.fanOut(ctx, inc, "status_change", subject, body)
}

// OnCustodyTransferred 在证据保管交接时通知事件相关人。
func (s *Service) OnCustodyTransferred(ctx context.Context, inc model.Incident, evidenceID, to string) {
	subject := fmt.Sprintf("[%s] custody transfer: %s", inc.ID, evidenceID)
	body := fmt.Sprintf("Evidence %s is now held by %s.", evidenceID, to)
	s.fanOut(ctx, inc, "custody", subject, body)
}

func (s *Service) fanOut(ctx context.Context, inc model.Incident, category, subject, body string) {
	if s == nil || s.dispatcher == nil {
		return
	}
	now := time.Now().Unix()
	for _, rcpt := range Recipients(inc) {
		n := model.Notification{
			ID:              "ntf_" + uuid.NewString(),
			RecipientID:     rcpt,
			Subject:         subject,
			Body:            body,
			Category:        category,
			RelatedEntityID: inc.ID,
			CreatedAt:       now,
		}
		// 投递失败只打日志：通知是辅助信息，不能拖垮主操作。
		if err := s.dispatcher.Dispatch(ctx, n); err != nil {
			log.Printf("notify: dispatch to %s failed: %v", rcpt, err)
		}
	}
}
