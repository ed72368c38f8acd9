package custody

import (
	"fmt"
	"strings"

	"casedesk/internal/domain/model"
)

// FailureItem 表示保管链校验失败的明细项（用于 UI/CLI 展示）。
type FailureItem struct {
	Index    int    `json:"index"`
	Sequence int    `json:"sequence"`
	Message  string `json:"message"`
}

// VerifyResult 是一条证据的保管链强校验结果。
type VerifyResult struct {
	OK         bool          `json:"ok"`
	EvidenceID string        `json:"evidence_id"`
	Total      int           `json:"total"`
	Failures   []FailureItem `json:"failures,omitempty"`
}

// VerifyChain 对证据保管链做强校验：
// 1) 链非空，首条 sequence == 1
// 2) sequence 连续、严格递增（chain[i].sequence == i+1）
// 3) 相邻记录 from/to 衔接（后一条的 from == 前一条的 to）
// 4) current_custodian == 链尾的 to
// 5) 每条记录 reason/to 非空
func VerifyChain(ev model.Evidence) VerifyResult {
	res := VerifyResult{OK: true, EvidenceID: ev.ID, Total: len(ev.CustodyChain), Failures: []FailureItem{}}

	fail := func(i, seq int, format string, args ...any) {
		res.OK = false
		res.Failures = append(res.Failures, FailureItem{
			Index:    i,
			Sequence: seq,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if len(ev.CustodyChain) == 0 {
		fail(-1, 0, "custody chain is empty")
		return res
	}

	for i, e := range ev.CustodyChain {
		if e.Sequence != i+1 {
			fail(i, e.Sequence, "sequence %d at index %d, want %d", e.Sequence, i, i+1)
		}
		if strings.TrimSpace(e.To) == "" {
			fail(i, e.Sequence, "missing transfer target")
		}
		if strings.TrimSpace(e.Reason) == "" {
			fail(i, e.Sequence, "missing transfer reason")
		}
		if i > 0 {
			prev := ev.CustodyChain[i-1]
			if e.From != prev.To {
				fail(i, e.Sequence, "from %q does not chain to previous custodian %q", e.From, prev.To)
			}
		}
	}

	last := ev.CustodyChain[len(ev.CustodyChain)-1]
	if ev.CurrentCustodian != last.To {
		fail(len(ev.CustodyChain)-1, last.Sequence,
			"current_custodian %q != last transfer target %q", ev.CurrentCustodian, last.To)
	}

	return res
}
