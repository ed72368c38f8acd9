package custody

import (
	"errors"
	"fmt"
	"strings"

	"casedesk/internal/domain/model"
)

// 保管链（chain of custody）的纯计算逻辑。
//
// 这里不做任何持久化：每个操作接收当前状态、返回下一个状态，
// 落库与审计留痕由调用方负责（sqlite store 在事务内应用结果）。

// CollectionSource 是初始采集记录里约定的交出方。
const CollectionSource = "System"

var (
	// ErrEmptyChain 表示证据缺少初始采集记录，属于数据完整性错误。
	// 不做静默修复，直接报给调用方。
	ErrEmptyChain = errors.New("custody chain is empty")

	// ErrEmptyReason 表示交接原因缺失。
	ErrEmptyReason = errors.New("transfer reason is required")

	// ErrSameCustodian 表示接收方就是当前保管人。
	// 这种“零变更交接”会稀释保管链的证明力，在组件层直接拒绝。
	ErrSameCustodian = errors.New("transfer target equals current custodian")

	// ErrEmptyParty 表示接收方为空。
	ErrEmptyParty = errors.New("transfer target is required")
)

// SeedChain 构造证据创建时的初始保管记录：从采集来源交给采集人。
// source 为空时使用 CollectionSource。
func SeedChain(source, collector string, at int64) model.CustodyTransfer {
	if strings.TrimSpace(source) == "" {
		source = CollectionSource
	}
	return model.CustodyTransfer{
		Sequence:     1,
		From:         source,
		To:           collector,
		At:           at,
		Reason:       "initial collection",
		HashVerified: true,
	}
}

// TransferCustody 计算一次保管交接，返回更新后的证据副本：
// 链尾追加一条新记录（sequence = 链上最大值 + 1），current_custodian 更新为接收方。
// 输入证据不会被修改。
func TransferCustody(ev model.Evidence, from, to, reason, witness string, hashVerified bool, at int64) (model.Evidence, error) {
	if len(ev.CustodyChain) == 0 {
		return model.Evidence{}, fmt.Errorf("evidence %s: %w", ev.ID, ErrEmptyChain)
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return model.Evidence{}, ErrEmptyParty
	}
	if strings.TrimSpace(reason) == "" {
		return model.Evidence{}, ErrEmptyReason
	}

	current := ev.CurrentCustodian
	if current == "" {
		// current_custodian 字段缺失时以链尾为准（该等式本来就以链为权威来源）。
		current = ev.CustodyChain[len(ev.CustodyChain)-1].To
	}
	if to == current {
		return model.Evidence{}, fmt.Errorf("evidence %s: %w", ev.ID, ErrSameCustodian)
	}

	// from 允许省略，默认取当前保管人；显式传入时必须与当前保管人一致。
	from = strings.TrimSpace(from)
	if from == "" {
		from = current
	} else if from != current {
		return model.Evidence{}, fmt.Errorf("evidence %s: from %q does not match current custodian %q", ev.ID, from, current)
	}

	next := maxSequence(ev.CustodyChain) + 1
	entry := model.CustodyTransfer{
		Sequence:     next,
		From:         from,
		To:           to,
		At:           at,
		Reason:       strings.TrimSpace(reason),
		HashVerified: hashVerified,
		Witness:      strings.TrimSpace(witness),
	}

	out := ev
	out.CustodyChain = make([]model.CustodyTransfer, 0, len(ev.CustodyChain)+1)
	out.CustodyChain = append(out.CustodyChain, ev.CustodyChain...)
	out.CustodyChain = append(out.CustodyChain, entry)
	out.CurrentCustodian = to
	return out, nil
}

// 链连续时 max(sequence) == len(chain)，但这里仍然扫一遍：
// 校验失败的脏数据也要算出一个不冲突的下一个序号。
func maxSequence(chain []model.CustodyTransfer) int {
	m := 0
	for _, e := range chain {
		if e.Sequence > m {
			m = e.Sequence
		}
	}
	return m
}
