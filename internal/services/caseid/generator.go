package caseid

import (
	"fmt"
	"strconv"
	"strings"
)

// 事件/证据业务编号生成。
//
// 两个函数都是“扫描现有编号取最大后缀 + 1”的纯计算。
// 单写场景下可以保证唯一；并发写入时存在典型的读-改-写竞态，
// 因此 sqlite store 在插入事务内重新计算，并依赖业务编号上的
// UNIQUE 索引 + 一次重试兜底（见 store.CreateIncident / CreateEvidence）。

const (
	incidentPrefix = "INC"
	evidencePrefix = "EVD"
)

// NextIncidentID 生成下一个事件编号：INC-<year>-NNN（3 位零填充）。
// 只统计同年份前缀的编号；后缀不是纯数字的脏编号直接忽略，不中断计算。
func NextIncidentID(existing []string, year int) string {
	prefix := fmt.Sprintf("%s-%d-", incidentPrefix, year)
	next := maxSuffix(existing, prefix) + 1
	return fmt.Sprintf("%s%03d", prefix, next)
}

// NextEvidenceID 生成下一个证据编号：EVD-<incident-suffix>-NN（2 位零填充）。
// incident-suffix 是事件编号去掉 "INC-" 的部分，例如 INC-2024-001 -> 2024-001。
//
// 注意：这里用“最大后缀 + 1”而不是“数量 + 1”——
// 数量法在历史上出现过记录被移除后重复发号的问题。
func NextEvidenceID(existing []string, incidentID string) string {
	suffix := strings.TrimPrefix(strings.TrimSpace(incidentID), incidentPrefix+"-")
	prefix := fmt.Sprintf("%s-%s-", evidencePrefix, suffix)
	next := maxSuffix(existing, prefix) + 1
	return fmt.Sprintf("%s%02d", prefix, next)
}

// maxSuffix 扫描带指定前缀的编号，解析数字后缀并取最大值；没有匹配时返回 0。
func maxSuffix(existing []string, prefix string) int {
	max := 0
	for _, id := range existing {
		id = strings.TrimSpace(id)
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err != nil || n <= 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}
