package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New 生成带前缀的内部 ID（通知、导出任务、报告登记等用），
// 形如 prefix + 毫秒时间戳 + 随机后缀。
// 业务编号（INC-/EVD-）不走这里，它们由 caseid 按序号分配。
func New(prefix string) string {
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
