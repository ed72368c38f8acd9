package evidencemeta

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"
)

// 上传证据的元数据嗅探（当前只识别 Apple plist）。
//
// 取证场景里经常上传 iOS/macOS 产物（Info.plist、配置描述文件、备份清单等）。
// 入库时顺手解析顶层结构写进证据详情，调查员不用下载回本地就能看到
// 这是哪类 plist、有哪些键。解析失败不是错误：不认识的文件按普通二进制登记。

// Meta 是一次嗅探的结果。
type Meta struct {
	Format  string   `json:"format"` // plist_xml|plist_binary
	Keys    []string `json:"keys,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// Sniff 判断证据文件是否为 plist 并提取顶层元数据。
// 返回 (nil, false) 表示不是可识别的 plist，调用方按普通文件处理。
func Sniff(filename string, data []byte) (*Meta, bool) {
	if len(data) == 0 {
		return nil, false
	}

	isBinary := bytes.HasPrefix(data, []byte("bplist00"))
	looksXML := bytes.Contains(data[:min(len(data), 512)], []byte("<!DOCTYPE plist")) ||
		bytes.Contains(data[:min(len(data), 512)], []byte("<plist"))
	ext := strings.ToLower(filepath.Ext(filename))

	if !isBinary && !looksXML && ext != ".plist" && ext != ".mobileconfig" {
		return nil, false
	}

	// howett.net/plist 对 XML 与二进制 plist 都支持，统一走 Unmarshal。
	var top map[string]any
	if _, err := plist.Unmarshal(data, &top); err != nil {
		// 扩展名像 plist 但内容解析不了：不报错，按普通文件登记。
		return nil, false
	}

	format := "plist_xml"
	if isBinary {
		format = "plist_binary"
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &Meta{
		Format:  format,
		Keys:    keys,
		Summary: summarize(top, keys),
	}, true
}

// summarize 挑几个常见标识键拼一行摘要（best effort）。
func summarize(top map[string]any, keys []string) string {
	picks := []string{}
	for _, k := range []string{"CFBundleIdentifier", "CFBundleShortVersionString", "PayloadType", "PayloadDisplayName", "ProductVersion", "Device Name"} {
		if v, ok := top[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				picks = append(picks, fmt.Sprintf("%s=%s", k, strings.TrimSpace(s)))
			}
		}
	}
	if len(picks) == 0 {
		return fmt.Sprintf("plist with %d top-level keys", len(keys))
	}
	return strings.Join(picks, ", ")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
