package domain

import (
	"strings"
)

// DeriveSlug 根据收件地址的 local-part 推导服务 slug。
//
// 规则：转小写后，非 [a-z0-9-] 字符一律替换为 "-"。
// 同一 local-part 永远推导出同一 slug（确定性映射）。
func DeriveSlug(localPart string) string {
	lower := strings.ToLower(localPart)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// LocalPart 返回邮箱地址 @ 之前的部分，没有 @ 时返回原串。
func LocalPart(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}
