package extract

import (
	"regexp"
)

var (
	uuidPattern    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)
	longHexPattern = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)
)

// LooksLikeToken 判断字符串是否像随机认证令牌。
//
// 命中任一形态即为 true：UUID、长度 >=20 的 base64url 形态字符串、
// 长度 >=32 的纯十六进制串。纯函数，无副作用。
func LooksLikeToken(s string) bool {
	if uuidPattern.MatchString(s) {
		return true
	}
	if base64Pattern.MatchString(s) {
		return true
	}
	if longHexPattern.MatchString(s) {
		return true
	}
	return false
}
