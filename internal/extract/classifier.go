package extract

import (
	"regexp"
	"strings"
)

// loginSubjectPatterns 标题中出现即认定为登录邮件的模式
var loginSubjectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sign\s*in`),
	regexp.MustCompile(`(?i)log\s*in`),
	regexp.MustCompile(`(?i)login`),
	regexp.MustCompile(`(?i)verify`),
	regexp.MustCompile(`(?i)verification`),
	regexp.MustCompile(`(?i)magic\s*link`),
	regexp.MustCompile(`(?i)secure\s*link`),
	regexp.MustCompile(`(?i)confirm`),
	regexp.MustCompile(`(?i)confirmation`),
	regexp.MustCompile(`(?i)one[- ]?time`),
	regexp.MustCompile(`(?i)access\s*link`),
	regexp.MustCompile(`(?i)authentication`),
	regexp.MustCompile(`(?i)security\s*code`),
}

// authSenderPatterns 发件人 local-part 中出现即认定为认证类邮件的模式
var authSenderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)auth`),
	regexp.MustCompile(`(?i)login`),
	regexp.MustCompile(`(?i)account`),
	regexp.MustCompile(`(?i)mail`),
	regexp.MustCompile(`(?i)noreply`),
	regexp.MustCompile(`(?i)no-reply`),
	regexp.MustCompile(`(?i)notify`),
	regexp.MustCompile(`(?i)notification`),
}

// IsLoginEmail 根据标题与发件地址判断是否为登录/认证邮件。
//
// 这是一个偏召回的过滤器：误判为登录邮件的消息会在提取阶段
// 因找不到链接而被丢弃，漏判则意味着静默丢失，所以模式集保持宽泛。
func IsLoginEmail(subject, fromAddress string) bool {
	for _, pattern := range loginSubjectPatterns {
		if pattern.MatchString(subject) {
			return true
		}
	}

	senderLocalPart := fromAddress
	if i := strings.IndexByte(fromAddress, '@'); i >= 0 {
		senderLocalPart = fromAddress[:i]
	}
	for _, pattern := range authSenderPatterns {
		if pattern.MatchString(senderLocalPart) {
			return true
		}
	}

	return false
}
