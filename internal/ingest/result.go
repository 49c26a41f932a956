package ingest

// Outcome 单封邮件的处理结果。
type Outcome string

const (
	// OutcomeStored 提取到登录链接并成功入库
	OutcomeStored Outcome = "stored"
	// OutcomeSkippedNotLogin 不是登录/认证类邮件
	OutcomeSkippedNotLogin Outcome = "skipped_not_login"
	// OutcomeSkippedNoLink 是登录邮件但没有提取到链接
	OutcomeSkippedNoLink Outcome = "skipped_no_link"
	// OutcomeSkippedBadRecipient 收件地址缺失或不属于 catch-all 域名
	OutcomeSkippedBadRecipient Outcome = "skipped_bad_recipient"
	// OutcomeFailed 提取到链接但存储失败，邮件留在收件箱等待重试
	OutcomeFailed Outcome = "failed"
)

// CycleResult 一次采集周期的统计。
type CycleResult struct {
	Fetched int // 候选邮件总数
	Stored  int // 成功入库的链接数
	Skipped int // 跳过的邮件数
	Failed  int // 存储失败、留待重试的邮件数
}
