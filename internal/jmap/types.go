package jmap

import (
	"time"
)

// Session JMAP 会话协商结果，仅存活于进程内。
//
// 任意请求失败都会使缓存的会话作废，下次调用时重新协商。
type Session struct {
	APIURL         string
	AccountID      string
	EventSourceURL string
}

// Address 邮件地址
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// BodyPart 正文部件引用
type BodyPart struct {
	PartID string `json:"partId"`
	Type   string `json:"type,omitempty"`
}

// BodyValue 已解析的正文内容
type BodyValue struct {
	Value             string `json:"value"`
	IsTruncated       bool   `json:"isTruncated,omitempty"`
	IsEncodingProblem bool   `json:"isEncodingProblem,omitempty"`
}

// Email JMAP 邮件对象（只取管道需要的属性）。
type Email struct {
	ID         string               `json:"id"`
	Subject    string               `json:"subject"`
	From       []Address            `json:"from"`
	To         []Address            `json:"to"`
	ReceivedAt time.Time            `json:"receivedAt"`
	BodyValues map[string]BodyValue `json:"bodyValues"`
	HTMLBody   []BodyPart           `json:"htmlBody"`
	TextBody   []BodyPart           `json:"textBody"`
}

// BodyContent 返回邮件正文：优先第一个 HTML 部件，其次第一个纯文本部件。
func (e *Email) BodyContent() string {
	if len(e.HTMLBody) > 0 {
		if v, ok := e.BodyValues[e.HTMLBody[0].PartID]; ok && v.Value != "" {
			return v.Value
		}
	}
	if len(e.TextBody) > 0 {
		if v, ok := e.BodyValues[e.TextBody[0].PartID]; ok && v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// FromEmail 返回第一个发件地址，缺失时返回空串。
func (e *Email) FromEmail() string {
	if len(e.From) > 0 {
		return e.From[0].Email
	}
	return ""
}

// ToEmail 返回第一个收件地址，缺失时返回空串。
func (e *Email) ToEmail() string {
	if len(e.To) > 0 {
		return e.To[0].Email
	}
	return ""
}

// StateChange 事件流中的一条状态变更记录。
type StateChange struct {
	Type    string                       `json:"@type"`
	Changed map[string]map[string]string `json:"changed"` // accountId -> 类型 -> state
}

// MailChangedFor 判断该变更是否涉及指定账号的邮件状态。
func (c *StateChange) MailChangedFor(accountID string) bool {
	types, ok := c.Changed[accountID]
	if !ok {
		return false
	}
	if _, ok := types["Email"]; ok {
		return true
	}
	if _, ok := types["EmailDelivery"]; ok {
		return true
	}
	return false
}
