package domain

import (
	"time"
)

// MagicLink 表示一条已提取入库的登录链接。
//
// ReceivedAt 取自邮件本身的接收时间而非入库时间，
// 用于排序与过期清理。记录入库后除 used 标记外不可变。
type MagicLink struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ServiceID  string     `json:"serviceId" gorm:"type:varchar(36);index"`
	LinkURL    string     `json:"linkUrl" gorm:"type:text"`
	Subject    *string    `json:"subject,omitempty" gorm:"type:varchar(998)"`
	ReceivedAt time.Time  `json:"receivedAt" gorm:"index"`
	UsedAt     *time.Time `json:"usedAt,omitempty"`
	UsedBy     *string    `json:"usedBy,omitempty" gorm:"type:varchar(36)"` // 使用者ID，由消费端写入
}

// Used 返回该链接是否已被领用。
func (l *MagicLink) Used() bool {
	return l.UsedAt != nil
}
