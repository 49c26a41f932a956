package domain

import (
	"time"
)

// Service 表示一个第三方服务账号（按收件地址 local-part 自动归档）。
//
// 每个发往 catch-all 域名的 local-part 对应一个 Service，
// 首封匹配邮件到达时懒创建，之后同一 local-part 的邮件全部归入该服务。
type Service struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Slug        string    `json:"slug" gorm:"type:varchar(255);uniqueIndex"`
	DisplayName string    `json:"displayName" gorm:"type:varchar(255)"`
	IconURL     *string   `json:"iconUrl,omitempty" gorm:"type:varchar(512)"`
	OriginURL   *string   `json:"originUrl,omitempty" gorm:"type:varchar(512)"` // 首条链接的 URL origin，仅在创建时写入
	CreatedAt   time.Time `json:"createdAt"`
}
