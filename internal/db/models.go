package db

import "time"

// User — платёжная запись: одна строка на vk_id, хранит одноразовый код доступа.
// Строки никогда не удаляются, только деактивируются (is_active = 0).
type User struct {
	ID          uint    `gorm:"primaryKey"`
	VkID        *int64  `gorm:"uniqueIndex"`
	TgID        *int64  `gorm:"index"`
	AccessKey   *string `gorm:"uniqueIndex"`
	PaymentDate *time.Time
	NextPayment *time.Time
	Used        bool    `gorm:"default:false"`
	IsActive    bool    `gorm:"default:true"`
	TotalAmount float64 `gorm:"default:0"`
	VkName      string
}

// TgUser — профиль пользователя Telegram (обновляется при каждом апдейте)
type TgUser struct {
	ID           uint  `gorm:"primaryKey"`
	UserID       int64 `gorm:"uniqueIndex"`
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VkUser — профиль пользователя ВКонтакте
type VkUser struct {
	ID         uint  `gorm:"primaryKey"`
	UserID     int64 `gorm:"uniqueIndex"`
	FirstName  string
	LastName   string
	ScreenName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Donation — запись журнала донатов (первичный источник для кэша донов)
type Donation struct {
	ID          uint  `gorm:"primaryKey"`
	VkID        int64 `gorm:"index"`
	Amount      float64
	PaymentDate time.Time
	CreatedAt   time.Time
}

// PendingUser — VK-пользователи, ожидающие ручного или автоматического одобрения
type PendingUser struct {
	ID          uint  `gorm:"primaryKey"`
	VkID        int64 `gorm:"uniqueIndex"`
	Approved    bool  `gorm:"default:false"`
	Attempts    int   `gorm:"default:0"`
	LastAttempt time.Time
	CreatedAt   time.Time
}

// CachedDonor — денормализованная проекция дона (VK + привязанный Telegram).
// Кэш, не источник истины: всегда восстановим из users/donations.
type CachedDonor struct {
	ID                        uint  `gorm:"primaryKey"`
	VkID                      int64 `gorm:"uniqueIndex"`
	VkName                    string
	TgID                      *int64
	TgName                    string
	ScreenName                string
	PaymentDate               *time.Time
	SubscriptionDays          int
	SubscriptionDaysFormatted string
	TotalAmount               float64
	UpdatedAt                 time.Time
}

// AdminDialog — сессия диалога админ↔пользователь.
// Инвариант: не больше одного активного диалога на user_id.
type AdminDialog struct {
	ID        uint  `gorm:"primaryKey"`
	AdminID   int64 `gorm:"uniqueIndex:idx_admin_user"`
	UserID    int64 `gorm:"uniqueIndex:idx_admin_user"`
	IsActive  bool  `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BlockedUser — заблокированные отправители; их сообщения молча отбрасываются
type BlockedUser struct {
	ID        uint  `gorm:"primaryKey"`
	TgID      int64 `gorm:"uniqueIndex"`
	BlockedBy int64
	Reason    string
	CreatedAt time.Time
}

// UserMessage — журнал переписки (входящие и ответы админов)
type UserMessage struct {
	ID          uint  `gorm:"primaryKey"`
	TgID        int64 `gorm:"index"`
	MessageText string
	MessageID   int
	MessageType string `gorm:"default:text"`
	FileID      string
	IsRead      bool `gorm:"default:false"`
	IsArchived  bool `gorm:"default:false"`
	FromAdmin   bool `gorm:"default:false"`
	CreatedAt   time.Time
}
