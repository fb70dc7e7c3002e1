package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetUserByVkID возвращает платёжную запись по vk_id или nil, если её нет.
func (s *Store) GetUserByVkID(vkID int64) (*User, error) {
	var u User
	err := s.gorm.Where("vk_id = ?", vkID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByTgID возвращает запись, привязанную к данному Telegram-аккаунту.
func (s *Store) GetUserByTgID(tgID int64) (*User, error) {
	var u User
	err := s.gorm.Where("tg_id = ?", tgID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByAccessKey ищет запись по коду доступа.
func (s *Store) GetUserByAccessKey(key string) (*User, error) {
	var u User
	err := s.gorm.Where("access_key = ?", key).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AccessKeyExists проверяет занятость кода (в т.ч. у неактивных записей).
func (s *Store) AccessKeyExists(key string) (bool, error) {
	var count int64
	err := s.gorm.Model(&User{}).Where("access_key = ?", key).Count(&count).Error
	return count > 0, err
}

// SaveUser сохраняет запись целиком.
func (s *Store) SaveUser(u *User) error {
	return s.gorm.Save(u).Error
}

// CreateUser вставляет новую платёжную запись.
func (s *Store) CreateUser(u *User) error {
	return s.gorm.Create(u).Error
}

// ActiveUsers возвращает все активные платёжные записи.
func (s *Store) ActiveUsers() ([]User, error) {
	var users []User
	err := s.gorm.Where("is_active = ?", true).Find(&users).Error
	return users, err
}

// ExpiredActiveUsers возвращает активные записи с истёкшим сроком.
func (s *Store) ExpiredActiveUsers(now time.Time) ([]User, error) {
	var users []User
	err := s.gorm.
		Where("is_active = ? AND next_payment IS NOT NULL AND next_payment < ?", true, now).
		Find(&users).Error
	return users, err
}

// DeactivateUser снимает флаг активности; запись остаётся в базе.
func (s *Store) DeactivateUser(id uint) error {
	return s.gorm.Model(&User{}).Where("id = ?", id).
		Update("is_active", false).Error
}

// UpsertTgUser обновляет профиль Telegram-пользователя по user_id.
func (s *Store) UpsertTgUser(u *TgUser) error {
	return s.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "first_name", "last_name", "language_code", "updated_at",
		}),
	}).Create(u).Error
}

// UpsertVkUser обновляет профиль VK-пользователя по user_id.
func (s *Store) UpsertVkUser(u *VkUser) error {
	return s.gorm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"first_name", "last_name", "screen_name", "updated_at",
		}),
	}).Create(u).Error
}

// GetTgUser возвращает профиль Telegram-пользователя или nil.
func (s *Store) GetTgUser(tgID int64) (*TgUser, error) {
	var u TgUser
	err := s.gorm.Where("user_id = ?", tgID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AddDonation добавляет запись в журнал донатов.
func (s *Store) AddDonation(vkID int64, amount float64, when time.Time) error {
	return s.gorm.Create(&Donation{
		VkID:        vkID,
		Amount:      amount,
		PaymentDate: when,
	}).Error
}

// GetPendingUser возвращает заявку VK-пользователя или nil.
func (s *Store) GetPendingUser(vkID int64) (*PendingUser, error) {
	var p PendingUser
	err := s.gorm.Where("vk_id = ?", vkID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPendingUser регистрирует попытку: создаёт заявку или увеличивает счётчик.
func (s *Store) UpsertPendingUser(vkID int64, now time.Time) (*PendingUser, error) {
	p, err := s.GetPendingUser(vkID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &PendingUser{VkID: vkID, Attempts: 1, LastAttempt: now}
		return p, s.gorm.Create(p).Error
	}
	p.Attempts++
	p.LastAttempt = now
	return p, s.gorm.Save(p).Error
}

// ApprovePendingUser помечает заявку одобренной.
func (s *Store) ApprovePendingUser(vkID int64) error {
	return s.gorm.Model(&PendingUser{}).Where("vk_id = ?", vkID).
		Update("approved", true).Error
}

// PendingUsers возвращает все неодобренные заявки.
func (s *Store) PendingUsers() ([]PendingUser, error) {
	var list []PendingUser
	err := s.gorm.Where("approved = ?", false).Order("created_at").Find(&list).Error
	return list, err
}
