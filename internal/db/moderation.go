package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IsBlocked проверяет, заблокирован ли отправитель.
func (s *Store) IsBlocked(tgID int64) (bool, error) {
	var count int64
	err := s.gorm.Model(&BlockedUser{}).Where("tg_id = ?", tgID).Count(&count).Error
	return count > 0, err
}

// BlockUser добавляет отправителя в чёрный список (идемпотентно).
func (s *Store) BlockUser(tgID, blockedBy int64, reason string) error {
	return s.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tg_id"}},
		DoNothing: true,
	}).Create(&BlockedUser{
		TgID:      tgID,
		BlockedBy: blockedBy,
		Reason:    reason,
	}).Error
}

// UnblockUser убирает отправителя из чёрного списка.
// Возвращает false, если записи не было.
func (s *Store) UnblockUser(tgID int64) (bool, error) {
	res := s.gorm.Where("tg_id = ?", tgID).Delete(&BlockedUser{})
	return res.RowsAffected > 0, res.Error
}

// BlockedUsers возвращает весь чёрный список.
func (s *Store) BlockedUsers() ([]BlockedUser, error) {
	var list []BlockedUser
	err := s.gorm.Order("created_at DESC").Find(&list).Error
	return list, err
}

// GetBlockedUser возвращает запись блокировки или nil.
func (s *Store) GetBlockedUser(tgID int64) (*BlockedUser, error) {
	var b BlockedUser
	err := s.gorm.Where("tg_id = ?", tgID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// StaleCleanupResult — итог чистки устаревших данных; ошибки копятся, шаги
// не прерывают друг друга.
type StaleCleanupResult struct {
	PendingRemoved  int64
	DialogsClosed   int64
	MessagesRemoved int64
	Errors          []error
}

// CleanupStaleData лучшими усилиями удаляет данные старше cutoff:
// брошенные заявки, зависшие диалоги, архивные сообщения.
func (s *Store) CleanupStaleData(cutoff time.Time) *StaleCleanupResult {
	out := &StaleCleanupResult{}

	res := s.gorm.Where("approved = ? AND last_attempt < ?", false, cutoff).
		Delete(&PendingUser{})
	if res.Error != nil {
		out.Errors = append(out.Errors, res.Error)
	} else {
		out.PendingRemoved = res.RowsAffected
	}

	res = s.gorm.Model(&AdminDialog{}).
		Where("is_active = ? AND updated_at < ?", true, cutoff).
		Update("is_active", false)
	if res.Error != nil {
		out.Errors = append(out.Errors, res.Error)
	} else {
		out.DialogsClosed = res.RowsAffected
	}

	res = s.gorm.Where("is_archived = ? AND created_at < ?", true, cutoff).
		Delete(&UserMessage{})
	if res.Error != nil {
		out.Errors = append(out.Errors, res.Error)
	} else {
		out.MessagesRemoved = res.RowsAffected
	}

	return out
}
