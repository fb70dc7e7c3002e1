package db

import (
	"errors"

	"gorm.io/gorm"
)

// ActiveDialogForUser возвращает активный диалог, в котором занят пользователь.
func (s *Store) ActiveDialogForUser(userID int64) (*AdminDialog, error) {
	var d AdminDialog
	err := s.gorm.Where("user_id = ? AND is_active = ?", userID, true).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ActiveDialogForAdmin возвращает активный диалог данного админа.
func (s *Store) ActiveDialogForAdmin(adminID int64) (*AdminDialog, error) {
	var d AdminDialog
	err := s.gorm.Where("admin_id = ? AND is_active = ?", adminID, true).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ActiveDialogs возвращает все активные диалоги (для восстановления после рестарта).
func (s *Store) ActiveDialogs() ([]AdminDialog, error) {
	var list []AdminDialog
	err := s.gorm.Where("is_active = ?", true).Find(&list).Error
	return list, err
}

// OpenDialog создаёт или реактивирует диалог админ↔пользователь.
func (s *Store) OpenDialog(adminID, userID int64) (*AdminDialog, error) {
	var d AdminDialog
	err := s.gorm.Where("admin_id = ? AND user_id = ?", adminID, userID).First(&d).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		d = AdminDialog{AdminID: adminID, UserID: userID, IsActive: true}
		return &d, s.gorm.Create(&d).Error
	case err != nil:
		return nil, err
	default:
		d.IsActive = true
		return &d, s.gorm.Save(&d).Error
	}
}

// CloseDialog завершает диалог; строка остаётся как история.
func (s *Store) CloseDialog(id uint) error {
	return s.gorm.Model(&AdminDialog{}).Where("id = ?", id).
		Update("is_active", false).Error
}

// CloseDialogsForUser завершает все активные диалоги пользователя.
func (s *Store) CloseDialogsForUser(userID int64) error {
	return s.gorm.Model(&AdminDialog{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Update("is_active", false).Error
}
