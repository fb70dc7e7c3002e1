package db

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplaceCachedDonors перезаписывает кэш донов в одной транзакции:
// upsert каждой строки и удаление исчезнувших vk_id.
func (s *Store) ReplaceCachedDonors(donors []CachedDonor) error {
	return s.Transaction(func(tx *gorm.DB) error {
		ids := make([]int64, 0, len(donors))
		for i := range donors {
			donors[i].UpdatedAt = time.Now()
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "vk_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"vk_name", "tg_id", "tg_name", "screen_name",
					"payment_date", "subscription_days",
					"subscription_days_formatted", "total_amount", "updated_at",
				}),
			}).Create(&donors[i]).Error; err != nil {
				return err
			}
			ids = append(ids, donors[i].VkID)
		}
		if len(ids) == 0 {
			return tx.Where("1 = 1").Delete(&CachedDonor{}).Error
		}
		return tx.Where("vk_id NOT IN ?", ids).Delete(&CachedDonor{}).Error
	})
}

// BindCachedDonorTg обновляет привязку Telegram в кэше, не дожидаясь
// полной пересборки. Отсутствие строки не ошибка: её создаст реконсиляция.
func (s *Store) BindCachedDonorTg(vkID, tgID int64) error {
	return s.gorm.Model(&CachedDonor{}).Where("vk_id = ?", vkID).
		Updates(map[string]interface{}{
			"tg_id":      tgID,
			"updated_at": time.Now(),
		}).Error
}

// CachedDonors возвращает весь кэш донов.
func (s *Store) CachedDonors() ([]CachedDonor, error) {
	var list []CachedDonor
	err := s.gorm.Order("payment_date DESC").Find(&list).Error
	return list, err
}

// DonationVkIDs возвращает vk_id из журнала донатов за период после cutoff.
func (s *Store) DonationVkIDs(cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := s.gorm.Model(&Donation{}).
		Where("payment_date >= ?", cutoff).
		Distinct("vk_id").Pluck("vk_id", &ids).Error
	return ids, err
}
