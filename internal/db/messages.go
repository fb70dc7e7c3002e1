package db

import (
	"time"
)

// SaveMessage добавляет сообщение в журнал переписки.
func (s *Store) SaveMessage(m *UserMessage) error {
	return s.gorm.Create(m).Error
}

// RecentMessages возвращает последние limit сообщений пользователя (новые первыми).
func (s *Store) RecentMessages(tgID int64, limit int) ([]UserMessage, error) {
	var msgs []UserMessage
	err := s.gorm.Where("tg_id = ?", tgID).
		Order("created_at DESC").Limit(limit).Find(&msgs).Error
	return msgs, err
}

// UnreadMessages возвращает непрочитанные входящие сообщения пользователя.
func (s *Store) UnreadMessages(tgID int64) ([]UserMessage, error) {
	var msgs []UserMessage
	err := s.gorm.
		Where("tg_id = ? AND is_read = ? AND from_admin = ?", tgID, false, false).
		Order("created_at").Find(&msgs).Error
	return msgs, err
}

// MarkMessagesRead помечает все входящие сообщения пользователя прочитанными.
func (s *Store) MarkMessagesRead(tgID int64) error {
	return s.gorm.Model(&UserMessage{}).
		Where("tg_id = ? AND is_read = ?", tgID, false).
		Update("is_read", true).Error
}

// UsersWithUnread возвращает tg_id всех пользователей с непрочитанными сообщениями.
func (s *Store) UsersWithUnread() ([]int64, error) {
	var ids []int64
	err := s.gorm.Model(&UserMessage{}).
		Where("is_read = ? AND from_admin = ?", false, false).
		Distinct("tg_id").Pluck("tg_id", &ids).Error
	return ids, err
}

// PruneOldMessages жёстко удаляет сообщения старше cutoff,
// оставляя keep последних на каждого пользователя.
// Возвращает число удалённых строк.
func (s *Store) PruneOldMessages(cutoff time.Time, keep int) (int64, error) {
	var ids []int64
	if err := s.gorm.Model(&UserMessage{}).
		Distinct("tg_id").Pluck("tg_id", &ids).Error; err != nil {
		return 0, err
	}

	var total int64
	for _, tgID := range ids {
		// из сообщений старше cutoff последние keep не трогаем;
		// свежие и так не подпадают под удаление
		var keepIDs []uint
		if err := s.gorm.Model(&UserMessage{}).
			Where("tg_id = ? AND created_at < ?", tgID, cutoff).
			Order("created_at DESC").Limit(keep).
			Pluck("id", &keepIDs).Error; err != nil {
			return total, err
		}

		q := s.gorm.Where("tg_id = ? AND created_at < ?", tgID, cutoff)
		if len(keepIDs) > 0 {
			q = q.Where("id NOT IN ?", keepIDs)
		}
		res := q.Delete(&UserMessage{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// ArchiveReadMessages помечает прочитанные сообщения старше cutoff архивными.
func (s *Store) ArchiveReadMessages(cutoff time.Time) (int64, error) {
	res := s.gorm.Model(&UserMessage{}).
		Where("is_read = ? AND is_archived = ? AND created_at < ?", true, false, cutoff).
		Update("is_archived", true)
	return res.RowsAffected, res.Error
}

// MessageStats — сводка по журналу переписки для отчёта админам.
type MessageStats struct {
	Total    int64
	Unread   int64
	Archived int64
	Users    int64
}

// GetMessageStats собирает сводку по журналу переписки.
func (s *Store) GetMessageStats() (*MessageStats, error) {
	var st MessageStats
	if err := s.gorm.Model(&UserMessage{}).Count(&st.Total).Error; err != nil {
		return nil, err
	}
	if err := s.gorm.Model(&UserMessage{}).
		Where("is_read = ? AND from_admin = ?", false, false).
		Count(&st.Unread).Error; err != nil {
		return nil, err
	}
	if err := s.gorm.Model(&UserMessage{}).
		Where("is_archived = ?", true).Count(&st.Archived).Error; err != nil {
		return nil, err
	}
	if err := s.gorm.Model(&UserMessage{}).
		Distinct("tg_id").Count(&st.Users).Error; err != nil {
		return nil, err
	}
	return &st, nil
}
