package monitor

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/internal/db"
	"donut-access-bot/internal/gateway"
	"donut-access-bot/internal/logger"
	"donut-access-bot/internal/vkapi"
)

const (
	donorWindow   = 35 * 24 * time.Hour
	messageRetain = 14 * 24 * time.Hour
	messageKeep   = 5
	archiveAfter  = 30 * 24 * time.Hour
	staleAfter    = 45 * 24 * time.Hour
)

// Monitor — периодические работы: деактивация истёкших подписок,
// исключение из канала, пересборка кэша донов, чистки.
type Monitor struct {
	store     *db.Store
	gw        gateway.Gateway
	sender    Sender
	vk        VKSource
	channelID int64
	adminIDs  []int64
	canRemove bool
	now       func() time.Time
}

// Sender — очередь исходящих Telegram-сообщений.
type Sender interface {
	EnqueueAsync(msg tgbotapi.Chattable)
}

// VKSource — данные из VK, нужные для кэша донов.
type VKSource interface {
	DonutMembers() ([]int64, error)
	GetUser(userID int64) (*vkapi.Profile, error)
}

type Options struct {
	Store     *db.Store
	Gateway   gateway.Gateway
	Sender    Sender
	VK        VKSource
	ChannelID int64
	AdminIDs  []int64
	CanRemove bool
	Clock     func() time.Time
}

func New(opts Options) *Monitor {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		store:     opts.Store,
		gw:        opts.Gateway,
		sender:    opts.Sender,
		vk:        opts.VK,
		channelID: opts.ChannelID,
		adminIDs:  opts.AdminIDs,
		canRemove: opts.CanRemove,
		now:       now,
	}
}

// DeactivateExpired снимает активность с записей, чей срок истёк.
// Идемпотентна: повторный запуск ничего не меняет.
func (m *Monitor) DeactivateExpired() (int, error) {
	expired, err := m.store.ExpiredActiveUsers(m.now())
	if err != nil {
		return 0, err
	}
	for _, u := range expired {
		if err := m.store.DeactivateUser(u.ID); err != nil {
			return 0, fmt.Errorf("ошибка деактивации id=%d: %w", u.ID, err)
		}
	}
	if len(expired) > 0 {
		logger.Info("Деактивированы истёкшие подписки", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// SweepExpired деактивирует истёкшие записи и убирает их из канала.
// Если бот не может удалять, админы получают сводку для ручной чистки.
func (m *Monitor) SweepExpired() error {
	expired, err := m.store.ExpiredActiveUsers(m.now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	var manual []string
	for _, u := range expired {
		if err := m.store.DeactivateUser(u.ID); err != nil {
			logger.Error("Ошибка деактивации", zap.Uint("id", u.ID), zap.Error(err))
			continue
		}
		if u.TgID == nil {
			continue
		}
		if m.canRemove {
			if err := m.gw.BanMember(m.channelID, *u.TgID); err != nil {
				logger.Error("Ошибка исключения из канала",
					zap.Int64("tg_id", *u.TgID), zap.Error(err))
				manual = append(manual, describeUser(&u))
				continue
			}
			// разбан сразу: цель — кик, а не вечный бан
			if err := m.gw.UnbanMember(m.channelID, *u.TgID); err != nil {
				logger.Error("Ошибка разбана после кика",
					zap.Int64("tg_id", *u.TgID), zap.Error(err))
			}
			m.sender.EnqueueAsync(tgbotapi.NewMessage(*u.TgID,
				"⏳ Срок вашей подписки истёк, доступ к каналу закрыт.\n"+
					"Продлите подписку VK Donut, чтобы вернуться."))
		} else {
			manual = append(manual, describeUser(&u))
		}
	}

	if len(manual) > 0 {
		text := "🧹 Истёкшие подписки, требуется ручное удаление из канала:\n" +
			strings.Join(manual, "\n")
		for _, adminID := range m.adminIDs {
			m.sender.EnqueueAsync(tgbotapi.NewMessage(adminID, text))
		}
	}
	return nil
}

// ReconcileDonorCache пересобирает кэш донов. Источники по убыванию
// приоритета: журнал донатов → активные платёжные записи. Пустой результат
// валиден и означает пустой кэш.
func (m *Monitor) ReconcileDonorCache() error {
	now := m.now()
	cutoff := now.Add(-donorWindow)

	vkIDs, err := m.store.DonationVkIDs(cutoff)
	if err != nil {
		logger.Error("Ошибка чтения журнала донатов", zap.Error(err))
	}

	if len(vkIDs) == 0 {
		active, err := m.store.ActiveUsers()
		if err != nil {
			return err
		}
		for _, u := range active {
			if u.VkID != nil {
				vkIDs = append(vkIDs, *u.VkID)
			}
		}
	}

	donors := make([]db.CachedDonor, 0, len(vkIDs))
	for _, vkID := range vkIDs {
		d := db.CachedDonor{VkID: vkID}

		if u, err := m.store.GetUserByVkID(vkID); err == nil && u != nil {
			d.TgID = u.TgID
			d.VkName = u.VkName
			d.PaymentDate = u.PaymentDate
			d.TotalAmount = u.TotalAmount
			days := remainingDays(u.NextPayment, now)
			d.SubscriptionDays = days
			d.SubscriptionDaysFormatted = formatDays(days)
			if u.TgID != nil {
				if tg, err := m.store.GetTgUser(*u.TgID); err == nil && tg != nil {
					d.TgName = strings.TrimSpace(tg.FirstName + " " + tg.LastName)
					if d.TgName == "" {
						d.TgName = tg.Username
					}
				}
			}
		}

		if d.VkName == "" && m.vk != nil {
			if p, err := m.vk.GetUser(vkID); err == nil {
				d.VkName = strings.TrimSpace(p.FirstName + " " + p.LastName)
				d.ScreenName = p.ScreenName
			}
		}

		donors = append(donors, d)
	}

	if err := m.store.ReplaceCachedDonors(donors); err != nil {
		return fmt.Errorf("ошибка обновления кэша донов: %w", err)
	}
	logger.Info("Кэш донов обновлён", zap.Int("count", len(donors)))
	return nil
}

// PruneMessageHistory удаляет переписку старше двух недель,
// оставляя последние пять сообщений на пользователя.
func (m *Monitor) PruneMessageHistory() error {
	removed, err := m.store.PruneOldMessages(m.now().Add(-messageRetain), messageKeep)
	if err != nil {
		return err
	}
	logger.Info("Чистка журнала переписки", zap.Int64("removed", removed))
	return nil
}

// StaleReport — итог составной чистки устаревших данных.
type StaleReport struct {
	Deactivated      int
	ArchivedMessages int64
	CacheRefreshed   bool
	Errors           []error
}

// CleanupStale — составная чистка: деактивация истёкших подписок, архив
// прочитанной переписки старше месяца, удаление совсем старых данных и
// принудительная пересборка кэша донов. Шаги не прерывают друг друга,
// ошибки копятся в отчёте.
func (m *Monitor) CleanupStale() *StaleReport {
	now := m.now()
	rep := &StaleReport{}

	deactivated, err := m.DeactivateExpired()
	if err != nil {
		rep.Errors = append(rep.Errors, err)
	}
	rep.Deactivated = deactivated

	archived, err := m.store.ArchiveReadMessages(now.Add(-archiveAfter))
	if err != nil {
		rep.Errors = append(rep.Errors, err)
	}
	rep.ArchivedMessages = archived

	res := m.store.CleanupStaleData(now.Add(-staleAfter))
	rep.Errors = append(rep.Errors, res.Errors...)

	if err := m.ReconcileDonorCache(); err != nil {
		rep.Errors = append(rep.Errors, err)
	} else {
		rep.CacheRefreshed = true
	}

	for _, err := range rep.Errors {
		logger.Error("Ошибка чистки устаревших данных", zap.Error(err))
	}
	logger.Info("Чистка устаревших данных",
		zap.Int("deactivated", rep.Deactivated),
		zap.Int64("archived", rep.ArchivedMessages),
		zap.Bool("cache_refreshed", rep.CacheRefreshed),
		zap.Int64("pending", res.PendingRemoved),
		zap.Int64("dialogs", res.DialogsClosed),
		zap.Int64("messages", res.MessagesRemoved))
	return rep
}

func describeUser(u *db.User) string {
	name := u.VkName
	if name == "" {
		name = "без имени"
	}
	tg := "не привязан"
	if u.TgID != nil {
		tg = fmt.Sprintf("%d", *u.TgID)
	}
	return fmt.Sprintf("• %s (vk %s, tg %s)", name, formatVkID(u.VkID), tg)
}

func formatVkID(id *int64) string {
	if id == nil {
		return "—"
	}
	return fmt.Sprintf("%d", *id)
}

func remainingDays(next *time.Time, now time.Time) int {
	if next == nil {
		return 0
	}
	d := int(next.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// formatDays склоняет «день» по-русски: 1 день, 2 дня, 5 дней.
func formatDays(n int) string {
	n10, n100 := n%10, n%100
	switch {
	case n10 == 1 && n100 != 11:
		return fmt.Sprintf("%d день", n)
	case n10 >= 2 && n10 <= 4 && (n100 < 10 || n100 >= 20):
		return fmt.Sprintf("%d дня", n)
	default:
		return fmt.Sprintf("%d дней", n)
	}
}
