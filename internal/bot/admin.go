package bot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/config"
	"donut-access-bot/internal/admin"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/dialog"
	"donut-access-bot/internal/gateway"
	"donut-access-bot/internal/logger"
)

// handleAdminMessage — команды админа; не-команда уходит в его активный диалог.
func (b *Bot) handleAdminMessage(msg *tgbotapi.Message) {
	adminID := msg.From.ID

	if !msg.IsCommand() {
		err := b.router.RelayFromAdmin(adminID, msg.Text)
		switch {
		case errors.Is(err, dialog.ErrNoDialog):
			b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
				"Нет активного диалога. /start_dialog <id> — открыть."))
		case errors.Is(err, gateway.ErrRecipientUnreachable):
			b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
				"⚠️ Пользователь недоступен: бот заблокирован или чат удалён.\n"+
					"/end — завершить диалог."))
		case err != nil:
			b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
				"⚠️ Не удалось доставить: "+err.Error()))
		}
		return
	}

	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		help := tgbotapi.NewMessage(adminID, adminHelp)
		help.ReplyMarkup = GetReplyKeyboard(adminID)
		b.queue.EnqueueAsync(help)
	case "start_dialog":
		id, ok := parseIDArg(args)
		if !ok {
			b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
				"Использование: /start_dialog <tg_id>"))
			return
		}
		b.startDialog(adminID, id)
	case "end":
		userID, err := b.router.EndDialog(adminID)
		if errors.Is(err, dialog.ErrNoDialog) {
			b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID, "Нет активного диалога."))
			return
		}
		if err != nil {
			logger.Error("Ошибка закрытия диалога", zap.Error(err))
			return
		}
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			fmt.Sprintf("✅ Диалог с %d завершён.", userID)))
	case "block":
		b.cmdBlock(adminID, args)
	case "unblock":
		b.cmdUnblock(adminID, args)
	case "blocked":
		b.cmdBlocked(adminID)
	case "messages":
		b.cmdMessages(adminID, args)
	case "report":
		b.cmdReport(adminID)
	case "admin_backup":
		b.cmdBackup(adminID)
	default:
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"Неизвестная команда. /help — список команд."))
	}
}

const adminHelp = `Команды администратора:
/start_dialog <id> — открыть диалог с пользователем
/end — завершить текущий диалог
/block <id> [причина] — заблокировать пользователя
/unblock <id> — разблокировать
/blocked — список заблокированных
/messages — непрочитанные сообщения
/messages <id> — переписка с пользователем
/report — сводка по переписке и донам
/admin_backup — резервная копия базы`

func (b *Bot) startDialog(adminID, userID int64) {
	_, err := b.router.StartDialog(adminID, userID)

	var conflict *dialog.ConflictError
	switch {
	case errors.As(err, &conflict):
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID, fmt.Sprintf(
			"⚠️ Пользователь уже в диалоге с админом %d.", conflict.OtherAdminID)))
	case errors.Is(err, dialog.ErrAdminBusy):
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"⚠️ Сначала завершите текущий диалог: /end"))
	case err != nil:
		logger.Error("Ошибка открытия диалога", zap.Error(err))
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"Не удалось открыть диалог, попробуйте позже."))
	default:
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID, fmt.Sprintf(
			"💬 Диалог с %d открыт. Пишите сообщения, /end — завершить.", userID)))
	}
}

func (b *Bot) cmdBlock(adminID int64, args []string) {
	id, ok := parseIDArg(args)
	if !ok {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"Использование: /block <tg_id> [причина]"))
		return
	}
	reason := "заблокирован администратором"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := b.store.BlockUser(id, adminID, reason); err != nil {
		logger.Error("Ошибка блокировки", zap.Error(err))
		return
	}
	_ = b.router.CloseAllFor(id)
	logger.LogAdminAction(adminID, "block", fmt.Sprintf("tg_id=%d reason=%s", id, reason))
	b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
		fmt.Sprintf("🚫 Пользователь %d заблокирован: %s", id, reason)))
}

func (b *Bot) cmdUnblock(adminID int64, args []string) {
	id, ok := parseIDArg(args)
	if !ok {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"Использование: /unblock <tg_id>"))
		return
	}
	// вместе с записью снимаем счётчик предупреждений и охлаждение
	b.guard.ResetWarnings(id)
	removed, err := b.store.UnblockUser(id)
	if err != nil {
		logger.Error("Ошибка разблокировки", zap.Error(err))
		return
	}
	if !removed {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			fmt.Sprintf("Пользователь %d не был заблокирован.", id)))
		return
	}
	logger.LogAdminAction(adminID, "unblock", fmt.Sprintf("tg_id=%d", id))
	b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
		fmt.Sprintf("✅ Пользователь %d разблокирован.", id)))
}

func (b *Bot) cmdBlocked(adminID int64) {
	list, err := b.store.BlockedUsers()
	if err != nil {
		logger.Error("Ошибка чтения блок-листа", zap.Error(err))
		return
	}
	if len(list) == 0 {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID, "Блок-лист пуст."))
		return
	}
	var sb strings.Builder
	sb.WriteString("🚫 Заблокированные:\n")
	for _, u := range list {
		fmt.Fprintf(&sb, "• %d — %s (%s)\n",
			u.TgID, u.Reason, u.CreatedAt.Format("02.01.2006"))
	}
	b.sendLong(adminID, sb.String())
}

// cmdMessages без аргумента показывает непрочитанное по всем пользователям,
// с tg_id — переписку конкретного пользователя.
func (b *Bot) cmdMessages(adminID int64, args []string) {
	if len(args) == 0 {
		text, err := unreadDigest(b.store)
		if err != nil {
			logger.Error("Ошибка сборки сводки непрочитанного", zap.Error(err))
			return
		}
		b.sendLong(adminID, text)
		return
	}

	id, ok := parseIDArg(args)
	if !ok {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"Использование: /messages [tg_id]"))
		return
	}
	msgs, err := b.store.RecentMessages(id, 20)
	if err != nil {
		logger.Error("Ошибка чтения переписки", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			fmt.Sprintf("Сообщений от %d нет.", id)))
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📜 Сообщения пользователя %d:\n", id)
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := "👤"
		if m.FromAdmin {
			who = "👮"
		}
		fmt.Fprintf(&sb, "%s [%s] %s\n",
			who, m.CreatedAt.Format("02.01 15:04"), m.MessageText)
	}
	b.sendLong(adminID, sb.String())
}

// unreadDigest собирает непрочитанные сообщения, сгруппированные по пользователям.
func unreadDigest(store *db.Store) (string, error) {
	ids, err := store.UsersWithUnread()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "Непрочитанных сообщений нет.", nil
	}

	var sb strings.Builder
	sb.WriteString("📬 Непрочитанные сообщения:\n")
	for _, id := range ids {
		msgs, err := store.UnreadMessages(id)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\n👤 %d (/start_dialog %d):\n", id, id)
		for _, m := range msgs {
			text := m.MessageText
			if text == "" {
				text = "[" + m.MessageType + "]"
			}
			fmt.Fprintf(&sb, "• [%s] %s\n", m.CreatedAt.Format("02.01 15:04"), text)
		}
	}
	return sb.String(), nil
}

func (b *Bot) cmdReport(adminID int64) {
	stats, err := b.store.GetMessageStats()
	if err != nil {
		logger.Error("Ошибка сбора статистики", zap.Error(err))
		return
	}
	donors, err := b.store.CachedDonors()
	if err != nil {
		logger.Error("Ошибка чтения кэша донов", zap.Error(err))
		return
	}
	blocked, err := b.store.BlockedUsers()
	if err != nil {
		logger.Error("Ошибка чтения блок-листа", zap.Error(err))
		return
	}

	var sb strings.Builder
	sb.WriteString("📊 Сводка\n\n")
	fmt.Fprintf(&sb, "Переписка: %d сообщений от %d пользователей\n",
		stats.Total, stats.Users)
	fmt.Fprintf(&sb, "Непрочитанных: %d, в архиве: %d\n", stats.Unread, stats.Archived)
	fmt.Fprintf(&sb, "Заблокировано: %d\n\n", len(blocked))
	fmt.Fprintf(&sb, "Донов в кэше: %d\n", len(donors))
	for i, d := range donors {
		if i >= 25 {
			fmt.Fprintf(&sb, "… и ещё %d\n", len(donors)-i)
			break
		}
		name := d.VkName
		if name == "" {
			name = fmt.Sprintf("vk %d", d.VkID)
		}
		fmt.Fprintf(&sb, "• %s — %s, %.0f ₽\n",
			name, d.SubscriptionDaysFormatted, d.TotalAmount)
	}
	b.sendLong(adminID, sb.String())
}

// sendLong режет длинный текст на куски под лимит Telegram (4096 символов).
func (b *Bot) sendLong(chatID int64, text string) {
	const chunk = 4000
	for len(text) > 0 {
		cut := len(text)
		if cut > chunk {
			cut = chunk
			// режем по границе строки, чтобы не рвать записи
			if i := strings.LastIndexByte(text[:cut], '\n'); i > 0 {
				cut = i + 1
			}
		}
		b.queue.EnqueueAsync(tgbotapi.NewMessage(chatID, text[:cut]))
		text = text[cut:]
	}
}

// cmdBackup делает дамп по запросу и отправляет его файлом админу.
func (b *Bot) cmdBackup(adminID int64) {
	cfg := config.AppCfg
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		logger.Error("Ошибка создания директории бэкапов", zap.Error(err))
		return
	}
	ext := ".dump"
	if cfg.DatabaseURL == "" {
		ext = ".sqlite"
	}
	filename := filepath.Join(cfg.BackupDir,
		"backup_"+time.Now().Format("20060102_150405")+ext)

	if err := admin.BackupDatabase(filename, cfg.DatabaseURL, cfg.DBPath); err != nil {
		logger.Error("Ошибка резервного копирования", zap.Error(err))
		b.queue.EnqueueAsync(tgbotapi.NewMessage(adminID,
			"⚠️ Не удалось создать резервную копию: "+err.Error()))
		return
	}

	logger.LogAdminAction(adminID, "backup", filename)
	doc := tgbotapi.NewDocument(adminID, tgbotapi.FilePath(filename))
	doc.Caption = "Резервная копия базы"
	b.queue.EnqueueAsync(doc)
}

func parseIDArg(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
