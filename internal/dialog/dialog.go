package dialog

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/internal/db"
	"donut-access-bot/internal/gateway"
	"donut-access-bot/internal/logger"
)

const historyDepth = 10

var (
	// ErrAdminBusy — у админа уже есть активный диалог
	ErrAdminBusy = errors.New("у вас уже есть активный диалог")
	// ErrNoDialog — у админа нет активного диалога
	ErrNoDialog = errors.New("нет активного диалога")
)

// ConflictError — пользователь уже занят другим админом.
type ConflictError struct {
	OtherAdminID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("пользователь уже в диалоге с админом %d", e.OtherAdminID)
}

// Sender — очередь исходящих (подмножество gateway.SendQueue).
type Sender interface {
	Enqueue(msg tgbotapi.Chattable) (tgbotapi.Message, error)
	EnqueueAsync(msg tgbotapi.Chattable)
}

// Router связывает пользователей с админами: один активный диалог
// на пользователя, один на админа.
type Router struct {
	store    *db.Store
	sender   Sender
	adminIDs []int64
}

func NewRouter(store *db.Store, sender Sender, adminIDs []int64) *Router {
	return &Router{store: store, sender: sender, adminIDs: adminIDs}
}

// StartDialog открывает диалог админа с пользователем. Пользователь,
// занятый другим админом, — конфликт; занятый админ — отказ.
// При успехе входящие пользователя помечаются прочитанными, а админу
// уходит хвост истории переписки.
func (r *Router) StartDialog(adminID, userID int64) (*db.AdminDialog, error) {
	existing, err := r.store.ActiveDialogForUser(userID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.AdminID != adminID {
		return nil, &ConflictError{OtherAdminID: existing.AdminID}
	}

	own, err := r.store.ActiveDialogForAdmin(adminID)
	if err != nil {
		return nil, err
	}
	if own != nil && own.UserID != userID {
		return nil, ErrAdminBusy
	}

	d, err := r.store.OpenDialog(adminID, userID)
	if err != nil {
		return nil, err
	}

	if err := r.store.MarkMessagesRead(userID); err != nil {
		logger.Error("Ошибка пометки сообщений прочитанными", zap.Error(err))
	}
	r.sendHistory(adminID, userID)

	logger.Info("Диалог открыт",
		zap.Int64("admin_id", adminID), zap.Int64("user_id", userID))
	return d, nil
}

// RelayFromAdmin пересылает ответ админа пользователю его активного диалога.
func (r *Router) RelayFromAdmin(adminID int64, text string) error {
	d, err := r.store.ActiveDialogForAdmin(adminID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNoDialog
	}

	if _, err := r.sender.Enqueue(tgbotapi.NewMessage(d.UserID, text)); err != nil {
		if errors.Is(err, gateway.ErrRecipientUnreachable) {
			return fmt.Errorf("пользователь недоступен: %w", err)
		}
		return err
	}

	return r.store.SaveMessage(&db.UserMessage{
		TgID:        d.UserID,
		MessageText: text,
		MessageType: "text",
		IsRead:      true,
		FromAdmin:   true,
	})
}

// RelayFromUser обрабатывает входящее: в активном диалоге — сразу админу,
// иначе сохраняет и оповещает админов кнопкой «Начать диалог».
// Для медиа пересылается только подпись, тип и file_id остаются в журнале.
func (r *Router) RelayFromUser(userID int64, name, text string, messageID int, msgType, fileID string) error {
	if msgType == "" {
		msgType = "text"
	}
	if err := r.store.SaveMessage(&db.UserMessage{
		TgID:        userID,
		MessageText: text,
		MessageID:   messageID,
		MessageType: msgType,
		FileID:      fileID,
	}); err != nil {
		return err
	}
	if text == "" {
		text = "[" + msgType + "]"
	}

	d, err := r.store.ActiveDialogForUser(userID)
	if err != nil {
		return err
	}
	if d != nil {
		r.sender.EnqueueAsync(tgbotapi.NewMessage(d.AdminID,
			fmt.Sprintf("💬 %s:\n%s", name, text)))
		if err := r.store.MarkMessagesRead(userID); err != nil {
			logger.Error("Ошибка пометки сообщений прочитанными", zap.Error(err))
		}
		return nil
	}

	// диалога с этим пользователем нет ни у кого, оповещаем всех админов;
	// чужие диалоги оповещению не помеха
	notice := tgbotapi.NewMessage(0, fmt.Sprintf(
		"📨 Новое сообщение от %s (id %d):\n%s", name, userID, text))
	notice.ReplyMarkup = startDialogKeyboard(userID)

	for _, adminID := range r.adminIDs {
		m := notice
		m.ChatID = adminID
		r.sender.EnqueueAsync(m)
	}
	return nil
}

// EndDialog закрывает активный диалог админа и возвращает id пользователя.
func (r *Router) EndDialog(adminID int64) (int64, error) {
	d, err := r.store.ActiveDialogForAdmin(adminID)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return 0, ErrNoDialog
	}
	if err := r.store.CloseDialog(d.ID); err != nil {
		return 0, err
	}
	logger.Info("Диалог закрыт",
		zap.Int64("admin_id", adminID), zap.Int64("user_id", d.UserID))
	return d.UserID, nil
}

// CloseAllFor закрывает все диалоги пользователя (например, при блокировке).
func (r *Router) CloseAllFor(userID int64) error {
	return r.store.CloseDialogsForUser(userID)
}

// RestoreActiveDialogs после рестарта напоминает админам об их открытых диалогах.
func (r *Router) RestoreActiveDialogs() error {
	dialogs, err := r.store.ActiveDialogs()
	if err != nil {
		return err
	}
	for _, d := range dialogs {
		r.sender.EnqueueAsync(tgbotapi.NewMessage(d.AdminID, fmt.Sprintf(
			"♻️ Бот перезапущен. Ваш диалог с пользователем %d всё ещё открыт. /end — завершить.",
			d.UserID)))
	}
	if len(dialogs) > 0 {
		logger.Info("Восстановлены активные диалоги", zap.Int("count", len(dialogs)))
	}
	return nil
}

func (r *Router) sendHistory(adminID, userID int64) {
	msgs, err := r.store.RecentMessages(userID, historyDepth)
	if err != nil {
		logger.Error("Ошибка чтения истории переписки", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	// RecentMessages отдаёт новые первыми — переворачиваем для чтения
	text := "📜 Последние сообщения:\n"
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := "👤"
		if m.FromAdmin {
			who = "👮"
		}
		text += fmt.Sprintf("%s [%s] %s\n",
			who, m.CreatedAt.Format("02.01 15:04"), m.MessageText)
	}
	r.sender.EnqueueAsync(tgbotapi.NewMessage(adminID, text))
}

func startDialogKeyboard(userID int64) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💬 Начать диалог",
				fmt.Sprintf("start_dialog:%d", userID)),
		),
	)
	return &kb
}
