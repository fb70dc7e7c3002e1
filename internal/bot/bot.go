package bot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/config"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/dialog"
	"donut-access-bot/internal/gateway"
	"donut-access-bot/internal/guard"
	"donut-access-bot/internal/keys"
	"donut-access-bot/internal/logger"
)

var accessKeyRe = regexp.MustCompile(`^\d{9,}$`)

// Bot обрабатывает апдейты Telegram: коды доступа, заявки на вступление,
// переписку с админами и админ-команды.
type Bot struct {
	gw     gateway.Gateway
	queue  *gateway.SendQueue
	store  *db.Store
	keys   *keys.Service
	guard  *guard.Guard
	router *dialog.Router
}

func New(gw gateway.Gateway, queue *gateway.SendQueue, store *db.Store,
	keySvc *keys.Service, g *guard.Guard, router *dialog.Router) *Bot {
	return &Bot{
		gw:     gw,
		queue:  queue,
		store:  store,
		keys:   keySvc,
		guard:  g,
		router: router,
	}
}

// HandleUpdate — единая точка входа для апдейтов.
func (b *Bot) HandleUpdate(update tgbotapi.Update) {
	defer logger.NotifyOnPanic("telegram update")

	switch {
	case update.ChatJoinRequest != nil:
		b.handleJoinRequest(update.ChatJoinRequest)
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.Chat.IsPrivate():
		b.handlePrivateMessage(update.Message)
	case update.ChatMember != nil:
		b.handleChatMember(update.ChatMember)
	}
}

func (b *Bot) handlePrivateMessage(msg *tgbotapi.Message) {
	userID := msg.From.ID
	eventKey := fmt.Sprintf("tg:%d:%d", msg.Chat.ID, msg.MessageID)
	if b.guard.SeenEvent(eventKey) {
		return
	}

	b.upsertProfile(msg.From)

	if config.AppCfg.IsTgAdmin(userID) {
		b.handleAdminMessage(msg)
		return
	}

	switch b.guard.Check(userID, msg.Text) {
	case guard.Drop:
		return
	case guard.Warn:
		wait := b.guard.CooldownRemaining(userID).Round(time.Minute)
		b.queue.EnqueueAsync(tgbotapi.NewMessage(userID, fmt.Sprintf(
			"⚠️ Слишком много сообщений. Подождите %s и попробуйте снова.", wait)))
		return
	case guard.Block:
		b.queue.EnqueueAsync(tgbotapi.NewMessage(userID,
			"🚫 Вы заблокированы за нарушения правил общения с ботом."))
		_ = b.router.CloseAllFor(userID)
		return
	}

	if msg.IsCommand() {
		b.handleUserCommand(msg)
		return
	}

	if accessKeyRe.MatchString(strings.TrimSpace(msg.Text)) {
		b.handleRedeem(userID, strings.TrimSpace(msg.Text))
		return
	}

	name := displayName(msg.From)
	text, msgType, fileID := describeContent(msg)
	if err := b.router.RelayFromUser(userID, name, text, msg.MessageID, msgType, fileID); err != nil {
		logger.Error("Ошибка пересылки сообщения пользователя", zap.Error(err))
	}
}

// describeContent выделяет текст, тип и file_id сообщения.
// Для медиа пересылается подпись, сам файл остаётся в Telegram.
func describeContent(msg *tgbotapi.Message) (text, msgType, fileID string) {
	switch {
	case len(msg.Photo) > 0:
		return msg.Caption, "photo", msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		return msg.Caption, "document", msg.Document.FileID
	case msg.Voice != nil:
		return msg.Caption, "voice", msg.Voice.FileID
	case msg.Video != nil:
		return msg.Caption, "video", msg.Video.FileID
	case msg.Sticker != nil:
		return "", "sticker", msg.Sticker.FileID
	default:
		return msg.Text, "text", ""
	}
}

func (b *Bot) handleUserCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		welcome := tgbotapi.NewMessage(msg.From.ID,
			"👋 Привет! Я выдаю доступ к закрытому каналу для подписчиков VK Donut.\n\n"+
				"1. Оформите подписку VK Donut в нашем сообществе.\n"+
				"2. Напишите сообществу «оплатил» — бот пришлёт код доступа.\n"+
				"3. Отправьте код сюда.\n\n"+
				"Любое другое сообщение передам администраторам.")
		welcome.ReplyMarkup = GetReplyKeyboard(msg.From.ID)
		b.queue.EnqueueAsync(welcome)
	case "help":
		b.queue.EnqueueAsync(tgbotapi.NewMessage(msg.From.ID,
			"Отправьте код доступа из VK, чтобы получить приглашение в канал.\n"+
				"Вопросы — просто напишите сюда, админы ответят."))
	default:
		b.queue.EnqueueAsync(tgbotapi.NewMessage(msg.From.ID,
			"Неизвестная команда. /help — справка."))
	}
}

// handleRedeem привязывает код к Telegram-аккаунту и выдаёт ссылку на канал.
func (b *Bot) handleRedeem(userID int64, key string) {
	u, err := b.keys.Redeem(key, userID)
	if err != nil {
		logger.Error("Ошибка активации кода", zap.Error(err))
		b.queue.EnqueueAsync(tgbotapi.NewMessage(userID,
			"😔 Не получилось проверить код, попробуйте позже."))
		return
	}
	if u == nil {
		b.queue.EnqueueAsync(tgbotapi.NewMessage(userID,
			"❌ Код не найден или уже использован. Проверьте код или напишите сюда — передам админам."))
		return
	}

	if u.VkID != nil {
		if err := b.store.BindCachedDonorTg(*u.VkID, userID); err != nil {
			logger.Error("Ошибка обновления кэша донов", zap.Error(err))
		}
	}

	text := "✅ Код принят! Доступ к каналу открыт до " +
		formatDate(u.NextPayment) + "."
	if config.AppCfg.GroupLink != "" {
		text += "\n\nВступайте: " + config.AppCfg.GroupLink +
			"\nЗаявка будет одобрена автоматически."
	}
	b.queue.EnqueueAsync(tgbotapi.NewMessage(userID, text))
	logger.Info("Код активирован", zap.Int64("tg_id", userID))
}

// handleJoinRequest одобряет заявку только зарегистрированным плательщикам.
func (b *Bot) handleJoinRequest(req *tgbotapi.ChatJoinRequest) {
	eventKey := fmt.Sprintf("join:%d:%d", req.Chat.ID, req.From.ID)
	if b.guard.SeenEvent(eventKey) {
		return
	}

	ok, err := b.keys.IsRedeemed(req.From.ID)
	if err != nil {
		logger.Error("Ошибка проверки заявки на вступление",
			zap.Int64("tg_id", req.From.ID), zap.Error(err))
		return
	}

	if ok {
		if err := b.gw.ApproveJoinRequest(req.Chat.ID, req.From.ID); err != nil {
			logger.Error("Ошибка одобрения заявки", zap.Error(err))
			return
		}
		b.queue.EnqueueAsync(tgbotapi.NewMessage(req.From.ID,
			"🎉 Заявка одобрена, добро пожаловать в канал!"))
		logger.Info("Заявка одобрена", zap.Int64("tg_id", req.From.ID))
		return
	}

	if err := b.gw.DeclineJoinRequest(req.Chat.ID, req.From.ID); err != nil {
		logger.Error("Ошибка отклонения заявки", zap.Error(err))
	}
	b.queue.EnqueueAsync(tgbotapi.NewMessage(req.From.ID,
		"❌ Заявка отклонена: сначала активируйте код доступа у бота."))
	logger.Info("Заявка отклонена", zap.Int64("tg_id", req.From.ID))
}

// handleChatMember фиксирует выход активного плательщика из канала.
// Запись не трогаем: он может вернуться по заявке без нового кода.
func (b *Bot) handleChatMember(upd *tgbotapi.ChatMemberUpdated) {
	if upd.NewChatMember.Status != "left" && upd.NewChatMember.Status != "kicked" {
		return
	}
	ok, err := b.keys.IsRedeemed(upd.From.ID)
	if err != nil || !ok {
		return
	}
	logger.Info("Активный подписчик покинул канал",
		zap.Int64("tg_id", upd.From.ID),
		zap.String("status", upd.NewChatMember.Status))
	b.queue.EnqueueAsync(tgbotapi.NewMessage(upd.From.ID,
		"Вы покинули канал, но подписка ещё действует. "+
			"Подайте заявку на вступление — она будет одобрена автоматически."))
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	if !config.AppCfg.IsTgAdmin(cb.From.ID) {
		return
	}
	if strings.HasPrefix(cb.Data, "start_dialog:") {
		userID, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, "start_dialog:"), 10, 64)
		if err != nil {
			return
		}
		b.startDialog(cb.From.ID, userID)
	}
	// закрываем «часики» на кнопке
	if err := b.gw.AnswerCallback(cb.ID); err != nil {
		logger.Debug("Ошибка ответа на callback", zap.Error(err))
	}
}

func (b *Bot) upsertProfile(from *tgbotapi.User) {
	err := b.store.UpsertTgUser(&db.TgUser{
		UserID:       from.ID,
		Username:     from.UserName,
		FirstName:    from.FirstName,
		LastName:     from.LastName,
		LanguageCode: from.LanguageCode,
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		logger.Error("Ошибка обновления профиля", zap.Error(err))
	}
}

func displayName(from *tgbotapi.User) string {
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if from.UserName != "" {
		name += " (@" + from.UserName + ")"
	}
	return name
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "—"
	}
	return t.Format("02.01.2006")
}
