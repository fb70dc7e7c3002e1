package vkbot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"donut-access-bot/config"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/guard"
	"donut-access-bot/internal/keys"
	"donut-access-bot/internal/logger"
	"donut-access-bot/internal/vkapi"
)

// VK — подмножество vkapi.Client, нужное обработчику.
type VK interface {
	SendMessage(peerID int64, text string) error
	GetUser(userID int64) (*vkapi.Profile, error)
}

// Handler обрабатывает события VK: заявки «оплатил», события Donut
// и команды админов сообщества.
type Handler struct {
	vk       VK
	store    *db.Store
	keys     *keys.Service
	guard    *guard.Guard
	verifier keys.Verifier
}

func New(vk VK, store *db.Store, keySvc *keys.Service,
	g *guard.Guard, verifier keys.Verifier) *Handler {
	return &Handler{vk: vk, store: store, keys: keySvc, guard: g, verifier: verifier}
}

// HandleEvent — точка входа для событий Long Poll.
func (h *Handler) HandleEvent(ev vkapi.Event) {
	defer logger.NotifyOnPanic("vk event")

	if ev.EventID != "" && h.guard.SeenEvent("vk:"+ev.EventID) {
		return
	}

	switch ev.Type {
	case "message_new":
		var m vkapi.MessageNew
		if err := json.Unmarshal(ev.Object, &m); err != nil {
			logger.Error("Ошибка разбора message_new", zap.Error(err))
			return
		}
		h.handleMessage(m.Message.FromID, m.Message.PeerID, m.Message.Text)
	case "donut_subscription_create", "donut_subscription_prolonged":
		var d vkapi.DonutNew
		if err := json.Unmarshal(ev.Object, &d); err != nil {
			logger.Error("Ошибка разбора donut-события", zap.Error(err))
			return
		}
		h.handleDonut(d.UserID, d.Amount)
	}
}

func (h *Handler) handleMessage(fromID, peerID int64, text string) {
	if fromID <= 0 {
		return
	}
	h.upsertProfile(fromID)

	lower := strings.ToLower(strings.TrimSpace(text))

	if config.AppCfg.IsVkAdmin(fromID) {
		if h.handleAdminCommand(fromID, peerID, lower) {
			return
		}
	}

	// повтор «оплатил» ограничивает платёжная пауза, а не дедуп текста
	checkText := text
	if isPaymentClaim(lower) {
		checkText = ""
	}
	switch h.guard.Check(fromID, checkText) {
	case guard.Drop:
		return
	case guard.Warn:
		wait := h.guard.CooldownRemaining(fromID).Round(time.Minute)
		h.reply(peerID, fmt.Sprintf(
			"⚠️ Слишком много сообщений. Подождите %s и напишите снова.", wait))
		return
	case guard.Block:
		h.reply(peerID, "🚫 Вы заблокированы за нарушение правил общения с сообществом.")
		return
	}

	switch {
	case isPaymentClaim(lower):
		h.handlePaymentClaim(fromID, peerID)
	case lower == "/start" || lower == "начать" || lower == "start":
		h.reply(peerID,
			"👋 Привет! После оплаты подписки VK Donut напишите сюда «оплатил» — "+
				"я проверю подписку и пришлю код доступа к Telegram-каналу.")
	default:
		h.reply(peerID,
			"Напишите «оплатил» после оформления подписки VK Donut, "+
				"и я пришлю код доступа.")
	}
}

func isPaymentClaim(lower string) bool {
	return lower == "оплатил" || lower == "оплатила"
}

// handlePaymentClaim проверяет подписку и выдаёт код. Блокировка на vk_id
// не даёт параллельным «оплатил» выдать два кода, пауза после обработанной
// заявки держит повторные 30 секунд.
func (h *Handler) handlePaymentClaim(vkID, peerID int64) {
	if h.guard.SeenPayment(vkID) {
		return
	}
	if h.guard.ClaimPauseActive(vkID) {
		h.reply(peerID,
			"⏳ Ваша заявка уже обработана. Подождите немного, прежде чем писать «оплатил» снова.")
		return
	}
	if !h.guard.AcquirePaymentLock(vkID) {
		logger.Debug("Заявка уже обрабатывается", zap.Int64("vk_id", vkID))
		h.reply(peerID, "⏳ Ваша заявка уже обрабатывается, подождите немного.")
		return
	}
	defer h.guard.ReleasePaymentLock(vkID)

	// trace_id связывает все записи журнала по одной заявке
	traceID := uuid.NewString()
	logger.Info("Заявка на проверку оплаты",
		zap.String("trace_id", traceID), zap.Int64("vk_id", vkID))

	active, err := h.verifier.IsActivePayer(vkID)
	if err != nil {
		logger.Error("Ошибка проверки подписки",
			zap.String("trace_id", traceID), zap.Int64("vk_id", vkID), zap.Error(err))
		h.reply(peerID, "😔 Не получилось проверить подписку, попробуйте позже.")
		return
	}

	if !active {
		p, err := h.store.UpsertPendingUser(vkID, time.Now())
		if err != nil {
			logger.Error("Ошибка записи заявки", zap.Error(err))
		}
		attempts := 0
		if p != nil {
			attempts = p.Attempts
		}
		logger.Info("Подписка не подтверждена",
			zap.String("trace_id", traceID),
			zap.Int64("vk_id", vkID), zap.Int("attempts", attempts))
		h.reply(peerID,
			"❌ Подписка VK Donut не найдена. Если вы только что оплатили, "+
				"подождите пару минут и напишите «оплатил» ещё раз.\n"+
				"Заявка передана администраторам.")
		return
	}

	// действующий код показываем повторно, ничего не меняя:
	// иначе повторное «оплатил» сбрасывало бы привязку и дарило продление
	if u, err := h.store.GetUserByVkID(vkID); err == nil &&
		u != nil && u.IsActive && u.AccessKey != nil {
		h.guard.StartClaimPause(vkID)
		logger.Info("Повторная заявка, код уже выдан",
			zap.String("trace_id", traceID), zap.Int64("vk_id", vkID))
		h.reply(peerID, fmt.Sprintf(
			"ℹ️ У вас уже есть код доступа: %s\n\n"+
				"Отправьте его нашему Telegram-боту, чтобы получить доступ к каналу.",
			*u.AccessKey))
		return
	}

	name := ""
	if p, err := h.vk.GetUser(vkID); err == nil {
		name = p.FullName()
	}

	u, err := h.keys.IssueOrRefresh(vkID, name, config.AppCfg.DonutAmount)
	if err != nil {
		logger.Error("Ошибка выдачи кода",
			zap.String("trace_id", traceID), zap.Int64("vk_id", vkID), zap.Error(err))
		h.reply(peerID, "😔 Что-то пошло не так, напишите «оплатил» позже.")
		return
	}
	if err := h.store.AddDonation(vkID, config.AppCfg.DonutAmount, time.Now()); err != nil {
		logger.Error("Ошибка записи доната", zap.Error(err))
	}

	h.guard.StartClaimPause(vkID)
	h.reply(peerID, fmt.Sprintf(
		"✅ Подписка подтверждена!\n\nВаш код доступа: %s\n\n"+
			"Отправьте его нашему Telegram-боту, чтобы получить доступ к каналу.",
		*u.AccessKey))
}

// handleDonut фиксирует событие Donut: журнал + продление записи.
// Код пользователю не шлём, он получит его по слову «оплатил».
func (h *Handler) handleDonut(vkID int64, amount float64) {
	if h.guard.SeenPayment(vkID) {
		return
	}
	if err := h.store.AddDonation(vkID, amount, time.Now()); err != nil {
		logger.Error("Ошибка записи доната", zap.Error(err))
	}
	if u, err := h.store.GetUserByVkID(vkID); err == nil && u != nil {
		name := u.VkName
		if _, err := h.keys.IssueOrRefresh(vkID, name, amount); err != nil {
			logger.Error("Ошибка продления по donut-событию", zap.Error(err))
		}
	}
	logger.Info("Donut-событие обработано",
		zap.Int64("vk_id", vkID), zap.Float64("amount", amount))
}

// handleAdminCommand — true, если текст был командой админа.
func (h *Handler) handleAdminCommand(adminID, peerID int64, lower string) bool {
	switch {
	case lower == "/pending":
		h.cmdPending(peerID)
		return true
	case strings.HasPrefix(lower, "/approve"):
		h.cmdApprove(peerID, lower)
		return true
	case lower == "/test":
		h.reply(peerID, fmt.Sprintf(
			"✅ Бот работает.\nСообщество: %d\nАдминов VK: %d\nСумма подписки: %.0f ₽",
			config.AppCfg.VkGroupID, len(config.AppCfg.AdminVkIDs),
			config.AppCfg.DonutAmount))
		return true
	}
	return false
}

func (h *Handler) cmdPending(peerID int64) {
	list, err := h.store.PendingUsers()
	if err != nil {
		logger.Error("Ошибка чтения заявок", zap.Error(err))
		return
	}
	if len(list) == 0 {
		h.reply(peerID, "Необработанных заявок нет.")
		return
	}
	var sb strings.Builder
	sb.WriteString("⏳ Заявки:\n")
	for _, p := range list {
		fmt.Fprintf(&sb, "• vk.com/id%d — попыток: %d, последняя: %s\n",
			p.VkID, p.Attempts, p.LastAttempt.Format("02.01 15:04"))
	}
	sb.WriteString("\n/approve <vk_id> — одобрить")
	h.reply(peerID, sb.String())
}

func (h *Handler) cmdApprove(peerID int64, lower string) {
	fields := strings.Fields(lower)
	if len(fields) < 2 {
		h.reply(peerID, "Использование: /approve <vk_id>")
		return
	}
	vkID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || vkID <= 0 {
		h.reply(peerID, "Некорректный vk_id.")
		return
	}
	if err := h.store.ApprovePendingUser(vkID); err != nil {
		logger.Error("Ошибка одобрения заявки", zap.Error(err))
		return
	}
	h.reply(peerID, fmt.Sprintf("✅ Заявка vk.com/id%d одобрена.", vkID))
	if err := h.vk.SendMessage(vkID,
		"✅ Ваша заявка одобрена! Напишите «оплатил», чтобы получить код доступа."); err == nil {
		logger.Info("Пользователь уведомлён об одобрении", zap.Int64("vk_id", vkID))
	}
}

func (h *Handler) upsertProfile(vkID int64) {
	p, err := h.vk.GetUser(vkID)
	if err != nil {
		return
	}
	if err := h.store.UpsertVkUser(&db.VkUser{
		UserID:     vkID,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		ScreenName: p.ScreenName,
		UpdatedAt:  time.Now(),
	}); err != nil {
		logger.Error("Ошибка обновления VK-профиля", zap.Error(err))
	}
}

func (h *Handler) reply(peerID int64, text string) {
	if err := h.vk.SendMessage(peerID, text); err != nil {
		logger.Error("Ошибка ответа в VK", zap.Int64("peer_id", peerID), zap.Error(err))
	}
}
