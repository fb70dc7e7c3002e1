package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

// ErrRecipientUnreachable — доставка невозможна: бот заблокирован
// получателем, чат не найден или аккаунт удалён. Повторять бессмысленно.
var ErrRecipientUnreachable = errors.New("получатель недоступен")

// RateLimitError — платформа попросила подождать.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("превышен лимит запросов, повтор через %s", e.RetryAfter)
}

// Gateway абстрагирует исходящие вызовы Telegram, чтобы логику можно было
// тестировать без сети.
type Gateway interface {
	SendMessage(msg tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChatMember(chatID, userID int64) (tgbotapi.ChatMember, error)
	ApproveJoinRequest(chatID, userID int64) error
	DeclineJoinRequest(chatID, userID int64) error
	BanMember(chatID, userID int64) error
	UnbanMember(chatID, userID int64) error
	AnswerCallback(callbackID string) error
}

// TelegramGateway — боевая реализация поверх tgbotapi.
type TelegramGateway struct {
	bot *tgbotapi.BotAPI
}

func NewTelegram(bot *tgbotapi.BotAPI) *TelegramGateway {
	return &TelegramGateway{bot: bot}
}

func (g *TelegramGateway) SendMessage(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	sent, err := g.bot.Send(msg)
	if err != nil {
		return sent, classify(err)
	}
	return sent, nil
}

func (g *TelegramGateway) GetChatMember(chatID, userID int64) (tgbotapi.ChatMember, error) {
	member, err := g.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		return member, classify(err)
	}
	return member, nil
}

func (g *TelegramGateway) ApproveJoinRequest(chatID, userID int64) error {
	_, err := g.bot.Request(tgbotapi.ApproveChatJoinRequestConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
	return classify(err)
}

func (g *TelegramGateway) DeclineJoinRequest(chatID, userID int64) error {
	_, err := g.bot.Request(tgbotapi.DeclineChatJoinRequest{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
		UserID:     userID,
	})
	return classify(err)
}

func (g *TelegramGateway) BanMember(chatID, userID int64) error {
	_, err := g.bot.Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
	})
	return classify(err)
}

func (g *TelegramGateway) UnbanMember(chatID, userID int64) error {
	_, err := g.bot.Request(tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
		OnlyIfBanned: true,
	})
	return classify(err)
}

func (g *TelegramGateway) AnswerCallback(callbackID string) error {
	_, err := g.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return classify(err)
}

// classify переводит ошибки Bot API в ошибки шлюза:
// 403/"bot was blocked" и т.п. — получатель недоступен,
// 429 — лимит с retry_after, остальное — временная ошибка как есть.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return &RateLimitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "blocked by the user"),
			strings.Contains(msg, "chat not found"),
			strings.Contains(msg, "user is deactivated"),
			strings.Contains(msg, "bot can't initiate conversation"):
			logger.Debug("Получатель недоступен", zap.String("api_error", apiErr.Message))
			return fmt.Errorf("%w: %s", ErrRecipientUnreachable, apiErr.Message)
		}
	}
	return err
}
