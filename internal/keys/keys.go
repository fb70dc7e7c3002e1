package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"donut-access-bot/internal/db"
	"donut-access-bot/internal/logger"
)

const (
	// начальная длина кода; при коллизиях длина растёт
	minKeyLength = 9
	maxAttempts  = 20

	// срок доступа после подтверждённого платежа
	subscriptionPeriod = 30 * 24 * time.Hour
)

// ErrKeySpaceExhausted возвращается, если свободный код не найден
// даже после роста длины. На практике недостижимо.
var ErrKeySpaceExhausted = errors.New("не удалось сгенерировать уникальный код доступа")

// Verifier решает, остаётся ли плательщик действующим доном.
// Используется при попытке перепривязать уже использованный код.
type Verifier interface {
	IsActivePayer(vkID int64) (bool, error)
}

// Service управляет жизненным циклом кодов доступа.
type Service struct {
	store    *db.Store
	verifier Verifier
	now      func() time.Time
}

func NewService(store *db.Store, verifier Verifier) *Service {
	return &Service{store: store, verifier: verifier, now: time.Now}
}

// SetClock подменяет источник времени (для тестов).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// GenerateUniqueKey выдаёт незанятый цифровой код. Коллизия удлиняет код
// на один знак, так что вероятность повтора падает на порядок за попытку.
func (s *Service) GenerateUniqueKey() (string, error) {
	length := minKeyLength
	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := randomDigits(length)
		if err != nil {
			return "", err
		}
		exists, err := s.store.AccessKeyExists(key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
		length++
		logger.Warn("Коллизия кода доступа, увеличиваем длину",
			zap.Int("length", length))
	}
	return "", ErrKeySpaceExhausted
}

// IssueOrRefresh фиксирует подтверждённый платёж: создаёт запись с новым
// кодом или продлевает существующую. Повторный платёж реактивирует запись
// и сбрасывает флаг использования, код остаётся прежним.
func (s *Service) IssueOrRefresh(vkID int64, vkName string, amount float64) (*db.User, error) {
	now := s.now()
	next := now.Add(subscriptionPeriod)

	existing, err := s.store.GetUserByVkID(vkID)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска пользователя vk_id=%d: %w", vkID, err)
	}

	if existing != nil {
		existing.PaymentDate = &now
		existing.NextPayment = &next
		existing.IsActive = true
		existing.Used = false
		existing.TotalAmount += amount
		if vkName != "" {
			existing.VkName = vkName
		}
		if err := s.store.SaveUser(existing); err != nil {
			return nil, fmt.Errorf("ошибка продления подписки vk_id=%d: %w", vkID, err)
		}
		logger.Info("Подписка продлена",
			zap.Int64("vk_id", vkID),
			zap.Time("next_payment", next))
		return existing, nil
	}

	key, err := s.GenerateUniqueKey()
	if err != nil {
		return nil, err
	}
	u := &db.User{
		VkID:        &vkID,
		AccessKey:   &key,
		PaymentDate: &now,
		NextPayment: &next,
		IsActive:    true,
		TotalAmount: amount,
		VkName:      vkName,
	}
	if err := s.store.CreateUser(u); err != nil {
		return nil, fmt.Errorf("ошибка создания записи vk_id=%d: %w", vkID, err)
	}
	logger.Info("Выдан новый код доступа",
		zap.Int64("vk_id", vkID),
		zap.Time("next_payment", next))
	return u, nil
}

// Redeem привязывает код к Telegram-аккаунту. Возвращает nil без ошибки,
// если код невалиден или недоступен для привязки:
//   - кода нет или запись неактивна — отказ;
//   - код свободен — привязка;
//   - код уже привязан к этому же tg_id — идемпотентный успех;
//   - код привязан к другому tg_id — перепривязка только если плательщик
//     по-прежнему действующий дон.
func (s *Service) Redeem(key string, tgID int64) (*db.User, error) {
	u, err := s.store.GetUserByAccessKey(key)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsActive {
		return nil, nil
	}

	if u.Used && u.TgID != nil {
		if *u.TgID == tgID {
			return u, nil
		}
		if u.VkID == nil {
			return nil, nil
		}
		active, err := s.verifier.IsActivePayer(*u.VkID)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки дона vk_id=%d: %w", *u.VkID, err)
		}
		if !active {
			return nil, nil
		}
		logger.Info("Код перепривязан к новому Telegram-аккаунту",
			zap.Int64("old_tg_id", *u.TgID),
			zap.Int64("new_tg_id", tgID))
	}

	u.TgID = &tgID
	u.Used = true
	if err := s.store.SaveUser(u); err != nil {
		return nil, fmt.Errorf("ошибка привязки кода: %w", err)
	}
	return u, nil
}

// IsRedeemed сообщает, привязан ли данный tg_id к активной записи.
func (s *Service) IsRedeemed(tgID int64) (bool, error) {
	u, err := s.store.GetUserByTgID(tgID)
	if err != nil {
		return false, err
	}
	return u != nil && u.IsActive && u.Used, nil
}

func randomDigits(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("ошибка генератора случайных чисел: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
