package guard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

const (
	floodLimit    = 10
	floodWindow   = 60 * time.Second
	baseCooldown  = 10 * time.Minute
	warnThrottle  = 60 * time.Second
	eventDedupTTL = 5 * time.Minute
	textDedupTTL  = 30 * time.Second
	paymentBucket = 500 * time.Millisecond
	paymentLock   = 60 * time.Second
	claimPause    = 30 * time.Second
	maxWarnings   = 3
	maxURLs       = 3
	maxRepeatRun  = 10
)

// слова, по которым сообщение считается спамом
var spamWords = []string{
	"заработок", "казино", "ставки", "инвестиции в крипту",
	"быстрые деньги", "пассивный доход", "подпишись на канал",
}

// Verdict — решение по входящему сообщению.
type Verdict int

const (
	// Allow — пропустить сообщение в обработку
	Allow Verdict = iota
	// Drop — отбросить молча
	Drop
	// Warn — отбросить и отправить предупреждение
	Warn
	// Block — отправитель превысил лимит предупреждений и заблокирован
	Block
)

// Guard фильтрует входящие: блок-лист, охлаждение после флуда, спам-эвристики,
// дедупликация событий и текстов. Всё состояние в памяти, кроме стойких
// блокировок, которые уходят в базу через persistBlock.
type Guard struct {
	now          Clock
	isAdmin      func(id int64) bool
	isBlocked    func(id int64) (bool, error)
	persistBlock func(id int64, reason string) error

	cooldowns *ExpiringMap
	warnSent  *ExpiringMap
	events    *ExpiringMap
	texts     *ExpiringMap
	payments  *ExpiringMap

	mu       sync.Mutex
	history  map[int64][]time.Time
	warnings map[int64]int
}

// Options — внешние зависимости Guard.
type Options struct {
	Clock        Clock
	IsAdmin      func(id int64) bool
	IsBlocked    func(id int64) (bool, error)
	PersistBlock func(id int64, reason string) error
}

func New(opts Options) *Guard {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Guard{
		now:          now,
		isAdmin:      opts.IsAdmin,
		isBlocked:    opts.IsBlocked,
		persistBlock: opts.PersistBlock,
		cooldowns:    NewExpiringMap(now),
		warnSent:     NewExpiringMap(now),
		events:       NewExpiringMap(now),
		texts:        NewExpiringMap(now),
		payments:     NewExpiringMap(now),
		history:      make(map[int64][]time.Time),
		warnings:     make(map[int64]int),
	}
}

// Check прогоняет сообщение через все слои фильтра по порядку:
// блок-лист → охлаждение → спам-эвристики → флуд → дубликат текста.
// Админы проходят без проверок.
func (g *Guard) Check(senderID int64, text string) Verdict {
	if g.isAdmin != nil && g.isAdmin(senderID) {
		return Allow
	}

	if g.isBlocked != nil {
		blocked, err := g.isBlocked(senderID)
		if err != nil {
			logger.Error("Ошибка проверки блок-листа", zap.Error(err))
		} else if blocked {
			return Drop
		}
	}

	cooldownKey := fmt.Sprintf("cd:%d", senderID)
	if _, ok := g.cooldowns.Get(cooldownKey); ok {
		// предупреждаем не чаще раза в минуту, остальное молча
		if g.warnSent.SetIfAbsent(fmt.Sprintf("ws:%d", senderID), true, warnThrottle) {
			return Warn
		}
		return Drop
	}

	if looksLikeSpam(text) {
		return g.registerViolation(senderID, "спам-содержимое")
	}

	if g.floodExceeded(senderID) {
		return g.registerViolation(senderID, "флуд")
	}

	if text != "" && !g.texts.SetIfAbsent(textKey(senderID, text), true, textDedupTTL) {
		return Drop
	}

	return Allow
}

// SeenEvent дедуплицирует событие платформы по его ключу.
// Возвращает true, если событие уже обрабатывалось.
func (g *Guard) SeenEvent(key string) bool {
	return !g.events.SetIfAbsent("ev:"+key, true, eventDedupTTL)
}

// SeenPayment схлопывает всплеск одинаковых платёжных событий:
// события одного плательщика в пределах 500 мс считаются одним.
func (g *Guard) SeenPayment(vkID int64) bool {
	bucket := g.now().UnixMilli() / paymentBucket.Milliseconds()
	key := fmt.Sprintf("pay:%d:%d", vkID, bucket)
	return !g.events.SetIfAbsent(key, true, eventDedupTTL)
}

// AcquirePaymentLock берёт эксклюзивную блокировку на обработку заявки
// плательщика. TTL — страховка на случай потерянного Release.
func (g *Guard) AcquirePaymentLock(vkID int64) bool {
	return g.payments.SetIfAbsent(fmt.Sprintf("lock:%d", vkID), true, paymentLock)
}

// ReleasePaymentLock снимает блокировку платежа.
func (g *Guard) ReleasePaymentLock(vkID int64) {
	g.payments.Delete(fmt.Sprintf("lock:%d", vkID))
}

// ClaimPauseActive сообщает, действует ли пауза между заявками «оплатил»
// одного плательщика.
func (g *Guard) ClaimPauseActive(vkID int64) bool {
	_, ok := g.payments.Get(fmt.Sprintf("claim:%d", vkID))
	return ok
}

// StartClaimPause запускает 30-секундную паузу после обработанной заявки.
func (g *Guard) StartClaimPause(vkID int64) {
	g.payments.Set(fmt.Sprintf("claim:%d", vkID), true, claimPause)
}

// Warnings возвращает число предупреждений отправителя.
func (g *Guard) Warnings(senderID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.warnings[senderID]
}

// CooldownUntil возвращает срок окончания охлаждения отправителя.
func (g *Guard) CooldownUntil(senderID int64) (time.Time, bool) {
	return g.cooldowns.Deadline(fmt.Sprintf("cd:%d", senderID))
}

// CooldownRemaining возвращает остаток охлаждения отправителя или ноль.
func (g *Guard) CooldownRemaining(senderID int64) time.Duration {
	until, ok := g.cooldowns.Deadline(fmt.Sprintf("cd:%d", senderID))
	if !ok {
		return 0
	}
	return until.Sub(g.now())
}

// ResetWarnings сбрасывает счётчик предупреждений и снимает охлаждение.
// Вызывается при разблокировке администратором.
func (g *Guard) ResetWarnings(senderID int64) {
	g.cooldowns.Delete(fmt.Sprintf("cd:%d", senderID))
	g.warnSent.Delete(fmt.Sprintf("ws:%d", senderID))
	g.mu.Lock()
	delete(g.warnings, senderID)
	delete(g.history, senderID)
	g.mu.Unlock()
}

// Sweep выметает протухшие записи из всех карт. Счётчики предупреждений
// живут до рестарта процесса или сброса администратором.
func (g *Guard) Sweep() {
	removed := g.cooldowns.Sweep() + g.warnSent.Sweep() +
		g.events.Sweep() + g.texts.Sweep() + g.payments.Sweep()
	if removed > 0 {
		logger.Debug("Очистка карт антиспама", zap.Int("removed", removed))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-floodWindow)
	for id, stamps := range g.history {
		kept := stamps[:0]
		for _, t := range stamps {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(g.history, id)
		} else {
			g.history[id] = kept
		}
	}
}

// Run запускает периодическую выметку до закрытия stop.
func (g *Guard) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-stop:
			return
		}
	}
}

// registerViolation увеличивает счётчик предупреждений и назначает
// экспоненциальное охлаждение. На третьем нарушении — стойкая блокировка.
func (g *Guard) registerViolation(senderID int64, reason string) Verdict {
	g.mu.Lock()
	g.warnings[senderID]++
	n := g.warnings[senderID]
	g.mu.Unlock()

	if n >= maxWarnings {
		if g.persistBlock != nil {
			if err := g.persistBlock(senderID, reason); err != nil {
				logger.Error("Ошибка записи блокировки",
					zap.Int64("tg_id", senderID), zap.Error(err))
			}
		}
		logger.Info("Пользователь заблокирован за нарушения",
			zap.Int64("tg_id", senderID), zap.String("reason", reason))
		return Block
	}

	cooldown := baseCooldown * (1 << (n - 1))
	g.cooldowns.Set(fmt.Sprintf("cd:%d", senderID), reason, cooldown)
	g.warnSent.Set(fmt.Sprintf("ws:%d", senderID), true, warnThrottle)
	logger.Info("Назначено охлаждение",
		zap.Int64("tg_id", senderID),
		zap.String("reason", reason),
		zap.Duration("cooldown", cooldown),
		zap.Int("warnings", n))
	return Warn
}

func (g *Guard) floodExceeded(senderID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	cutoff := now.Add(-floodWindow)
	stamps := g.history[senderID]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.history[senderID] = kept
	return len(kept) > floodLimit
}

// looksLikeSpam — эвристики содержимого: избыток ссылок, длинные повторы
// одного символа, слова из денылиста.
func looksLikeSpam(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)

	if strings.Count(lower, "http://")+strings.Count(lower, "https://") > maxURLs {
		return true
	}

	run := 1
	var prev rune
	for i, r := range lower {
		if i > 0 && r == prev {
			run++
			if run >= maxRepeatRun {
				return true
			}
		} else {
			run = 1
		}
		prev = r
	}

	for _, w := range spamWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func textKey(senderID int64, text string) string {
	if len(text) > 64 {
		text = text[:64]
	}
	return fmt.Sprintf("txt:%d:%s", senderID, text)
}
