package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"donut-access-bot/internal/logger"
)

const (
	// глобальный лимит Bot API — 30 msg/s, держимся с запасом
	maxPerSecond = 20
	minGap       = 100 * time.Millisecond
)

type queueItem struct {
	msg      tgbotapi.Chattable
	done     chan sendResult
	priority bool
}

type sendResult struct {
	sent tgbotapi.Message
	err  error
}

// SendQueue сериализует исходящие сообщения: не больше 20 в секунду,
// пауза минимум 100 мс между отправками. При 429 сообщение возвращается
// в голову очереди и отправка замирает на retry_after.
type SendQueue struct {
	gw Gateway

	mu     sync.Mutex
	items  []*queueItem
	notify chan struct{}
}

func NewSendQueue(gw Gateway) *SendQueue {
	return &SendQueue{
		gw:     gw,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue ставит сообщение в хвост очереди и блокируется до результата.
func (q *SendQueue) Enqueue(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return q.enqueue(msg, false)
}

// EnqueuePriority ставит сообщение перед обычными, сохраняя порядок
// приоритетных между собой.
func (q *SendQueue) EnqueuePriority(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return q.enqueue(msg, true)
}

// EnqueueAsync ставит сообщение без ожидания результата;
// ошибка доставки уйдёт только в лог.
func (q *SendQueue) EnqueueAsync(msg tgbotapi.Chattable) {
	item := &queueItem{msg: msg}
	q.push(item)
}

func (q *SendQueue) enqueue(msg tgbotapi.Chattable, priority bool) (tgbotapi.Message, error) {
	item := &queueItem{msg: msg, done: make(chan sendResult, 1), priority: priority}
	q.push(item)
	res := <-item.done
	return res.sent, res.err
}

func (q *SendQueue) push(item *queueItem) {
	q.mu.Lock()
	if item.priority {
		// вставляем после последнего приоритетного
		i := 0
		for i < len(q.items) && q.items[i].priority {
			i++
		}
		q.items = append(q.items, nil)
		copy(q.items[i+1:], q.items[i:])
		q.items[i] = item
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *SendQueue) popHead() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *SendQueue) pushHead(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*queueItem{item}, q.items...)
}

// Run — рабочий цикл очереди; завершается по отмене ctx.
func (q *SendQueue) Run(ctx context.Context) {
	var sentThisSecond int
	windowStart := time.Now()

	for {
		item := q.popHead()
		if item == nil {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			}
		}

		// скользящее окно в одну секунду
		if time.Since(windowStart) >= time.Second {
			windowStart = time.Now()
			sentThisSecond = 0
		}
		if sentThisSecond >= maxPerSecond {
			wait := time.Second - time.Since(windowStart)
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					q.finish(item, tgbotapi.Message{}, ctx.Err())
					q.drain(ctx.Err())
					return
				}
			}
			windowStart = time.Now()
			sentThisSecond = 0
		}

		sent, err := q.gw.SendMessage(item.msg)

		var rle *RateLimitError
		if errors.As(err, &rle) {
			logger.Info("Лимит Telegram, пауза",
				zap.Duration("retry_after", rle.RetryAfter))
			q.pushHead(item)
			select {
			case <-time.After(rle.RetryAfter):
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			}
			continue
		}

		q.finish(item, sent, err)
		sentThisSecond++

		select {
		case <-time.After(minGap):
		case <-ctx.Done():
			q.drain(ctx.Err())
			return
		}
	}
}

func (q *SendQueue) finish(item *queueItem, sent tgbotapi.Message, err error) {
	if item.done != nil {
		item.done <- sendResult{sent: sent, err: err}
		return
	}
	if err != nil && !errors.Is(err, ErrRecipientUnreachable) {
		logger.Error("Ошибка отправки сообщения из очереди", zap.Error(err))
	}
}

func (q *SendQueue) drain(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range items {
		if it.done != nil {
			it.done <- sendResult{err: err}
		}
	}
}
