package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.NoError(t, classify(nil))

	blocked := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	require.ErrorIs(t, classify(blocked), ErrRecipientUnreachable)

	notFound := &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}
	require.ErrorIs(t, classify(notFound), ErrRecipientUnreachable)

	deactivated := &tgbotapi.Error{Code: 403, Message: "Forbidden: user is deactivated"}
	require.ErrorIs(t, classify(deactivated), ErrRecipientUnreachable)

	limited := &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 7",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7},
	}
	var rle *RateLimitError
	require.ErrorAs(t, classify(limited), &rle)
	require.Equal(t, 7*time.Second, rle.RetryAfter)

	// прочие ошибки проходят как есть
	other := errors.New("network down")
	require.Equal(t, other, classify(other))
}

type recordingGateway struct {
	mu    sync.Mutex
	sent  []string
	errs  []error
	calls int
}

func (g *recordingGateway) SendMessage(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := msg.(tgbotapi.MessageConfig); ok {
		g.sent = append(g.sent, m.Text)
	}
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{}, nil
}

func (g *recordingGateway) GetChatMember(chatID, userID int64) (tgbotapi.ChatMember, error) {
	return tgbotapi.ChatMember{}, nil
}
func (g *recordingGateway) ApproveJoinRequest(chatID, userID int64) error { return nil }
func (g *recordingGateway) DeclineJoinRequest(chatID, userID int64) error { return nil }
func (g *recordingGateway) BanMember(chatID, userID int64) error          { return nil }
func (g *recordingGateway) UnbanMember(chatID, userID int64) error        { return nil }
func (g *recordingGateway) AnswerCallback(callbackID string) error        { return nil }

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewSendQueue(&recordingGateway{})

	q.EnqueueAsync(tgbotapi.NewMessage(1, "a"))
	q.EnqueueAsync(tgbotapi.NewMessage(1, "b"))
	q.push(&queueItem{msg: tgbotapi.NewMessage(1, "p1"), priority: true})
	q.push(&queueItem{msg: tgbotapi.NewMessage(1, "p2"), priority: true})

	var order []string
	for {
		item := q.popHead()
		if item == nil {
			break
		}
		m := item.msg.(tgbotapi.MessageConfig)
		order = append(order, m.Text)
	}
	require.Equal(t, []string{"p1", "p2", "a", "b"}, order)
}

func TestQueueDeliversAndReturnsResult(t *testing.T) {
	gw := &recordingGateway{}
	q := NewSendQueue(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue(tgbotapi.NewMessage(1, "привет"))
	require.NoError(t, err)
	require.Equal(t, []string{"привет"}, gw.sent)
}

func TestQueueRetriesAfterRateLimit(t *testing.T) {
	gw := &recordingGateway{
		errs: []error{&RateLimitError{RetryAfter: 10 * time.Millisecond}},
	}
	q := NewSendQueue(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue(tgbotapi.NewMessage(1, "повтор"))
	require.NoError(t, err)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Equal(t, 2, gw.calls, "после 429 сообщение уходит повторно")
}

func TestQueuePropagatesUnreachable(t *testing.T) {
	gw := &recordingGateway{errs: []error{ErrRecipientUnreachable}}
	q := NewSendQueue(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue(tgbotapi.NewMessage(1, "x"))
	require.ErrorIs(t, err, ErrRecipientUnreachable)
}
