package vkbot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"donut-access-bot/config"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/guard"
	"donut-access-bot/internal/keys"
	"donut-access-bot/internal/vkapi"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeVK struct {
	sent map[int64][]string
}

func newFakeVK() *fakeVK { return &fakeVK{sent: map[int64][]string{}} }

func (f *fakeVK) SendMessage(peerID int64, text string) error {
	f.sent[peerID] = append(f.sent[peerID], text)
	return nil
}

func (f *fakeVK) GetUser(userID int64) (*vkapi.Profile, error) {
	return &vkapi.Profile{ID: userID, FirstName: "Иван", LastName: "Тестов"}, nil
}

func (f *fakeVK) lastTo(peerID int64) string {
	msgs := f.sent[peerID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type stubVerifier struct {
	active bool
}

func (s *stubVerifier) IsActivePayer(vkID int64) (bool, error) { return s.active, nil }

func newTestHandler(t *testing.T, v keys.Verifier) (*Handler, *fakeVK, *db.Store, *keys.Service, *fakeClock) {
	t.Helper()
	config.AppCfg.DonutAmount = 99
	config.AppCfg.AdminVkIDs = nil

	store, err := db.Open("", ":memory:")
	require.NoError(t, err)

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := guard.New(guard.Options{
		Clock:     clk.Now,
		IsAdmin:   config.AppCfg.IsVkAdmin,
		IsBlocked: store.IsBlocked,
		PersistBlock: func(id int64, reason string) error {
			return store.BlockUser(id, 0, reason)
		},
	})
	keySvc := keys.NewService(store, v)
	keySvc.SetClock(clk.Now)

	vk := newFakeVK()
	return New(vk, store, keySvc, g, v), vk, store, keySvc, clk
}

func TestPaymentClaimIssuesKey(t *testing.T) {
	h, vk, store, _, _ := newTestHandler(t, &stubVerifier{active: true})

	h.handleMessage(10, 10, "оплатил")

	u, err := store.GetUserByVkID(10)
	require.NoError(t, err)
	require.NotNil(t, u)
	require.NotNil(t, u.AccessKey)
	require.Contains(t, vk.lastTo(10), *u.AccessKey)
}

func TestRepeatClaimWithinPauseGetsWaitReply(t *testing.T) {
	h, vk, store, _, clk := newTestHandler(t, &stubVerifier{active: true})

	h.handleMessage(10, 10, "оплатил")
	u, err := store.GetUserByVkID(10)
	require.NoError(t, err)
	next := *u.NextPayment

	// повтор через пять секунд: вежливый отказ, без второй выдачи
	clk.Advance(5 * time.Second)
	vk.sent[10] = nil
	h.handleMessage(10, 10, "оплатил")

	require.Contains(t, vk.lastTo(10), "⏳")
	require.NotContains(t, vk.lastTo(10), *u.AccessKey)

	again, err := store.GetUserByVkID(10)
	require.NoError(t, err)
	require.True(t, next.Equal(*again.NextPayment), "срок не продлевается")
}

func TestRepeatClaimKeepsBindingAndTerm(t *testing.T) {
	h, vk, store, keySvc, clk := newTestHandler(t, &stubVerifier{active: true})

	h.handleMessage(10, 10, "оплатил")
	u, err := store.GetUserByVkID(10)
	require.NoError(t, err)
	key := *u.AccessKey
	next := *u.NextPayment

	// код привязан к Telegram-аккаунту
	_, err = keySvc.Redeem(key, 777)
	require.NoError(t, err)

	// повтор после паузы показывает тот же код и ничего не меняет
	clk.Advance(time.Minute)
	vk.sent[10] = nil
	h.handleMessage(10, 10, "оплатил")
	require.Contains(t, vk.lastTo(10), key)

	redeemed, err := keySvc.IsRedeemed(777)
	require.NoError(t, err)
	require.True(t, redeemed, "привязка переживает повторное «оплатил»")

	again, err := store.GetUserByVkID(10)
	require.NoError(t, err)
	require.True(t, next.Equal(*again.NextPayment), "бесплатного продления нет")
}

func TestBlockedSenderIgnored(t *testing.T) {
	h, vk, store, _, _ := newTestHandler(t, &stubVerifier{active: true})

	require.NoError(t, store.BlockUser(55, 0, "спам"))
	h.handleMessage(55, 55, "привет")
	require.Empty(t, vk.sent[55])
}

func TestFloodGetsCooldownWarning(t *testing.T) {
	h, vk, _, _, clk := newTestHandler(t, &stubVerifier{active: true})

	for i := 0; i < 10; i++ {
		h.handleMessage(20, 20, fmt.Sprintf("вопрос %d", i))
		clk.Advance(time.Second)
	}

	vk.sent[20] = nil
	h.handleMessage(20, 20, "ещё вопрос")
	require.Contains(t, vk.lastTo(20), "Подождите")
}
