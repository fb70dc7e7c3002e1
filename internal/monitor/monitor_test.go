package monitor

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"donut-access-bot/internal/db"
	"donut-access-bot/internal/vkapi"
)

type fakeGateway struct {
	banned   []int64
	unbanned []int64
}

func (f *fakeGateway) SendMessage(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{}, nil
}
func (f *fakeGateway) GetChatMember(chatID, userID int64) (tgbotapi.ChatMember, error) {
	return tgbotapi.ChatMember{}, nil
}
func (f *fakeGateway) ApproveJoinRequest(chatID, userID int64) error { return nil }
func (f *fakeGateway) DeclineJoinRequest(chatID, userID int64) error { return nil }
func (f *fakeGateway) BanMember(chatID, userID int64) error {
	f.banned = append(f.banned, userID)
	return nil
}
func (f *fakeGateway) UnbanMember(chatID, userID int64) error {
	f.unbanned = append(f.unbanned, userID)
	return nil
}
func (f *fakeGateway) AnswerCallback(callbackID string) error { return nil }

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) EnqueueAsync(msg tgbotapi.Chattable) {
	if m, ok := msg.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
}

type fakeVK struct {
	members  []int64
	profiles map[int64]*vkapi.Profile
}

func (f *fakeVK) DonutMembers() ([]int64, error) { return f.members, nil }
func (f *fakeVK) GetUser(userID int64) (*vkapi.Profile, error) {
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return &vkapi.Profile{ID: userID}, nil
}

func newTestMonitor(t *testing.T, canRemove bool) (*Monitor, *db.Store, *fakeGateway, *fakeSender, *time.Time) {
	t.Helper()
	store, err := db.Open("", ":memory:")
	require.NoError(t, err)

	gw := &fakeGateway{}
	sender := &fakeSender{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := New(Options{
		Store:     store,
		Gateway:   gw,
		Sender:    sender,
		VK:        &fakeVK{},
		ChannelID: -100,
		AdminIDs:  []int64{1},
		CanRemove: canRemove,
		Clock:     func() time.Time { return now },
	})
	return m, store, gw, sender, &now
}

func seedExpiredUser(t *testing.T, store *db.Store, vkID, tgID int64, now time.Time) {
	t.Helper()
	key := "key" + time.Now().Format("150405.000000") + string(rune('a'+vkID%26))
	past := now.Add(-time.Hour)
	u := &db.User{
		VkID: &vkID, AccessKey: &key,
		NextPayment: &past, IsActive: true, Used: true,
	}
	if tgID != 0 {
		u.TgID = &tgID
	}
	require.NoError(t, store.CreateUser(u))
}

func TestDeactivateExpiredIsIdempotent(t *testing.T) {
	m, store, _, _, now := newTestMonitor(t, false)
	seedExpiredUser(t, store, 1, 10, *now)
	seedExpiredUser(t, store, 2, 0, *now)

	n, err := m.DeactivateExpired()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = m.DeactivateExpired()
	require.NoError(t, err)
	require.Equal(t, 0, n, "повторный запуск ничего не меняет")
}

func TestSweepExpiredKicksWhenAllowed(t *testing.T) {
	m, store, gw, sender, now := newTestMonitor(t, true)
	seedExpiredUser(t, store, 1, 10, *now)

	require.NoError(t, m.SweepExpired())

	require.Equal(t, []int64{10}, gw.banned)
	require.Equal(t, []int64{10}, gw.unbanned, "кик, не вечный бан")

	// пользователь уведомлён
	require.Len(t, sender.sent, 1)
	require.Equal(t, int64(10), sender.sent[0].ChatID)
}

func TestSweepExpiredDigestWhenRemovalForbidden(t *testing.T) {
	m, store, gw, sender, now := newTestMonitor(t, false)
	seedExpiredUser(t, store, 1, 10, *now)

	require.NoError(t, m.SweepExpired())

	require.Empty(t, gw.banned)
	require.Len(t, sender.sent, 1)
	require.Equal(t, int64(1), sender.sent[0].ChatID, "сводка уходит админу")
	require.Contains(t, sender.sent[0].Text, "10")
}

func TestCleanupStaleRunsAllSteps(t *testing.T) {
	m, store, _, _, now := newTestMonitor(t, false)

	seedExpiredUser(t, store, 1, 10, *now)
	require.NoError(t, store.SaveMessage(&db.UserMessage{
		TgID: 10, MessageText: "давно прочитано", IsRead: true,
		CreatedAt: now.Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, store.SaveMessage(&db.UserMessage{
		TgID: 10, MessageText: "свежее", IsRead: true,
		CreatedAt: *now,
	}))

	rep := m.CleanupStale()
	require.Empty(t, rep.Errors)
	require.Equal(t, 1, rep.Deactivated)
	require.Equal(t, int64(1), rep.ArchivedMessages)
	require.True(t, rep.CacheRefreshed)

	u, err := store.GetUserByVkID(1)
	require.NoError(t, err)
	require.False(t, u.IsActive)
}

func TestReconcileDonorCachePrefersDonations(t *testing.T) {
	m, store, _, _, now := newTestMonitor(t, false)

	require.NoError(t, store.AddDonation(5, 99, now.Add(-24*time.Hour)))

	// активная запись другого пользователя не попадает в кэш,
	// пока журнал донатов не пуст
	vk, key := int64(6), "987654321"
	next := now.Add(24 * time.Hour)
	require.NoError(t, store.CreateUser(&db.User{
		VkID: &vk, AccessKey: &key, NextPayment: &next, IsActive: true,
	}))

	require.NoError(t, m.ReconcileDonorCache())
	donors, err := store.CachedDonors()
	require.NoError(t, err)
	require.Len(t, donors, 1)
	require.Equal(t, int64(5), donors[0].VkID)
}

func TestReconcileDonorCacheFallsBackToActiveUsers(t *testing.T) {
	m, store, _, _, now := newTestMonitor(t, false)

	vk, key := int64(6), "987654321"
	next := now.Add(10 * 24 * time.Hour)
	require.NoError(t, store.CreateUser(&db.User{
		VkID: &vk, AccessKey: &key, NextPayment: &next, IsActive: true,
	}))

	require.NoError(t, m.ReconcileDonorCache())
	donors, err := store.CachedDonors()
	require.NoError(t, err)
	require.Len(t, donors, 1)
	require.Equal(t, int64(6), donors[0].VkID)
	require.Equal(t, 10, donors[0].SubscriptionDays)
	require.Equal(t, "10 дней", donors[0].SubscriptionDaysFormatted)
}

func TestReconcileDonorCacheEmptyIsValid(t *testing.T) {
	m, store, _, _, _ := newTestMonitor(t, false)

	require.NoError(t, m.ReconcileDonorCache())
	donors, err := store.CachedDonors()
	require.NoError(t, err)
	require.Empty(t, donors)
}

func TestFormatDays(t *testing.T) {
	cases := map[int]string{
		0:   "0 дней",
		1:   "1 день",
		2:   "2 дня",
		4:   "4 дня",
		5:   "5 дней",
		11:  "11 дней",
		21:  "21 день",
		22:  "22 дня",
		25:  "25 дней",
		101: "101 день",
	}
	for n, want := range cases {
		require.Equal(t, want, formatDays(n))
	}
}

func TestRemainingDays(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, 0, remainingDays(nil, now))

	past := now.Add(-time.Hour)
	require.Equal(t, 0, remainingDays(&past, now))

	future := now.Add(10*24*time.Hour + time.Hour)
	require.Equal(t, 10, remainingDays(&future, now))
}
