package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("", ":memory:")
	require.NoError(t, err)
	return store
}

func TestUserLookupsAndDeactivate(t *testing.T) {
	s := newTestStore(t)

	vk, tg, key := int64(10), int64(20), "123456789"
	next := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, s.CreateUser(&User{
		VkID: &vk, TgID: &tg, AccessKey: &key,
		NextPayment: &next, IsActive: true,
	}))

	u, err := s.GetUserByVkID(10)
	require.NoError(t, err)
	require.NotNil(t, u)

	u, err = s.GetUserByAccessKey("123456789")
	require.NoError(t, err)
	require.NotNil(t, u)

	missing, err := s.GetUserByTgID(999)
	require.NoError(t, err)
	require.Nil(t, missing)

	exists, err := s.AccessKeyExists("123456789")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.DeactivateUser(u.ID))
	u, err = s.GetUserByVkID(10)
	require.NoError(t, err)
	require.False(t, u.IsActive)

	// деактивированная запись всё ещё занимает код
	exists, err = s.AccessKeyExists("123456789")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestExpiredActiveUsers(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	vk1, vk2, vk3 := int64(1), int64(2), int64(3)
	k1, k2, k3 := "k1", "k2", "k3"
	require.NoError(t, s.CreateUser(&User{VkID: &vk1, AccessKey: &k1, NextPayment: &past, IsActive: true}))
	require.NoError(t, s.CreateUser(&User{VkID: &vk2, AccessKey: &k2, NextPayment: &future, IsActive: true}))
	require.NoError(t, s.CreateUser(&User{VkID: &vk3, AccessKey: &k3, NextPayment: &past, IsActive: false}))

	expired, err := s.ExpiredActiveUsers(now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, int64(1), *expired[0].VkID)
}

func TestPruneOldMessagesKeepsTail(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// восемь старых сообщений одного пользователя
	for i := 0; i < 8; i++ {
		require.NoError(t, s.SaveMessage(&UserMessage{
			TgID:        50,
			MessageText: "старое",
			CreatedAt:   now.Add(-20*24*time.Hour + time.Duration(i)*time.Minute),
		}))
	}
	// свежее сообщение другого пользователя
	require.NoError(t, s.SaveMessage(&UserMessage{
		TgID: 60, MessageText: "свежее", CreatedAt: now,
	}))

	cutoff := now.Add(-14 * 24 * time.Hour)
	removed, err := s.PruneOldMessages(cutoff, 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed, "последние пять остаются даже старыми")

	rest, err := s.RecentMessages(50, 100)
	require.NoError(t, err)
	require.Len(t, rest, 5)

	other, err := s.RecentMessages(60, 100)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestPruneOldMessagesFreshDoNotDisplaceOld(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// восемь старых и пять свежих у одного пользователя:
	// свежие не вытесняют старый хвост из пятёрки оставляемых
	for i := 0; i < 8; i++ {
		require.NoError(t, s.SaveMessage(&UserMessage{
			TgID:        70,
			MessageText: "старое",
			CreatedAt:   now.Add(-20*24*time.Hour + time.Duration(i)*time.Minute),
		}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMessage(&UserMessage{
			TgID:        70,
			MessageText: "свежее",
			CreatedAt:   now.Add(-time.Duration(i) * time.Minute),
		}))
	}

	cutoff := now.Add(-14 * 24 * time.Hour)
	removed, err := s.PruneOldMessages(cutoff, 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	rest, err := s.RecentMessages(70, 100)
	require.NoError(t, err)
	require.Len(t, rest, 10)

	var oldLeft int
	for _, m := range rest {
		if m.CreatedAt.Before(cutoff) {
			oldLeft++
		}
	}
	require.Equal(t, 5, oldLeft, "из старых выживают ровно пять последних")
}

func TestArchiveReadMessages(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveMessage(&UserMessage{
		TgID: 1, MessageText: "прочитано давно", IsRead: true,
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, s.SaveMessage(&UserMessage{
		TgID: 1, MessageText: "не прочитано", IsRead: false,
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, s.SaveMessage(&UserMessage{
		TgID: 1, MessageText: "прочитано недавно", IsRead: true,
		CreatedAt: now,
	}))

	archived, err := s.ArchiveReadMessages(now.Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), archived)
}

func TestMarkMessagesReadAndUnread(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMessage(&UserMessage{TgID: 5, MessageText: "a"}))
	require.NoError(t, s.SaveMessage(&UserMessage{TgID: 5, MessageText: "b"}))
	require.NoError(t, s.SaveMessage(&UserMessage{TgID: 6, MessageText: "c"}))

	ids, err := s.UsersWithUnread()
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{5, 6}, ids)

	require.NoError(t, s.MarkMessagesRead(5))
	unread, err := s.UnreadMessages(5)
	require.NoError(t, err)
	require.Empty(t, unread)

	ids, err = s.UsersWithUnread()
	require.NoError(t, err)
	require.Equal(t, []int64{6}, ids)
}

func TestBlockUnblock(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.BlockUser(7, 1, "спам"))
	// повторная блокировка идемпотентна
	require.NoError(t, s.BlockUser(7, 2, "другая причина"))

	blocked, err := s.IsBlocked(7)
	require.NoError(t, err)
	require.True(t, blocked)

	b, err := s.GetBlockedUser(7)
	require.NoError(t, err)
	require.Equal(t, "спам", b.Reason, "первая причина сохраняется")

	removed, err := s.UnblockUser(7)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.UnblockUser(7)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestDialogLifecycle(t *testing.T) {
	s := newTestStore(t)

	d, err := s.OpenDialog(1, 100)
	require.NoError(t, err)
	require.True(t, d.IsActive)

	byUser, err := s.ActiveDialogForUser(100)
	require.NoError(t, err)
	require.Equal(t, int64(1), byUser.AdminID)

	byAdmin, err := s.ActiveDialogForAdmin(1)
	require.NoError(t, err)
	require.Equal(t, int64(100), byAdmin.UserID)

	require.NoError(t, s.CloseDialog(d.ID))
	byUser, err = s.ActiveDialogForUser(100)
	require.NoError(t, err)
	require.Nil(t, byUser)

	// реактивация существующей пары не создаёт дубликат
	again, err := s.OpenDialog(1, 100)
	require.NoError(t, err)
	require.Equal(t, d.ID, again.ID)
}

func TestReplaceCachedDonors(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ReplaceCachedDonors([]CachedDonor{
		{VkID: 1, VkName: "Анна"},
		{VkID: 2, VkName: "Борис"},
	}))
	list, err := s.CachedDonors()
	require.NoError(t, err)
	require.Len(t, list, 2)

	// исчезнувший дон удаляется, оставшийся обновляется
	require.NoError(t, s.ReplaceCachedDonors([]CachedDonor{
		{VkID: 2, VkName: "Борис Иванов"},
	}))
	list, err = s.CachedDonors()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Борис Иванов", list[0].VkName)

	// пустой список — валидный пустой кэш
	require.NoError(t, s.ReplaceCachedDonors(nil))
	list, err = s.CachedDonors()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPendingUserAttempts(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	p, err := s.UpsertPendingUser(42, now)
	require.NoError(t, err)
	require.Equal(t, 1, p.Attempts)

	p, err = s.UpsertPendingUser(42, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, p.Attempts)

	require.NoError(t, s.ApprovePendingUser(42))
	p, err = s.GetPendingUser(42)
	require.NoError(t, err)
	require.True(t, p.Approved)

	list, err := s.PendingUsers()
	require.NoError(t, err)
	require.Empty(t, list, "одобренные не показываются в списке заявок")
}

func TestCleanupStaleData(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	old := now.Add(-60 * 24 * time.Hour)

	_, err := s.UpsertPendingUser(1, old)
	require.NoError(t, err)

	d, err := s.OpenDialog(1, 2)
	require.NoError(t, err)
	require.NoError(t, s.gorm.Model(&AdminDialog{}).Where("id = ?", d.ID).
		Update("updated_at", old).Error)

	require.NoError(t, s.SaveMessage(&UserMessage{
		TgID: 3, MessageText: "архив", IsArchived: true, CreatedAt: old,
	}))

	res := s.CleanupStaleData(now.Add(-45 * 24 * time.Hour))
	require.Empty(t, res.Errors)
	require.Equal(t, int64(1), res.PendingRemoved)
	require.Equal(t, int64(1), res.DialogsClosed)
	require.Equal(t, int64(1), res.MessagesRemoved)
}
