package dialog

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"donut-access-bot/internal/db"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Enqueue(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := msg.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) EnqueueAsync(msg tgbotapi.Chattable) {
	if m, ok := msg.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
}

func (f *fakeSender) sentTo(chatID int64) []tgbotapi.MessageConfig {
	var out []tgbotapi.MessageConfig
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func newTestRouter(t *testing.T, admins []int64) (*Router, *fakeSender, *db.Store) {
	t.Helper()
	store, err := db.Open("", ":memory:")
	require.NoError(t, err)
	sender := &fakeSender{}
	return NewRouter(store, sender, admins), sender, store
}

func TestStartDialogConflict(t *testing.T) {
	r, _, _ := newTestRouter(t, []int64{1, 2})

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	// пользователь занят первым админом
	_, err = r.StartDialog(2, 100)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, int64(1), conflict.OtherAdminID)

	// повторное открытие тем же админом — не конфликт
	_, err = r.StartDialog(1, 100)
	require.NoError(t, err)
}

func TestStartDialogAdminBusy(t *testing.T) {
	r, _, _ := newTestRouter(t, []int64{1})

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	_, err = r.StartDialog(1, 200)
	require.ErrorIs(t, err, ErrAdminBusy)
}

func TestStartDialogMarksReadAndSendsHistory(t *testing.T) {
	r, sender, store := newTestRouter(t, []int64{1})

	require.NoError(t, store.SaveMessage(&db.UserMessage{TgID: 100, MessageText: "вопрос"}))

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	unread, err := store.UnreadMessages(100)
	require.NoError(t, err)
	require.Empty(t, unread)

	history := sender.sentTo(1)
	require.Len(t, history, 1)
	require.Contains(t, history[0].Text, "вопрос")
}

func TestRelayFromAdmin(t *testing.T) {
	r, sender, store := newTestRouter(t, []int64{1})

	require.ErrorIs(t, r.RelayFromAdmin(1, "ответ"), ErrNoDialog)

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)
	require.NoError(t, r.RelayFromAdmin(1, "ответ"))

	toUser := sender.sentTo(100)
	require.Len(t, toUser, 1)
	require.Equal(t, "ответ", toUser[0].Text)

	msgs, err := store.RecentMessages(100, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].FromAdmin)
}

func TestRelayFromUserInsideDialog(t *testing.T) {
	r, sender, _ := newTestRouter(t, []int64{1, 2})

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	require.NoError(t, r.RelayFromUser(100, "Пётр", "привет", 1, "text", ""))

	toAdmin := sender.sentTo(1)
	require.NotEmpty(t, toAdmin)
	require.Contains(t, toAdmin[len(toAdmin)-1].Text, "привет")

	// второй админ ничего не получает
	require.Empty(t, sender.sentTo(2))
}

func TestRelayFromUserBroadcastsToAllAdmins(t *testing.T) {
	r, sender, _ := newTestRouter(t, []int64{1, 2})

	// диалог первого админа с другим пользователем оповещению не мешает
	_, err := r.StartDialog(1, 500)
	require.NoError(t, err)
	sender.sent = nil

	require.NoError(t, r.RelayFromUser(100, "Пётр", "нужна помощь", 1, "text", ""))

	for _, adminID := range []int64{1, 2} {
		got := sender.sentTo(adminID)
		require.Len(t, got, 1)
		require.Contains(t, got[0].Text, "нужна помощь")
		require.NotNil(t, got[0].ReplyMarkup, "кнопка начала диалога")
	}
}

func TestRelayFromUserMediaKeepsTypeAndFileID(t *testing.T) {
	r, sender, store := newTestRouter(t, []int64{1})

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	require.NoError(t, r.RelayFromUser(100, "Пётр", "", 2, "photo", "file-abc"))

	msgs, err := store.RecentMessages(100, 10)
	require.NoError(t, err)
	require.Equal(t, "photo", msgs[0].MessageType)
	require.Equal(t, "file-abc", msgs[0].FileID)

	toAdmin := sender.sentTo(1)
	require.Contains(t, toAdmin[len(toAdmin)-1].Text, "[photo]")
}

func TestEndDialog(t *testing.T) {
	r, _, store := newTestRouter(t, []int64{1})

	_, err := r.EndDialog(1)
	require.ErrorIs(t, err, ErrNoDialog)

	_, err = r.StartDialog(1, 100)
	require.NoError(t, err)

	userID, err := r.EndDialog(1)
	require.NoError(t, err)
	require.Equal(t, int64(100), userID)

	d, err := store.ActiveDialogForUser(100)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestRestoreActiveDialogs(t *testing.T) {
	r, sender, store := newTestRouter(t, []int64{1})

	_, err := store.OpenDialog(1, 100)
	require.NoError(t, err)

	require.NoError(t, r.RestoreActiveDialogs())
	msgs := sender.sentTo(1)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Text, "100")
}

func TestRelayFromAdminDeliveryFailure(t *testing.T) {
	r, sender, _ := newTestRouter(t, []int64{1})

	_, err := r.StartDialog(1, 100)
	require.NoError(t, err)

	sender.err = errors.New("bad")
	require.Error(t, r.RelayFromAdmin(1, "ответ"))
}
