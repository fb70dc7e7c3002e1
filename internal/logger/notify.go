package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	notifyFn func(text string)
	adminID  int64
	once     sync.Once
)

// InitNotifier инициализирует уведомления админа о критических ошибках.
// Функция send обязана быть неблокирующей (очередь отправки).
func InitNotifier(admin int64, send func(text string)) {
	once.Do(func() {
		adminID = admin
		notifyFn = send
	})
}

// NotifyAdmin отправляет критическое уведомление админу
func NotifyAdmin(msg string) {
	if notifyFn == nil || adminID == 0 {
		return
	}
	notifyFn("[ALERT] " + msg)
}

// NotifyOnPanic ловит панику, логирует и уведомляет
func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		Error("panic recovered", zap.String("context", context), zap.Any("panic", r))
		NotifyAdmin("Panic in " + context + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
