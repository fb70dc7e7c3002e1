package guard

import (
	"sync"
	"time"
)

// Clock — инжектируемый источник времени.
type Clock func() time.Time

// ExpiringMap — потокобезопасная карта с TTL на запись.
// Протухшие записи удаляются лениво при чтении и пакетно в Sweep.
type ExpiringMap struct {
	mu    sync.Mutex
	items map[string]expiringItem
	now   Clock
}

type expiringItem struct {
	value    interface{}
	deadline time.Time
}

func NewExpiringMap(now Clock) *ExpiringMap {
	return &ExpiringMap{
		items: make(map[string]expiringItem),
		now:   now,
	}
}

// Set записывает значение с заданным TTL.
func (m *ExpiringMap) Set(key string, value interface{}, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = expiringItem{value: value, deadline: m.now().Add(ttl)}
}

// SetIfAbsent записывает значение, только если живой записи ещё нет.
// Возвращает true при успешной записи.
func (m *ExpiringMap) SetIfAbsent(key string, value interface{}, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && m.now().Before(it.deadline) {
		return false
	}
	m.items[key] = expiringItem{value: value, deadline: m.now().Add(ttl)}
	return true
}

// Get возвращает живое значение или (nil, false).
func (m *ExpiringMap) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(it.deadline) {
		delete(m.items, key)
		return nil, false
	}
	return it.value, true
}

// Deadline возвращает срок жизни живой записи.
func (m *ExpiringMap) Deadline(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !m.now().Before(it.deadline) {
		return time.Time{}, false
	}
	return it.deadline, true
}

// Delete удаляет запись.
func (m *ExpiringMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Sweep удаляет все протухшие записи, возвращает число удалённых.
func (m *ExpiringMap) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, it := range m.items {
		if !now.Before(it.deadline) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// Len возвращает число записей, включая ещё не выметенные протухшие.
func (m *ExpiringMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
