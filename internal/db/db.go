package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"donut-access-bot/internal/logger"
)

// Store — единая точка доступа к базе. Все запросы идут через методы Store,
// глобального состояния нет: экземпляр передаётся зависимостям явно.
type Store struct {
	gorm *gorm.DB
}

// Open подключается к базе: postgres при заданном DSN, иначе локальный sqlite.
// Для sqlite включаем WAL и busy_timeout и ограничиваем пул одним писателем.
func Open(databaseURL, sqlitePath string) (*Store, error) {
	var (
		conn *gorm.DB
		err  error
	)

	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	if databaseURL != "" {
		conn, err = gorm.Open(postgres.Open(databaseURL), cfg)
	} else {
		dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", sqlitePath)
		conn, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к базе данных: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("не удалось получить *sql.DB: %w", err)
	}
	if databaseURL == "" {
		// sqlite: один писатель, очередь через busy_timeout
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &Store{gorm: conn}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	logger.Info("Подключение к базе данных установлено",
		zap.Bool("postgres", databaseURL != ""))
	return store, nil
}

// migrate создаёт таблицы и добавляет недостающие колонки.
// Миграции только аддитивные: колонки и таблицы не удаляются.
func (s *Store) migrate() error {
	err := s.gorm.AutoMigrate(
		&User{},
		&TgUser{},
		&VkUser{},
		&Donation{},
		&PendingUser{},
		&CachedDonor{},
		&AdminDialog{},
		&BlockedUser{},
		&UserMessage{},
	)
	if err != nil {
		return fmt.Errorf("ошибка миграции базы данных: %w", err)
	}

	// страховка для баз, созданных старыми версиями: AutoMigrate не всегда
	// догоняет колонки, добавленные в модель позже
	additive := []struct {
		model  interface{}
		column string
	}{
		{&User{}, "total_amount"},
		{&User{}, "vk_name"},
		{&UserMessage{}, "is_archived"},
		{&UserMessage{}, "from_admin"},
		{&CachedDonor{}, "subscription_days_formatted"},
		{&PendingUser{}, "attempts"},
	}
	m := s.gorm.Migrator()
	for _, a := range additive {
		if !m.HasColumn(a.model, a.column) {
			if err := m.AddColumn(a.model, a.column); err != nil {
				return fmt.Errorf("ошибка добавления колонки %s: %w", a.column, err)
			}
		}
	}
	return nil
}

// Transaction выполняет fn в транзакции, откатывая при ошибке.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.gorm.Transaction(fn)
}

// DB отдаёт низкоуровневый *gorm.DB (для бэкапов и тестов).
func (s *Store) DB() *gorm.DB { return s.gorm }

// IsPostgres определяет диалект по имени драйвера.
func (s *Store) IsPostgres() bool {
	return strings.Contains(s.gorm.Dialector.Name(), "postgres")
}
