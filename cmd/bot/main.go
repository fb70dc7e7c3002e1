package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"donut-access-bot/config"
	"donut-access-bot/internal/admin"
	"donut-access-bot/internal/bot"
	"donut-access-bot/internal/db"
	"donut-access-bot/internal/dialog"
	"donut-access-bot/internal/gateway"
	"donut-access-bot/internal/guard"
	"donut-access-bot/internal/keys"
	"donut-access-bot/internal/logger"
	"donut-access-bot/internal/monitor"
	"donut-access-bot/internal/services"
	"donut-access-bot/internal/vkapi"
	"donut-access-bot/internal/vkbot"
)

func main() {
	config.LoadConfig()

	store, err := db.Open(config.AppCfg.DatabaseURL, config.AppCfg.DBPath)
	if err != nil {
		log.Fatalf("Ошибка подключения к базе: %v", err)
	}

	botapi, err := tgbotapi.NewBotAPI(config.AppCfg.BotToken)
	if err != nil {
		log.Fatalf("Ошибка создания Telegram-бота: %v", err)
	}
	logger.Info("Telegram-бот авторизован", zap.String("username", botapi.Self.UserName))

	gw := gateway.NewTelegram(botapi)
	queue := gateway.NewSendQueue(gw)

	if len(config.AppCfg.AdminTgIDs) > 0 {
		adminID := config.AppCfg.AdminTgIDs[0]
		logger.InitNotifier(adminID, func(text string) {
			// алерты идут впереди обычной очереди
			go queue.EnqueuePriority(tgbotapi.NewMessage(adminID, text))
		})
	}

	vk := vkapi.NewClient(config.AppCfg.VkToken, config.AppCfg.VkUserToken,
		config.AppCfg.VkGroupID)
	verifier := services.NewDonutVerifier(vk, store)
	keySvc := keys.NewService(store, verifier)

	g := guard.New(guard.Options{
		IsAdmin:   config.AppCfg.IsTgAdmin,
		IsBlocked: store.IsBlocked,
		PersistBlock: func(id int64, reason string) error {
			return store.BlockUser(id, 0, reason)
		},
	})
	// у VK-стороны свой фильтр: другие админы и своя история флуда
	vkGuard := guard.New(guard.Options{
		IsAdmin:   config.AppCfg.IsVkAdmin,
		IsBlocked: store.IsBlocked,
		PersistBlock: func(id int64, reason string) error {
			return store.BlockUser(id, 0, reason)
		},
	})

	router := dialog.NewRouter(store, queue, config.AppCfg.AdminTgIDs)

	mon := monitor.New(monitor.Options{
		Store:     store,
		Gateway:   gw,
		Sender:    queue,
		VK:        vk,
		ChannelID: config.AppCfg.TgChannelID,
		AdminIDs:  config.AppCfg.AdminTgIDs,
		CanRemove: config.AppCfg.BotCanRemove,
	})

	tgBot := bot.New(gw, queue, store, keySvc, g, router)
	vkHandler := vkbot.New(vk, store, keySvc, vkGuard, verifier)
	longpoll := vkapi.NewLongPoll(vk, vkHandler.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.Run(ctx)
	go g.Run(ctx.Done())
	go vkGuard.Run(ctx.Done())

	// Периодические работы
	c := cron.New()
	c.AddFunc("@every 12h", func() {
		defer logger.NotifyOnPanic("sweep expired")
		if err := mon.SweepExpired(); err != nil {
			logger.Error("Ошибка обработки истёкших подписок", zap.Error(err))
		}
	})
	c.AddFunc("@every 6h", func() {
		defer logger.NotifyOnPanic("donor cache")
		if err := mon.ReconcileDonorCache(); err != nil {
			logger.Error("Ошибка обновления кэша донов", zap.Error(err))
		}
	})
	c.AddFunc("0 3 * * *", func() {
		defer logger.NotifyOnPanic("prune messages")
		if err := mon.PruneMessageHistory(); err != nil {
			logger.Error("Ошибка чистки переписки", zap.Error(err))
		}
	})
	c.AddFunc("0 4 * * 1", func() {
		defer logger.NotifyOnPanic("stale cleanup")
		mon.CleanupStale()
	})
	c.AddFunc("30 2 */3 * *", func() {
		defer logger.NotifyOnPanic("backup")
		admin.AutoBackup(config.AppCfg.BackupDir, config.AppCfg.DatabaseURL,
			config.AppCfg.DBPath, logger.NotifyAdmin)
	})
	c.Start()

	// Первый проход деактивации вскоре после старта, не дожидаясь расписания
	go func() {
		time.Sleep(5 * time.Second)
		if _, err := mon.DeactivateExpired(); err != nil {
			logger.Error("Ошибка стартовой деактивации", zap.Error(err))
		}
	}()

	if err := router.RestoreActiveDialogs(); err != nil {
		logger.Error("Ошибка восстановления диалогов", zap.Error(err))
	}

	// VK Long Poll в отдельной горутине
	go func() {
		if err := longpoll.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("VK Long Poll остановлен", zap.Error(err))
			logger.NotifyAdmin("VK Long Poll остановлен: " + err.Error())
		}
	}()

	// Telegram polling
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updateCfg.AllowedUpdates = []string{
		"message", "callback_query", "chat_join_request", "chat_member",
	}
	updates := botapi.GetUpdatesChan(updateCfg)

	go func() {
		for update := range updates {
			tgBot.HandleUpdate(update)
		}
	}()

	logger.Info("Бот запущен")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Остановка бота")
	c.Stop()
	cancel()
	botapi.StopReceivingUpdates()
}
