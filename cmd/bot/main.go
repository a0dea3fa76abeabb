package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tradebot/internal/config"
	"tradebot/internal/engine"
	"tradebot/internal/exchange/upbit"
	"tradebot/internal/logger"
	"tradebot/internal/notify"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("Бот запущен.")

	st, err := store.Open(cfg.Store.Path, cfg.Bot.MaxEntries, log)
	if err != nil {
		log.WithError(err).Fatal("Не удалось открыть хранилище позиций.")
	}
	defer st.Close()

	policy, err := strategy.New(cfg.Bot.Strategy)
	if err != nil {
		log.WithError(err).Fatal("Не удалось создать стратегию.")
	}

	client := upbit.New(cfg.Exchange.BaseURL, cfg.Exchange.WSURL, cfg.Exchange.AccessKey, cfg.Exchange.SecretKey, log)
	notifier := notify.New(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
	eng := engine.New(cfg, client, st, notifier, policy, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Start(ctx); err != nil {
			log.WithError(err).Fatal("Движок завершился с ошибкой.")
		}
	}()
	<-sigCh

	cancel()
	<-done
	client.CloseFeed()

	log.Info("Бот остановлен.")
}
