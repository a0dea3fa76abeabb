package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig
	Bot      BotConfig
	Store    StoreConfig
	Notify   NotifyConfig
	Runtime  RuntimeConfig
}

type ExchangeConfig struct {
	BaseURL   string
	WSURL     string
	AccessKey string
	SecretKey string
}

type BotConfig struct {
	QuoteCurrency       string
	UniverseSize        int
	UniverseRefreshCron string
	EvalInterval        time.Duration
	MaxConcurrentEval   int
	OrderBudget         float64
	AddOrderBudget      float64
	MaxEntries          int
	MinNotional         float64
	StopLossPercent     float64
	TakeProfitPercent   float64
	TrailingStopPercent float64
	MaxHolding          time.Duration
	Strategy            string
}

type StoreConfig struct {
	Path string
}

type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
	PollInterval   time.Duration
	ReportCron     string
}

type RuntimeConfig struct {
	DryRun              bool
	RestoreStateOnStart bool
	Log                 LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	viper.SetDefault("bot.quote_currency", "KRW")
	viper.SetDefault("bot.universe_size", 10)
	viper.SetDefault("bot.universe_refresh_cron", "0 */10 * * * *")
	viper.SetDefault("bot.eval_interval", "15s")
	viper.SetDefault("bot.max_concurrent_eval", 5)
	viper.SetDefault("bot.max_entries", 4)
	viper.SetDefault("bot.min_notional", 5000)
	viper.SetDefault("bot.strategy", "dca")
	viper.SetDefault("store.path", "data/positions.db")
	viper.SetDefault("notify.poll_interval", "5s")
	viper.SetDefault("notify.report_cron", "0 0 * * * *")

	cfg.Exchange = ExchangeConfig{
		BaseURL:   viper.GetString("exchange.base_url"),
		WSURL:     viper.GetString("exchange.ws_url"),
		AccessKey: envSub("exchange.access_key"),
		SecretKey: envSub("exchange.secret_key"),
	}

	cfg.Bot = BotConfig{
		QuoteCurrency:       viper.GetString("bot.quote_currency"),
		UniverseSize:        viper.GetInt("bot.universe_size"),
		UniverseRefreshCron: viper.GetString("bot.universe_refresh_cron"),
		EvalInterval:        viper.GetDuration("bot.eval_interval"),
		MaxConcurrentEval:   viper.GetInt("bot.max_concurrent_eval"),
		OrderBudget:         viper.GetFloat64("bot.order_budget"),
		AddOrderBudget:      viper.GetFloat64("bot.add_order_budget"),
		MaxEntries:          viper.GetInt("bot.max_entries"),
		MinNotional:         viper.GetFloat64("bot.min_notional"),
		StopLossPercent:     viper.GetFloat64("bot.stop_loss_percent"),
		TakeProfitPercent:   viper.GetFloat64("bot.take_profit_percent"),
		TrailingStopPercent: viper.GetFloat64("bot.trailing_stop_percent"),
		MaxHolding:          viper.GetDuration("bot.max_holding"),
		Strategy:            viper.GetString("bot.strategy"),
	}

	cfg.Store = StoreConfig{
		Path: viper.GetString("store.path"),
	}

	cfg.Notify = NotifyConfig{
		TelegramToken:  envSub("notify.telegram_token"),
		TelegramChatID: envSub("notify.telegram_chat_id"),
		PollInterval:   viper.GetDuration("notify.poll_interval"),
		ReportCron:     viper.GetString("notify.report_cron"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun:              viper.GetBool("runtime.dry_run"),
		RestoreStateOnStart: viper.GetBool("runtime.restore_state_on_start"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Ошибки конфигурации ключей и хранилища фатальны на старте.
func (c *Config) validate() error {
	if !c.Runtime.DryRun {
		if c.Exchange.AccessKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("Не заданы ключи биржи (exchange.access_key / exchange.secret_key).")
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("Не задан путь к хранилищу позиций (store.path).")
	}
	if c.Bot.OrderBudget <= 0 {
		return fmt.Errorf("Некорректный бюджет входа: %f", c.Bot.OrderBudget)
	}
	if c.Bot.MaxEntries <= 0 {
		return fmt.Errorf("Некорректный лимит входов: %d", c.Bot.MaxEntries)
	}
	return nil
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
