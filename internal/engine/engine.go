package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"tradebot/internal/config"
	"tradebot/internal/exchange"
	"tradebot/internal/logger"
	"tradebot/internal/models"
	"tradebot/internal/notify"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

type Engine struct {
	cfg      *config.Config
	client   exchange.Client
	store    *store.Store
	notifier *notify.Notifier
	log      *logger.Logger

	policyMu sync.RWMutex
	policy   strategy.Policy

	mu          sync.Mutex
	positions   map[string]*models.Position
	universe    []string
	tickers     map[string]models.Ticker
	highWater   map[string]float64
	running     bool
	feedRunning bool

	flightMu sync.Mutex
	inFlight map[string]*marketFlight

	sem       *semaphore.Weighted
	cron      *cron.Cron
	actionSeq atomic.Int64

	// Живые отправки ордеров держат wg: на остановке они доводятся до
	// терминального состояния, а не обрываются.
	ordersWG sync.WaitGroup
}

type marketFlight struct {
	mu sync.Mutex
}

func New(cfg *config.Config, client exchange.Client, st *store.Store, notifier *notify.Notifier, policy strategy.Policy, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		client:    client,
		store:     st,
		notifier:  notifier,
		policy:    policy,
		log:       log,
		positions: map[string]*models.Position{},
		tickers:   map[string]models.Ticker{},
		highWater: map[string]float64{},
		inFlight:  map[string]*marketFlight{},
		sem:       semaphore.NewWeighted(int64(cfg.Bot.MaxConcurrentEval)),
		running:   true,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Runtime.RestoreStateOnStart {
		if err := e.restorePositions(); err != nil {
			return err
		}
	}

	if err := e.refreshUniverse(ctx); err != nil {
		e.logEntry().WithError(err).Warn("Не удалось собрать вселенную рынков на старте.")
	}

	if err := e.startSchedules(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.cfg.Bot.EvalInterval)
	defer ticker.Stop()

	e.logEntry().WithFields(map[string]interface{}{
		"strategy":      e.activePolicy().Name(),
		"universe_size": e.cfg.Bot.UniverseSize,
		"eval_interval": e.cfg.Bot.EvalInterval.String(),
		"dry_run":       e.cfg.Runtime.DryRun,
	}).Info("Движок запущен.")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.runIteration(ctx)
		}
	}
}

// shutdown: новые циклы не планируются, живые отправки доводятся до
// конца, ордера на бирже не отменяются из-за самой остановки.
func (e *Engine) shutdown() {
	e.logEntry().Info("Остановка: ждём завершения отправок ордеров.")
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		<-stopCtx.Done()
	}
	e.ordersWG.Wait()
	e.logEntry().Info("Движок остановлен.")
}

func (e *Engine) startSchedules(ctx context.Context) error {
	e.cron = cron.New(cron.WithSeconds())

	if _, err := e.cron.AddFunc(e.cfg.Bot.UniverseRefreshCron, func() {
		if err := e.refreshUniverse(ctx); err != nil {
			e.logEntry().WithError(err).Warn("Не удалось обновить вселенную рынков.")
		}
	}); err != nil {
		return fmt.Errorf("Некорректное расписание вселенной: %w", err)
	}

	if _, err := e.cron.AddFunc(e.cfg.Notify.ReportCron, func() {
		e.report(ctx)
	}); err != nil {
		return fmt.Errorf("Некорректное расписание отчёта: %w", err)
	}

	if e.notifier.Enabled() {
		schedule := "@every " + e.cfg.Notify.PollInterval.String()
		if _, err := e.cron.AddFunc(schedule, func() {
			e.pollCommands(ctx)
		}); err != nil {
			return fmt.Errorf("Некорректное расписание опроса команд: %w", err)
		}
	}

	e.cron.Start()
	return nil
}

// runIteration: один снимок баланса и позиций на итерацию, затем рынки
// оцениваются конкурентно под ограниченным пулом.
func (e *Engine) runIteration(ctx context.Context) {
	if !e.isRunning() {
		return
	}

	balances, err := e.client.GetBalances(ctx)
	if err != nil {
		if !e.cfg.Runtime.DryRun {
			e.logEntry().WithError(err).Warn("Баланс недоступен, итерация пропущена.")
			return
		}
		balances = map[string]exchange.Balance{}
	}

	e.mu.Lock()
	universe := append([]string(nil), e.universe...)
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, market := range universe {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(market string) {
			defer wg.Done()
			defer e.sem.Release(1)
			e.evaluateMarket(ctx, market, balances)
		}(market)
	}
	wg.Wait()
}

func (e *Engine) restorePositions() error {
	positions, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("Не удалось восстановить позиции: %w", err)
	}

	e.mu.Lock()
	e.positions = positions
	for market, pos := range positions {
		e.highWater[market] = pos.AvgPrice()
	}
	e.mu.Unlock()

	e.logEntry().WithField("count", len(positions)).Info("Позиции восстановлены из хранилища.")
	return nil
}

func (e *Engine) activePolicy() strategy.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// SetPolicy меняет активную стратегию между циклами; открытые позиции
// при этом не трогаются.
func (e *Engine) SetPolicy(name string) error {
	policy, err := strategy.New(name)
	if err != nil {
		return err
	}
	e.policyMu.Lock()
	e.policy = policy
	e.policyMu.Unlock()
	e.logEntry().WithField("strategy", name).Info("Стратегия переключена.")
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Pause и Resume идемпотентны: повторный вызов ничего не меняет.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logEntry().Info("Оценка рынков приостановлена.")
}

func (e *Engine) Resume() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.logEntry().Info("Оценка рынков возобновлена.")
}

func (e *Engine) cachedPosition(market string) *models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[market]
	if !ok {
		return nil
	}
	copied := *pos
	copied.Entries = append([]models.Entry(nil), pos.Entries...)
	return &copied
}

func (e *Engine) nextActionID(market string) string {
	seq := e.actionSeq.Add(1)
	return fmt.Sprintf("%s-%d-%d", strings.ToLower(market), time.Now().Unix(), seq)
}
