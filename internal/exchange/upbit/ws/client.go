package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradebot/internal/exchange"
	"tradebot/internal/logger"
)

type Client struct {
	url          string
	log          *logger.Logger
	conn         *websocket.Conn
	connMu       sync.Mutex
	events       chan exchange.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	codes        []string
	codesMu      sync.Mutex
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		events:       make(chan exchange.Event, 100),
		stopCh:       make(chan struct{}),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

func (w *Client) Connect(ctx context.Context, codes []string) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.conn.SetReadLimit(2 << 20)
	w.connMu.Unlock()

	if err := w.subscribe(codes); err != nil {
		return err
	}

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()

	return nil
}

// Resubscribe переводит текущее соединение на новый список рынков.
func (w *Client) Resubscribe(codes []string) error {
	return w.subscribe(codes)
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

func (w *Client) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.connMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.connMu.Unlock()
	})
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("upbit_ws")
}
