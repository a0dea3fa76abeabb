package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"tradebot/internal/exchange"
	"tradebot/internal/models"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")

			if !w.reconnect() {
				return
			}
			continue
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}
		if msg.Type != "ticker" || msg.Code == "" {
			continue
		}

		if !w.emit(exchange.Event{
			Type: exchange.EventTypeTicker,
			Ticker: &models.Ticker{
				Market:    msg.Code,
				LastPrice: msg.TradePrice,
				Timestamp: time.UnixMilli(msg.TimestampMs),
			},
		}) {
			return
		}
	}
}

// emit не зависает навсегда на полном буфере: остановка клиента
// снимает отправителя с канала.
func (w *Client) emit(event exchange.Event) bool {
	select {
	case w.events <- event:
		return true
	case <-w.stopCh:
		return false
	}
}

// reconnect не отдаёт ошибку наружу: поток чинится сам, с нарастающей
// паузой, пока клиент не остановлен.
func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		default:
		}

		w.logEntry().Info("Попытка переподключения к WS.")

		time.Sleep(backoff)

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.connMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.conn = conn
		w.conn.SetReadLimit(2 << 20)
		w.connMu.Unlock()

		w.codesMu.Lock()
		codes := append([]string(nil), w.codes...)
		w.codesMu.Unlock()

		if len(codes) > 0 {
			if err := w.subscribe(codes); err != nil {
				w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
				backoff = w.nextBackoff(backoff)
				continue
			}
		}

		if !w.emit(exchange.Event{Type: exchange.EventTypeReconnect}) {
			return false
		}
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
