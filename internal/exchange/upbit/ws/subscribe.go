package ws

import (
	"fmt"

	"github.com/google/uuid"
)

func (w *Client) subscribe(codes []string) error {
	w.codesMu.Lock()
	w.codes = append([]string(nil), codes...)
	w.codesMu.Unlock()

	msg := []any{
		ticketFrame{Ticket: uuid.New().String()},
		typeFrame{Type: "ticker", Codes: codes},
		formatFrame{Format: "DEFAULT"},
	}

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("Нет WS соединения для подписки.")
	}
	return w.conn.WriteJSON(msg)
}
