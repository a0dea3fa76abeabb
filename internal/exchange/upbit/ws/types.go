package ws

// Кадр подписки: тикет, тип потока, коды рынков.
type ticketFrame struct {
	Ticket string `json:"ticket"`
}

type typeFrame struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

type formatFrame struct {
	Format string `json:"format"`
}

type tickerMessage struct {
	Type        string  `json:"type"`
	Code        string  `json:"code"`
	TradePrice  float64 `json:"trade_price"`
	TimestampMs int64   `json:"timestamp"`
}
