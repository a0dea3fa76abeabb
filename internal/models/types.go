package models

import "time"

type OrderSide string
type OrderType string
type OrderStatus string
type PositionStatus string
type ActionType string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"

	PositionStatusActive PositionStatus = "ACTIVE"
	PositionStatusClosed PositionStatus = "CLOSED"

	ActionEnter    ActionType = "ENTER"
	ActionAddEntry ActionType = "ADD_ENTRY"
	ActionReduceBy ActionType = "REDUCE_BY"
	ActionExit     ActionType = "EXIT"
	ActionHold     ActionType = "HOLD"
)

type Order struct {
	ID         string      `json:"id"`
	LinkID     string      `json:"link_id"`
	Market     string      `json:"market"`
	Side       OrderSide   `json:"side"`
	Type       OrderType   `json:"type"`
	Price      float64     `json:"price"`
	Qty        float64     `json:"qty"`
	FilledQty  float64     `json:"filled_qty"`
	Status     OrderStatus `json:"status"`
	CreateTime time.Time   `json:"create_time"`
	UpdateTime time.Time   `json:"update_time"`
}

type Ticker struct {
	Market    string    `json:"market"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

type Candle struct {
	Market    string    `json:"market"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MarketState — снимок рынка за один цикл оценки. После создания не
// изменяется, только заменяется новым снимком.
type MarketState struct {
	Market      string    `json:"market"`
	Price       float64   `json:"price"`
	RSI         float64   `json:"rsi"`
	BandUpper   float64   `json:"band_upper"`
	BandMiddle  float64   `json:"band_middle"`
	BandLower   float64   `json:"band_lower"`
	SMA         float64   `json:"sma"`
	EMA         float64   `json:"ema"`
	VolumeRatio float64   `json:"volume_ratio"`
	Valid       bool      `json:"valid"`
	Timestamp   time.Time `json:"timestamp"`
}

type Entry struct {
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Timestamp time.Time `json:"timestamp"`
}

// Position — единственное представление позиции во всём боте. Долговечной
// копией владеет store, движок держит кэшированное чтение.
type Position struct {
	Market       string         `json:"market"`
	Entries      []Entry        `json:"entries"`
	EntryCount   int            `json:"entry_count"`
	Status       PositionStatus `json:"status"`
	OpenedAt     time.Time      `json:"opened_at"`
	LastActionAt time.Time      `json:"last_action_at"`
}

// TotalQty пересчитывается из входов, отдельно не хранится.
func (p *Position) TotalQty() float64 {
	var total float64
	for _, e := range p.Entries {
		total += e.Qty
	}
	return total
}

// AvgPrice — средневзвешенная цена всех входов.
func (p *Position) AvgPrice() float64 {
	var qty, cost float64
	for _, e := range p.Entries {
		qty += e.Qty
		cost += e.Price * e.Qty
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

func (p *Position) Active() bool {
	return p.Status == PositionStatusActive
}

type ClosedPosition struct {
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	ClosePrice float64   `json:"close_price"`
	Qty        float64   `json:"qty"`
	PnL        float64   `json:"pnl"`
	EntryCount int       `json:"entry_count"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

func (c *ClosedPosition) HoldingDuration() time.Duration {
	return c.ClosedAt.Sub(c.OpenedAt)
}

// TradeIntent живёт только на время одной отправки ордера.
type TradeIntent struct {
	Market        string    `json:"market"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	CorrelationID string    `json:"correlation_id"`
}

// Action — решение стратегии или защитного правила по одному рынку.
type Action struct {
	Type     ActionType `json:"type"`
	Size     float64    `json:"size,omitempty"`
	Fraction float64    `json:"fraction,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Forced   bool       `json:"forced,omitempty"`
}

func Hold(reason string) Action {
	return Action{Type: ActionHold, Reason: reason}
}
