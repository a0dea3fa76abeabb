package strategy

import "tradebot/internal/models"

// Swing входит по тренду (цена над EMA, EMA над SMA), частично
// фиксируется на перегреве и выходит при сломе тренда.
type Swing struct {
	EntryRSIMin    float64
	EntryRSIMax    float64
	OverheatRSI    float64
	ReduceFraction float64
}

func NewSwing() *Swing {
	return &Swing{
		EntryRSIMin:    45,
		EntryRSIMax:    65,
		OverheatRSI:    75,
		ReduceFraction: 0.5,
	}
}

func (s *Swing) Name() string { return "swing" }

func (s *Swing) Decide(state models.MarketState, pos *models.Position) models.Action {
	if pos == nil {
		trendUp := state.Price > state.EMA && state.EMA > state.SMA
		if trendUp && state.RSI >= s.EntryRSIMin && state.RSI <= s.EntryRSIMax && state.VolumeRatio > 1 {
			return models.Action{Type: models.ActionEnter, Size: 1, Reason: "восходящий тренд с объёмом"}
		}
		return models.Hold("нет тренда")
	}

	if state.Price < state.SMA {
		return models.Action{Type: models.ActionExit, Reason: "слом тренда ниже SMA"}
	}
	if state.RSI >= s.OverheatRSI {
		return models.Action{Type: models.ActionReduceBy, Fraction: s.ReduceFraction, Reason: "перегрев RSI"}
	}
	return models.Hold("тренд жив")
}
