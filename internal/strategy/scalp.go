package strategy

import "tradebot/internal/models"

// Scalp берёт перепроданность у нижней полосы и выходит на откате к
// середине. Позицию не доращивает.
type Scalp struct {
	EntryRSI float64
	ExitRSI  float64
}

func NewScalp() *Scalp {
	return &Scalp{
		EntryRSI: 30,
		ExitRSI:  60,
	}
}

func (s *Scalp) Name() string { return "scalp" }

func (s *Scalp) Decide(state models.MarketState, pos *models.Position) models.Action {
	if pos == nil {
		if state.RSI < s.EntryRSI && state.Price <= state.BandLower {
			return models.Action{Type: models.ActionEnter, Size: 1, Reason: "RSI перепродан у нижней полосы"}
		}
		return models.Hold("нет сигнала входа")
	}

	if state.RSI >= s.ExitRSI || state.Price >= state.BandMiddle {
		return models.Action{Type: models.ActionExit, Reason: "откат к середине полосы"}
	}
	return models.Hold("ждём отката")
}
