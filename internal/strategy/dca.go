package strategy

import "tradebot/internal/models"

// DCA входит на перепроданности и усредняется лесенкой ниже средней
// цены; выходит при заданном плюсе к средней. Лимит числа входов
// обеспечивает хранилище, политика о нём не знает.
type DCA struct {
	EntryRSI      float64
	StepPercent   float64
	TakePercent   float64
	AddSizeFactor float64
}

func NewDCA() *DCA {
	return &DCA{
		EntryRSI:      35,
		StepPercent:   3.0,
		TakePercent:   1.5,
		AddSizeFactor: 1.0,
	}
}

func (d *DCA) Name() string { return "dca" }

func (d *DCA) Decide(state models.MarketState, pos *models.Position) models.Action {
	if pos == nil {
		if state.RSI < d.EntryRSI {
			return models.Action{Type: models.ActionEnter, Size: 1, Reason: "RSI перепродан"}
		}
		return models.Hold("нет сигнала входа")
	}

	avg := pos.AvgPrice()
	if avg <= 0 {
		return models.Hold("нет средней цены")
	}

	if state.Price >= avg*(1+d.TakePercent/100) {
		return models.Action{Type: models.ActionExit, Reason: "цель по средней цене"}
	}

	// Следующая ступень лесенки: шаг ниже средней на каждый уже
	// сделанный вход.
	step := d.StepPercent / 100 * float64(pos.EntryCount)
	if state.Price <= avg*(1-step) {
		return models.Action{Type: models.ActionAddEntry, Size: d.AddSizeFactor, Reason: "ступень усреднения"}
	}
	return models.Hold("между ступенями")
}
