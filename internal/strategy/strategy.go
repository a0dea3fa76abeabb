package strategy

import (
	"fmt"

	"tradebot/internal/models"
)

// Policy — чистая функция решения: одинаковые (MarketState, Position)
// всегда дают одинаковый Action. Никакого скрытого состояния, иначе
// горячая смена политики между циклами станет небезопасной.
type Policy interface {
	Name() string
	Decide(state models.MarketState, pos *models.Position) models.Action
}

func New(name string) (Policy, error) {
	switch name {
	case "scalp":
		return NewScalp(), nil
	case "swing":
		return NewSwing(), nil
	case "dca":
		return NewDCA(), nil
	default:
		return nil, fmt.Errorf("Неизвестная стратегия: %s", name)
	}
}

func Names() []string {
	return []string{"scalp", "swing", "dca"}
}
