package engine

import "math"

// Шаги округления биржи: объём базовой валюты до 8 знаков, сумма в
// котируемой валюте — целые воны.
const (
	qtyStep   = 0.00000001
	quoteStep = 1.0
)

func roundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// Поправка на двоичное деление: 3.5/1e-8 даёт 349999999.99...,
	// без неё значение на шаге теряло бы целый шаг.
	return math.Floor(value/step+1e-6) * step
}
